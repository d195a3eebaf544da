// Package client talks to a stevedored daemon: plain JSON calls for the
// simple endpoints, and newline-delimited JSON event streams for the
// deploy operations.
package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/stevedore-sh/stevedore/internal/servicefile"
)

// Client is the HTTP interface to one daemon.
type Client struct {
	// BaseURL is the daemon address, e.g. http://localhost:5555.
	BaseURL string

	// Auth is the API key sent in the Authorization header.
	Auth string

	http *http.Client
}

// New builds a client for the daemon at url.
func New(url, auth string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(url, "/"),
		Auth:    auth,
		http:    &http.Client{},
	}
}

// EventHandler consumes one streamed event document.
type EventHandler func(event map[string]interface{})

// ListEntry describes one service in the List response.
type ListEntry struct {
	Versions  int      `json:"versions"`
	Instances []string `json:"instances"`
}

// List fetches the deployment tree.
func (c *Client) List() (map[string]map[string]ListEntry, error) {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := map[string]map[string]ListEntry{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode list response: %w", err)
	}
	return out, nil
}

// Create makes a new deployment.
func (c *Client) Create(deployID string) error {
	body, _ := json.Marshal(map[string]string{"deploy_id": deployID})
	req, err := http.NewRequest(http.MethodPut, c.BaseURL+"/create", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode create response: %w", err)
	}
	if msg, ok := result["error"]; ok {
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// Setup sends a service file for deployment and streams the progress to
// the handler. The returned error covers transport problems only; error
// events are the handler's business.
func (c *Client) Setup(deployID string, file *servicefile.ServiceFile, force bool, handle EventHandler) error {
	services, err := encodeServices(file.Services)
	if err != nil {
		return err
	}
	globals := file.Globals
	if globals == nil {
		globals = map[string]interface{}{}
	}
	body, err := json.Marshal(struct {
		DeployID string                 `json:"deploy_id"`
		Services json.RawMessage        `json:"services"`
		Globals  map[string]interface{} `json:"globals"`
		Force    bool                   `json:"force"`
	}{deployID, services, globals, force})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/setup", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.stream(req, handle)
}

// Upload sends artifact files for a service and streams the progress.
// files maps upload names to local paths; info carries per-file metadata.
func (c *Client) Upload(deployID, serviceName string, files map[string]string, info map[string]interface{}, handle EventHandler) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	_ = writer.WriteField("deploy_id", deployID)
	_ = writer.WriteField("service_name", serviceName)
	if info != nil {
		raw, err := json.Marshal(info)
		if err != nil {
			return err
		}
		_ = writer.WriteField("data", string(raw))
	}

	for name, path := range files {
		part, err := writer.CreateFormFile(name, name)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/upload", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return c.stream(req, handle)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.Auth != "" {
		req.Header.Set("Authorization", c.Auth)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, fmt.Errorf("authorization failed, check AUTH")
	}
	return resp, nil
}

// stream performs the request and feeds each response line to the handler.
func (c *Client) stream(req *http.Request, handle EventHandler) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event map[string]interface{}
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return fmt.Errorf("bad event from server: %q", line)
		}
		handle(event)
	}
	return scanner.Err()
}

// encodeServices marshals the services as a JSON object preserving file
// order; the daemon applies them in the order they appear.
func encodeServices(services []servicefile.NamedService) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, svc := range services {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(svc.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(svc.Definition)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", svc.Name, err)
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
