package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/stevedore-sh/stevedore/internal/controller"
)

type createRequest struct {
	DeployID string `json:"deploy_id"`
}

type setupRequest struct {
	DeployID string                 `json:"deploy_id"`
	Services json.RawMessage        `json:"services"`
	Globals  map[string]interface{} `json:"globals"`
	Force    bool                   `json:"force"`
}

type namedDefinition struct {
	name string
	raw  map[string]interface{}
}

// handleList returns the deployment tree: per service the version count
// and instance ids.
func (s *Server) handleList(c echo.Context) error {
	cintf, err := s.ctrl.Interface()
	if err != nil {
		return c.JSON(http.StatusInternalServerError,
			map[string]string{"error": err.Error()})
	}
	defer cintf.Close()

	out := map[string]map[string]interface{}{}
	for id, dep := range cintf.Deployments() {
		out[id] = map[string]interface{}{}
		for name, svc := range dep.Services {
			instances := []string{}
			for _, inst := range svc.Instances {
				instances = append(instances, inst.ID)
			}
			out[id][name] = map[string]interface{}{
				"versions":  len(svc.Versions),
				"instances": instances,
			}
		}
	}
	return c.JSON(http.StatusOK, out)
}

// handleCreate makes a new deployment. Not streaming; the response is one
// job or error object.
func (s *Server) handleCreate(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil || req.DeployID == "" {
		return c.JSON(http.StatusOK,
			map[string]string{"error": "deploy_id is required"})
	}
	if err := s.valid.DeployID(req.DeployID); err != nil {
		return c.JSON(http.StatusOK, map[string]string{"error": err.Error()})
	}

	cintf, err := s.ctrl.Interface()
	if err != nil {
		return c.JSON(http.StatusInternalServerError,
			map[string]string{"error": err.Error()})
	}

	ctx := controller.NewDiscardContext()
	ctx.Cintf = cintf
	if _, err := cintf.CreateDeployment(ctx, req.DeployID, true); err != nil {
		cintf.Abort()
		return c.JSON(http.StatusOK, map[string]string{"error": err.Error()})
	}
	if err := cintf.Commit(); err != nil {
		return c.JSON(http.StatusOK, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK,
		map[string]string{"job": fmt.Sprintf("Created deployment %s", req.DeployID)})
}

// handleSetup replaces a deployment's globals and sets one or more
// services, streaming progress. Services are applied in the order the
// request body lists them.
func (s *Server) handleSetup(c echo.Context) error {
	var req setupRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest,
			map[string]string{"error": "invalid request body"})
	}
	services, err := orderedServices(req.Services)
	if err != nil {
		return c.JSON(http.StatusBadRequest,
			map[string]string{"error": "invalid services: " + err.Error()})
	}
	if err := s.valid.DeployID(req.DeployID); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	for _, svc := range services {
		if err := s.valid.ServiceName(svc.name); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
	}

	return s.Stream(c, func(ctx *controller.Context) error {
		if _, err := ctx.Cintf.Deployment(req.DeployID); err != nil {
			return controller.Deployf("no such deployment, create first")
		}

		changed, err := ctx.Cintf.SetGlobals(ctx, req.DeployID, req.Globals)
		if err != nil {
			return err
		}

		for _, svc := range services {
			_, err := ctx.Cintf.SetService(ctx, req.DeployID, svc.name, svc.raw,
				changed || req.Force)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// handleUpload accepts artifact files for a service via multipart form.
// The form carries deploy_id, service_name, a JSON `data` value, and the
// files themselves. Files land in temp storage before the worker runs,
// since the request body is gone once streaming starts.
func (s *Server) handleUpload(c echo.Context) error {
	deployID := c.FormValue("deploy_id")
	serviceName := c.FormValue("service_name")

	info := map[string]interface{}{}
	if raw := c.FormValue("data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return c.JSON(http.StatusBadRequest,
				map[string]string{"error": "invalid data field: " + err.Error()})
		}
	}

	form, err := c.MultipartForm()
	if err != nil {
		return c.JSON(http.StatusBadRequest,
			map[string]string{"error": "multipart form required"})
	}
	files := map[string]string{}
	for field, headers := range form.File {
		if len(headers) == 0 {
			continue
		}
		path, err := saveUpload(headers[0])
		if err != nil {
			return c.JSON(http.StatusInternalServerError,
				map[string]string{"error": err.Error()})
		}
		files[field] = path
	}

	return s.Stream(c, func(ctx *controller.Context) error {
		defer func() {
			for _, path := range files {
				os.Remove(path)
			}
		}()
		return ctx.Cintf.ProvideData(ctx, deployID, serviceName, files, info)
	})
}

func saveUpload(header *multipart.FileHeader) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "stevedore-upload-*")
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, src); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// orderedServices decodes the services object preserving its key order,
// which encoding/json's map decoding would lose.
func orderedServices(raw json.RawMessage) ([]namedDefinition, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("services must be an object")
	}

	var out []namedDefinition
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name := keyTok.(string)

		var def map[string]interface{}
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		if def == nil {
			def = map[string]interface{}{}
		}
		out = append(out, namedDefinition{name: name, raw: def})
	}
	return out, nil
}
