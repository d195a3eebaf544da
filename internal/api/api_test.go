package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-sh/stevedore/internal/api"
	"github.com/stevedore-sh/stevedore/internal/backend"
	"github.com/stevedore-sh/stevedore/internal/config"
	"github.com/stevedore-sh/stevedore/internal/controller"
	"github.com/stevedore-sh/stevedore/internal/plugins"
	"github.com/stevedore-sh/stevedore/internal/store"
)

// nopBackend accepts everything without touching a container runtime.
type nopBackend struct {
	counter int
}

func (b *nopBackend) Prepare(ctx context.Context, runcfg *backend.Runcfg, serviceName string) (string, error) {
	b.counter++
	return fmt.Sprintf("cnt-%d", b.counter), nil
}

func (b *nopBackend) Start(ctx context.Context, runcfg *backend.Runcfg, handle string) (string, error) {
	return handle, nil
}

func (b *nopBackend) Terminate(ctx context.Context, handle string) error { return nil }

func (b *nopBackend) Once(ctx context.Context, runcfg *backend.Runcfg) (int, error) { return 0, nil }

func (b *nopBackend) Status(ctx context.Context, handle string) (backend.Status, error) {
	return backend.StatusRunning, nil
}

type nopDiscovery struct{}

func (nopDiscovery) Discover(name string) (string, error) { return "127.0.0.1:1", nil }
func (nopDiscovery) Register(name, address string) error  { return nil }

func newTestServer(t *testing.T) (*api.Server, string) {
	t.Helper()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctrl, err := controller.New(controller.Options{
		Store:     st,
		Backend:   &nopBackend{},
		Plugins:   plugins.Default(),
		Discovery: nopDiscovery{},
		HostIP:    "192.168.100.5",
		DataDir:   t.TempDir(),
		Builder:   "flynn/slugbuilder",
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Bootstrap())

	key, err := ctrl.AuthKey()
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 5555
	return api.New(cfg, ctrl), key
}

func request(t *testing.T, srv *api.Server, key, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if key != "" {
		req.Header.Set(echo.HeaderAuthorization, key)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	return rec
}

// decodeLines parses a newline-delimited JSON response body.
func decodeLines(t *testing.T, body string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if line == "" {
			continue
		}
		var obj map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &obj), "line: %q", line)
		out = append(out, obj)
	}
	return out
}

func TestAuthorizationRequired(t *testing.T) {
	srv, key := newTestServer(t)

	rec := request(t, srv, "", http.MethodGet, "/list", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error": "authorization failed."}`, rec.Body.String())

	rec = request(t, srv, "wrong-key", http.MethodGet, "/list", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = request(t, srv, key, http.MethodGet, "/list", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateDeployment(t *testing.T) {
	srv, key := newTestServer(t)

	rec := request(t, srv, key, http.MethodPut, "/create", `{"deploy_id": "foo"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"job": "Created deployment foo"}`, rec.Body.String())

	// Duplicate ids and malformed ids report an error without failing the
	// request itself.
	rec = request(t, srv, key, http.MethodPut, "/create", `{"deploy_id": "foo"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "already exists")

	rec = request(t, srv, key, http.MethodPut, "/create", `{"deploy_id": "Nope Nope"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid deploy_id")
}

func TestSetupStreamsProgress(t *testing.T) {
	srv, key := newTestServer(t)
	request(t, srv, key, http.MethodPut, "/create", `{"deploy_id": "foo"}`, nil)

	rec := request(t, srv, key, http.MethodPost, "/setup", `{
		"deploy_id": "foo",
		"services": {
			"web": {"image": "example/web"},
			"db": {"image": "postgres"}
		}
	}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "application/json")

	lines := decodeLines(t, rec.Body.String())
	var jobs []string
	for _, line := range lines {
		if job, ok := line["job"].(string); ok {
			jobs = append(jobs, job)
		}
	}
	// Body order is applied order.
	assert.Equal(t, []string{"web", "db"}, jobs)

	// The deployment is visible in the listing afterwards.
	rec = request(t, srv, key, http.MethodGet, "/list", "", nil)
	var listing map[string]map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Contains(t, listing, "foo")
	assert.Equal(t, float64(1), listing["foo"]["web"]["versions"])
	assert.Len(t, listing["foo"]["web"]["instances"], 1)
}

func TestSetupUnknownDeployment(t *testing.T) {
	srv, key := newTestServer(t)

	rec := request(t, srv, key, http.MethodPost, "/setup",
		`{"deploy_id": "ghost", "services": {"web": {"image": "x"}}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	lines := decodeLines(t, rec.Body.String())
	require.Len(t, lines, 1)
	assert.Equal(t, "no such deployment, create first", lines[0]["error"])
}

func TestSetupRejectsBadServiceName(t *testing.T) {
	srv, key := newTestServer(t)
	request(t, srv, key, http.MethodPut, "/create", `{"deploy_id": "foo"}`, nil)

	rec := request(t, srv, key, http.MethodPost, "/setup",
		`{"deploy_id": "foo", "services": {"../escape": {}}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid service name")
}

func TestSetupPlaintextRendering(t *testing.T) {
	srv, key := newTestServer(t)
	request(t, srv, key, http.MethodPut, "/create", `{"deploy_id": "foo"}`, nil)

	rec := request(t, srv, key, http.MethodPost, "/setup",
		`{"deploy_id": "foo", "services": {"web": {"image": "example/web"}}}`,
		map[string]string{echo.HeaderAccept: "text/plain"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/plain")

	body := rec.Body.String()
	assert.Contains(t, body, "-----> web\n")
	assert.Contains(t, body, "       started instance ")
}

func TestUploadUnknownServiceReportsError(t *testing.T) {
	srv, key := newTestServer(t)
	request(t, srv, key, http.MethodPut, "/create", `{"deploy_id": "foo"}`, nil)

	var buf strings.Builder
	boundary := "testboundary"
	for field, value := range map[string]string{
		"deploy_id":    "foo",
		"service_name": "ghost",
	} {
		fmt.Fprintf(&buf, "--%s\r\nContent-Disposition: form-data; name=%q\r\n\r\n%s\r\n",
			boundary, field, value)
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(buf.String()))
	req.Header.Set(echo.HeaderContentType, "multipart/form-data; boundary="+boundary)
	req.Header.Set(echo.HeaderAuthorization, key)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	lines := decodeLines(t, rec.Body.String())
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0]["error"], "no such service")
}
