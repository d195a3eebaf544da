package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-sh/stevedore/internal/servicefile"
)

func TestEncodeServicesPreservesOrder(t *testing.T) {
	raw, err := encodeServices([]servicefile.NamedService{
		{Name: "zeta", Definition: map[string]interface{}{"image": "a"}},
		{Name: "alpha", Definition: map[string]interface{}{"image": "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":{"image":"a"},"alpha":{"image":"b"}}`, string(raw))

	// The result is still valid JSON.
	var check map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &check))
	assert.Len(t, check, 2)
}

func TestEncodeServicesEmpty(t *testing.T) {
	raw, err := encodeServices(nil)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(raw))
}

func TestSetupStreamsEvents(t *testing.T) {
	var gotBody map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/setup", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"job":"web"}` + "\n"))
		w.Write([]byte(`{"log":"started instance abc (x-web-1-1)"}` + "\n"))
	}))
	defer server.Close()

	c := New(server.URL, "secret")
	file := &servicefile.ServiceFile{
		Globals: map[string]interface{}{"Env": map[string]interface{}{}},
		Services: []servicefile.NamedService{
			{Name: "web", Definition: map[string]interface{}{"image": "x"}},
		},
	}

	var events []map[string]interface{}
	err := c.Setup("x", file, true, func(ev map[string]interface{}) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "web", events[0]["job"])
	assert.Equal(t, `{"web":{"image":"x"}}`, string(gotBody["services"]))
	assert.Equal(t, `true`, string(gotBody["force"]))
}

func TestUnauthorizedIsATransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := New(server.URL, "wrong")
	_, err := c.List()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authorization failed")
}

func TestCreateReportsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error":"deployment foo already exists"}`))
	}))
	defer server.Close()

	err := New(server.URL, "").Create("foo")
	require.Error(t, err)
	assert.Equal(t, "deployment foo already exists", err.Error())
}

func TestListDecodesTree(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"foo":{"web":{"versions":2,"instances":["a","b"]}}}`))
	}))
	defer server.Close()

	tree, err := New(server.URL, "").List()
	require.NoError(t, err)
	assert.Equal(t, 2, tree["foo"]["web"].Versions)
	assert.Equal(t, []string{"a", "b"}, tree["foo"]["web"].Instances)
}
