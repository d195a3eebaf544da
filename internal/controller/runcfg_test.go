package controller_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-sh/stevedore/models"
)

func TestRuncfgSynthesis(t *testing.T) {
	ctrl, fb := newTestController(t)
	mustCreate(t, ctrl, "foo")

	def := map[string]interface{}{
		"image": "example/app",
		"cmd":   []interface{}{"serve", "--port", "{PORT_WEB}"},
		"ports": map[string]interface{}{
			"":    "assign",
			"web": 8080,
		},
		"volumes": map[string]interface{}{"data": "/var/data"},
		"env": map[string]interface{}{
			"GREETER": "{HOST}",
			"WEB_AT":  "{SD_WEB}",
		},
		"wan_map": map[string]interface{}{"1.2.3.4:80": "web"},
	}

	cintf, ctx := openIntf(t, ctrl)
	_, err := cintf.SetService(ctx, "foo", "svc", def, false)
	require.NoError(t, err)
	require.NoError(t, cintf.Commit())
	drain(ctx)

	require.Len(t, fb.started, 1)
	rc := fb.started[0]

	assert.Equal(t, "example/app", rc.Image)
	assert.Equal(t, "foo-svc-1-1", rc.Name)

	// Named port: container side fixed, host side assigned from the range,
	// plus the extra wan binding.
	webBindings := rc.Ports[8080]
	require.Len(t, webBindings, 2)
	assert.Equal(t, "192.168.100.5", webBindings[0].IP)
	assert.GreaterOrEqual(t, webBindings[0].Port, 10000)
	assert.Less(t, webBindings[0].Port, 65000)
	assert.Equal(t, models.HostBinding{IP: "1.2.3.4", Port: 80}, webBindings[1])

	// Default "assign" port: container port equals the assigned host port.
	var defaultPort int
	for container, bindings := range rc.Ports {
		if container == 8080 {
			continue
		}
		require.Len(t, bindings, 1)
		assert.Equal(t, container, bindings[0].Port)
		defaultPort = container
	}
	require.NotZero(t, defaultPort, "a default port must be assigned")

	// Volume host paths are namespaced by deployment and service.
	containerPath, ok := rc.Volumes[ctrl.DataDir+"/foo/svc/data"]
	require.True(t, ok, "volumes: %v", rc.Volumes)
	assert.Equal(t, "/var/data", containerPath)

	// Port and discovery variables surface in the environment and are
	// usable as template vars elsewhere.
	assert.Equal(t, "8080", rc.Env["PORT_WEB"])
	assert.Equal(t, "foo:svc:web", rc.Env["SD_WEB_NAME"])
	assert.Equal(t, "foo:svc", rc.Env["SD_NAME"])
	assert.Equal(t, "foo", rc.Env["DEPLOY_ID"])
	assert.Equal(t, "192.168.100.5:1111", rc.Env["DISCOVERD"])
	assert.Equal(t, "http://192.168.100.5:4001", rc.Env["ETCD"])
	assert.Equal(t, "192.168.100.5", rc.Env["GREETER"])
	assert.Equal(t, rc.Env["SD_WEB"], rc.Env["WEB_AT"])

	assert.Equal(t, []string{"serve", "--port", "8080"}, rc.Cmd)
}

func TestRuncfgDeploymentEnvOverriddenByServiceEnv(t *testing.T) {
	ctrl, fb := newTestController(t)
	mustCreate(t, ctrl, "foo")

	cintf, ctx := openIntf(t, ctrl)
	changed, err := cintf.SetGlobals(ctx, "foo", map[string]interface{}{
		"Env": map[string]interface{}{
			"svc": map[string]interface{}{"A": "global", "B": "global"},
		},
	})
	require.NoError(t, err)
	_, err = cintf.SetService(ctx, "foo", "svc", map[string]interface{}{
		"image": "busybox",
		"env":   map[string]interface{}{"B": "local"},
	}, changed)
	require.NoError(t, err)
	require.NoError(t, cintf.Commit())
	drain(ctx)

	require.Len(t, fb.started, 1)
	assert.Equal(t, "global", fb.started[0].Env["A"])
	assert.Equal(t, "local", fb.started[0].Env["B"])
}

func TestRuncfgUnknownTemplateVarStaysLiteral(t *testing.T) {
	ctrl, fb := newTestController(t)
	mustCreate(t, ctrl, "foo")

	cintf, ctx := openIntf(t, ctrl)
	_, err := cintf.SetService(ctx, "foo", "svc", map[string]interface{}{
		"image": "busybox",
		"env":   map[string]interface{}{"FMT": "{pid}-{NOPE}"},
	}, false)
	require.NoError(t, err)
	require.NoError(t, cintf.Commit())
	drain(ctx)

	require.Len(t, fb.started, 1)
	assert.Equal(t, "{pid}-{NOPE}", fb.started[0].Env["FMT"])
}

func TestRuncfgWanMapUnknownPortFails(t *testing.T) {
	ctrl, _ := newTestController(t)
	mustCreate(t, ctrl, "foo")

	cintf, ctx := openIntf(t, ctrl)
	defer cintf.Close()
	_, err := cintf.SetService(ctx, "foo", "svc", map[string]interface{}{
		"image":   "busybox",
		"wan_map": map[string]interface{}{"1.2.3.4:80": "nothere"},
	}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `wan_map references unknown port "nothere"`)
	drain(ctx)
}

func TestSdutilWrapping(t *testing.T) {
	ctrl, fb := newTestController(t)
	mustCreate(t, ctrl, "foo")

	cintf, ctx := openIntf(t, ctrl)
	_, err := cintf.SetService(ctx, "foo", "web", map[string]interface{}{
		"image":      "example/web",
		"entrypoint": "/bin/web",
		"cmd":        []interface{}{"--fg"},
		"port":       8080,
		"sdutil": map[string]interface{}{
			"register": true,
			"expose":   map[string]interface{}{"db": "DATABASE_ADDR"},
		},
	}, false)
	require.NoError(t, err)
	require.NoError(t, cintf.Commit())
	drain(ctx)

	require.Len(t, fb.started, 1)
	rc := fb.started[0]

	require.Equal(t, []string{"/sdutil"}, rc.Entrypoint)
	// Registration wraps outermost, consumption innermost.
	hostPort := rc.Ports[8080][0].Port
	assert.Equal(t, []string{
		"exec", "-s", fmt.Sprintf("foo:web:%d", hostPort),
		"/sdutil", "expose", "-d", "DATABASE_ADDR:foo:db",
		"/bin/web", "--fg",
	}, rc.Cmd)
}

func TestSdutilNotWrappedWithoutConfig(t *testing.T) {
	ctrl, fb := newTestController(t)
	mustCreate(t, ctrl, "foo")

	cintf, ctx := openIntf(t, ctrl)
	_, err := cintf.SetService(ctx, "foo", "plain", map[string]interface{}{
		"image":      "busybox",
		"entrypoint": "/bin/app",
	}, false)
	require.NoError(t, err)
	require.NoError(t, cintf.Commit())
	drain(ctx)

	require.Len(t, fb.started, 1)
	assert.Equal(t, []string{"/bin/app"}, fb.started[0].Entrypoint)
}
