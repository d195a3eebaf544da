package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:5555", cfg.Server.Bind())
	assert.Equal(t, "/srv/vdata", cfg.Data)
	assert.Equal(t, "/srv/vstate", cfg.State)
	assert.Equal(t, "flynn/slugbuilder", cfg.Builder)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DEPLOY_DATA", "/tmp/vdata")
	t.Setenv("DEPLOY_STATE", "/tmp/vstate")
	t.Setenv("DOCKER_HOST", "tcp://127.0.0.1:2375")
	t.Setenv("HOST_IP", "10.0.0.7")
	t.Setenv("SLUGBUILDER", "example/builder")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/vdata", cfg.Data)
	assert.Equal(t, "/tmp/vstate", cfg.State)
	assert.Equal(t, "tcp://127.0.0.1:2375", cfg.Docker.Host)
	assert.Equal(t, "10.0.0.7", cfg.HostIP)
	assert.Equal(t, "example/builder", cfg.Builder)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("server:\n  port: 6000\ndata: /data\n"), 0o644))

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Server.Port)
	assert.Equal(t, "/data", cfg.Data)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("DEPLOY_SERVER_PORT", "0")

	_, err := Load("")
	require.Error(t, err)
}
