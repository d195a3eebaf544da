package servicefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func serviceNames(f *ServiceFile) []string {
	var names []string
	for _, svc := range f.Services {
		names = append(names, svc.Name)
	}
	return names
}

func TestLoadSeparatesGlobalsFromServices(t *testing.T) {
	path := writeFile(t, t.TempDir(), "deploy.yml", `
Env:
    web:
        SECRET: s3cret
web:
    image: example/web
    port: 8080
db:
    image: postgres
`)

	f, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"web", "db"}, serviceNames(f))
	assert.Equal(t, "example/web", f.Service("web")["image"])
	assert.Nil(t, f.Service("nope"))

	env, ok := f.Globals["Env"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, env, "web")
}

func TestLoadPreservesServiceOrder(t *testing.T) {
	// Bootstrap order matters; alphabetical reordering would break
	// require chains that rely on file order.
	path := writeFile(t, t.TempDir(), "deploy.yml", `
zeta:
    image: a
alpha:
    image: b
middle:
    image: c
`)

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "middle"}, serviceNames(f))
}

func TestLoadStringShorthand(t *testing.T) {
	path := writeFile(t, t.TempDir(), "deploy.yml", `
worker: python worker.py
`)

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"cmd": "python worker.py"}, f.Service("worker"))
}

func TestLoadEmptyServiceBecomesEmptyDefinition(t *testing.T) {
	path := writeFile(t, t.TempDir(), "deploy.yml", "redis:\n")

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Services, 1)
	assert.Equal(t, map[string]interface{}{}, f.Service("redis"))
}

func TestLoadRejectsNonMappingTopLevel(t *testing.T) {
	path := writeFile(t, t.TempDir(), "deploy.yml", "- just\n- a\n- list\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "top level must be a mapping")
}

func TestIncludesMergeServicesAndGlobals(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yml", `
Env:
    db:
        TUNING: base
    shared:
        FROM: base
db:
    image: postgres
cache:
    image: redis
`)
	path := writeFile(t, dir, "deploy.yml", `
Includes:
    - base.yml
Env:
    db:
        TUNING: local
web:
    image: example/web
cache:
    image: memcached
`)

	f, err := Load(path)
	require.NoError(t, err)

	// Included services come first; the local cache replaces the included
	// one in place.
	assert.Equal(t, []string{"db", "cache", "web"}, serviceNames(f))
	assert.Equal(t, "memcached", f.Service("cache")["image"])
	assert.Equal(t, "postgres", f.Service("db")["image"])

	env := f.Globals["Env"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"TUNING": "local"}, env["db"])
	assert.Equal(t, map[string]interface{}{"FROM": "base"}, env["shared"])
}

func TestIncludesRelativeToIncludingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "common"), 0o755))
	writeFile(t, filepath.Join(dir, "common"), "infra.yml", `
etcd:
    image: coreos/etcd
`)
	path := writeFile(t, dir, "deploy.yml", `
Includes:
    - common/infra.yml
app:
    image: example/app
`)

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"etcd", "app"}, serviceNames(f))
}

func TestIncludeMissingFileFails(t *testing.T) {
	path := writeFile(t, t.TempDir(), "deploy.yml", `
Includes:
    - nothere.yml
`)

	_, err := Load(path)
	require.Error(t, err)
}
