package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDefinition(t *testing.T, raw map[string]interface{}) *Definition {
	t.Helper()
	_, def, err := Canonicalize("svc", raw)
	require.NoError(t, err)
	return def
}

func TestServiceLatestInvariant(t *testing.T) {
	dep := NewDeployment("foo")
	svc := dep.SetService("web")

	assert.Nil(t, svc.Latest())

	v1 := svc.Derive(testDefinition(t, map[string]interface{}{}))
	svc.AppendVersion(v1)
	assert.Same(t, v1, svc.Latest())

	v2 := svc.Derive(nil)
	svc.AppendVersion(v2)
	assert.Same(t, v2, svc.Latest())
	assert.Len(t, svc.Versions, 2)
}

func TestHoldRequiresNoVersions(t *testing.T) {
	dep := NewDeployment("foo")
	svc := dep.SetService("web")

	version := svc.Derive(testDefinition(t, map[string]interface{}{}))
	require.NoError(t, svc.Hold("waiting for db", version))

	assert.True(t, svc.Held)
	assert.Empty(t, svc.Versions)
	assert.Same(t, version, svc.HeldVersion)
	assert.Same(t, version, svc.Version())

	// Appending the version releases the hold.
	svc.AppendVersion(version)
	assert.False(t, svc.Held)
	assert.Nil(t, svc.HeldVersion)
	assert.Same(t, version, svc.Version())

	// A service with versions can no longer be held.
	var invalid *InvalidStateError
	err := svc.Hold("again", svc.Derive(nil))
	require.ErrorAs(t, err, &invalid)
}

func TestDeriveFreezesGlobals(t *testing.T) {
	dep := NewDeployment("foo")
	dep.Globals = map[string]interface{}{
		"Env": map[string]interface{}{"web": map[string]interface{}{"A": "1"}},
	}
	svc := dep.SetService("web")

	version := svc.Derive(testDefinition(t, map[string]interface{}{}))
	svc.AppendVersion(version)

	// Later globals changes must not leak into the snapshot.
	dep.Globals["Env"].(map[string]interface{})["web"].(map[string]interface{})["A"] = "2"
	assert.Equal(t, map[string]string{"A": "1"}, EnvFor(version.Globals, "web"))
}

func TestDeriveInheritsData(t *testing.T) {
	dep := NewDeployment("foo")
	svc := dep.SetService("web")

	v1 := svc.Derive(testDefinition(t, map[string]interface{}{}))
	svc.AppendVersion(v1)
	v1.Data["app_version_id"] = "v1"

	v2 := svc.Derive(nil)
	assert.Equal(t, "v1", v2.Data["app_version_id"])

	v2.Data["app_version_id"] = "v2"
	assert.Equal(t, "v1", v1.Data["app_version_id"], "data map is copied, not shared")
}

func TestInstanceAccounting(t *testing.T) {
	dep := NewDeployment("foo")
	svc := dep.SetService("web")
	svc.AppendVersion(svc.Derive(testDefinition(t, map[string]interface{}{})))

	inst := svc.AppendInstance("i-1", "container-abc")
	assert.Equal(t, 1, svc.Latest().InstanceCount)
	assert.Same(t, svc.Latest(), inst.Version)

	svc.RemoveInstance(inst)
	assert.Empty(t, svc.Instances)
}

func TestRewireAfterRoundTrip(t *testing.T) {
	dep := NewDeployment("foo")
	dep.Globals["Domains"] = map[string]interface{}{"example.org": "web"}
	svc := dep.SetService("web")
	svc.AppendVersion(svc.Derive(testDefinition(t, map[string]interface{}{"port": 80})))
	svc.AppendInstance("i-1", "container-abc")

	raw, err := json.Marshal(dep)
	require.NoError(t, err)

	var loaded Deployment
	require.NoError(t, json.Unmarshal(raw, &loaded))
	loaded.Rewire()

	web := loaded.Services["web"]
	require.NotNil(t, web)
	assert.Equal(t, "web", web.Name)
	assert.Same(t, &loaded, web.Deployment)
	assert.Equal(t, "foo-web", web.FullName())
	require.Len(t, web.Instances, 1)
	assert.Same(t, web.Latest(), web.Instances[0].Version)
}

func TestResources(t *testing.T) {
	dep := NewDeployment("foo")
	assert.Nil(t, dep.GetResource("db"))

	dep.SetResource("db", true)
	assert.Equal(t, true, dep.GetResource("db"))

	assert.False(t, dep.HasService("db", false))
	svc := dep.SetService("db")
	require.NoError(t, svc.Hold("waiting", svc.Derive(testDefinition(t, map[string]interface{}{}))))
	assert.False(t, dep.HasService("db", false))
	assert.True(t, dep.HasService("db", true))
}
