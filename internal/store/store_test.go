package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-sh/stevedore/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCommitRoundTrip(t *testing.T) {
	s := openTestStore(t)

	conn, err := s.Conn()
	require.NoError(t, err)
	dep := models.NewDeployment("foo")
	svc := dep.SetService("web")
	_, def, err := models.Canonicalize("web", map[string]interface{}{"image": "nginx"})
	require.NoError(t, err)
	svc.AppendVersion(svc.Derive(def))
	conn.Root().Deployments["foo"] = dep
	conn.Root().AuthKey = "secret"
	require.NoError(t, conn.Commit())
	conn.Close()

	conn2, err := s.Conn()
	require.NoError(t, err)
	defer conn2.Close()

	assert.Equal(t, "secret", conn2.Root().AuthKey)
	loaded := conn2.Root().Deployments["foo"]
	require.NotNil(t, loaded)
	web := loaded.Services["web"]
	require.NotNil(t, web)
	assert.Equal(t, "nginx", web.Latest().Definition.Image)
	assert.Same(t, loaded, web.Deployment, "back-references are rewired on load")
}

func TestStaleCommitRejected(t *testing.T) {
	s := openTestStore(t)

	first, err := s.Conn()
	require.NoError(t, err)
	second, err := s.Conn()
	require.NoError(t, err)

	first.Root().Deployments["a"] = models.NewDeployment("a")
	require.NoError(t, first.Commit())
	first.Close()

	second.Root().Deployments["b"] = models.NewDeployment("b")
	err = second.Commit()
	require.ErrorIs(t, err, ErrStale)
	second.Close()

	// The stale writer's state never reached disk.
	check, err := s.Conn()
	require.NoError(t, err)
	defer check.Close()
	assert.Contains(t, check.Root().Deployments, "a")
	assert.NotContains(t, check.Root().Deployments, "b")
}

func TestAbortDiscardsChanges(t *testing.T) {
	s := openTestStore(t)

	conn, err := s.Conn()
	require.NoError(t, err)
	conn.Root().Deployments["gone"] = models.NewDeployment("gone")
	conn.Abort()

	check, err := s.Conn()
	require.NoError(t, err)
	defer check.Close()
	assert.Empty(t, check.Root().Deployments)
}

func TestSequentialCommitsAdvance(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"one", "two", "three"} {
		conn, err := s.Conn()
		require.NoError(t, err)
		conn.Root().Deployments[id] = models.NewDeployment(id)
		require.NoError(t, conn.Commit())
		conn.Close()
	}

	check, err := s.Conn()
	require.NoError(t, err)
	defer check.Close()
	assert.Len(t, check.Root().Deployments, 3)
}

func TestReopenKeepsSchema(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	conn, err := s.Conn()
	require.NoError(t, err)
	conn.Root().AuthKey = "key"
	require.NoError(t, conn.Commit())
	conn.Close()
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	conn, err = reopened.Conn()
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "key", conn.Root().AuthKey)
}
