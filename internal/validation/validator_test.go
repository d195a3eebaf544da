package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeployID(t *testing.T) {
	v := New()

	for _, id := range []string{"foo", "my-app", "app_2", "a", "0day", "a.b"} {
		assert.NoError(t, v.DeployID(id), "id %q", id)
	}
	for _, id := range []string{
		"", "Foo", "-leading", ".leading", "has space", "sla/sh",
		strings.Repeat("a", 65),
	} {
		assert.Error(t, v.DeployID(id), "id %q", id)
	}
}

func TestServiceName(t *testing.T) {
	v := New()

	// Image references double as service names, so slashes are fine.
	for _, name := range []string{"web", "db-1", "example/web", "registry.io/org/app"} {
		assert.NoError(t, v.ServiceName(name), "name %q", name)
	}
	for _, name := range []string{
		"", "Web", "../escape", "a/../b", "has space",
		strings.Repeat("a", 129),
	} {
		assert.Error(t, v.ServiceName(name), "name %q", name)
	}
}
