// Package plugins collects the optional behaviors layered over the
// controller core: dependency holds, generated secrets, one-shot exec
// jobs, service-discovery wrapping, and app-from-source builds.
//
// Each plugin implements the subset of the controller's hook interfaces it
// needs. Plugins re-enter the controller through the context's Cintf
// pointer, never through shared state of their own.
package plugins

import (
	"github.com/stevedore-sh/stevedore/internal/controller"
)

// Default returns the standard plugin set in registration order. The
// registry re-orders by priority, so the order here only breaks ties.
func Default() []controller.Plugin {
	return []controller.Plugin{
		&Generate{},
		&Discoverd{},
		&Exec{},
		&App{},
		&Sdutil{},
		&Requires{},
	}
}
