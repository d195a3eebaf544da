package controller

import (
	"sort"

	"github.com/stevedore-sh/stevedore/internal/backend"
	"github.com/stevedore-sh/stevedore/models"
)

// Plugin is an optional capability module. A plugin implements the subset
// of the hook interfaces below that it cares about; the registry discovers
// the capabilities once at startup.
//
// Priority orders plugins (lower runs earlier); registration order breaks
// ties, giving a stable total order for every hook.
type Plugin interface {
	// Name identifies the plugin, also used as its URL prefix for
	// plugin-provided API routes.
	Name() string

	// Priority orders hook invocation; lower runs earlier.
	Priority() int
}

// PortAssignment records how one named port of a service was mapped.
type PortAssignment struct {
	// Host is the binding on the host side.
	Host models.HostBinding

	// Container is the port inside the container.
	Container int
}

// The hook interfaces. Claiming hooks return a bool: a true return
// short-circuits the chain and makes the plugin responsible for the
// outcome. Notification hooks only report errors, which abort the current
// operation.

// OnCreateDeploymentHook runs after a deployment is instantiated.
type OnCreateDeploymentHook interface {
	OnCreateDeployment(ctx *Context, dep *models.Deployment) error
}

// OnGlobalsChangedHook runs after a deployment's globals were replaced
// with structurally different ones.
type OnGlobalsChangedHook interface {
	OnGlobalsChanged(ctx *Context, dep *models.Deployment) error
}

// OnResourceChangedHook runs after SetResource.
type OnResourceChangedHook interface {
	OnResourceChanged(ctx *Context, dep *models.Deployment, name string, value interface{}) error
}

// SetupHook runs before a container is created for a new or changed
// version. Returning true claims responsibility for the version: the core
// skips container creation, and the plugin must eventually release any
// hold it placed, or be a deliberate no-op.
type SetupHook interface {
	Setup(ctx *Context, svc *models.Service, version *models.ServiceVersion) (bool, error)
}

// PostSetupHook runs after the setup chain and, when applicable, the
// backend start.
type PostSetupHook interface {
	PostSetup(ctx *Context, svc *models.Service, version *models.ServiceVersion) error
}

// RewriteServiceHook runs during runcfg synthesis on a deep copy of the
// version's definition, before environment building. Plugins mutate the
// working definition in place.
type RewriteServiceHook interface {
	RewriteService(ctx *Context, svc *models.Service, version *models.ServiceVersion, def *models.Definition) error
}

// ProvideVarsHook contributes template variables for {NAME} substitution.
type ProvideVarsHook interface {
	ProvideVars(ctx *Context, svc *models.Service, version *models.ServiceVersion, def *models.Definition, vars map[string]string) error
}

// ProvideEnvironmentHook contributes environment entries during runcfg
// synthesis.
type ProvideEnvironmentHook interface {
	ProvideEnvironment(ctx *Context, dep *models.Deployment, def *models.Definition, env map[string]string) error
}

// BeforeStartHook runs after the runcfg is built, just before Prepare.
// Last chance to mutate the runcfg.
type BeforeStartHook interface {
	BeforeStart(ctx *Context, svc *models.Service, def *models.Definition, runcfg *backend.Runcfg, ports map[string]PortAssignment) error
}

// BeforeOnceHook is BeforeStart's counterpart for one-shot jobs.
type BeforeOnceHook interface {
	BeforeOnce(ctx *Context, svc *models.Service, def *models.Definition, runcfg *backend.Runcfg) error
}

// OnDataProvidedHook consumes artifacts uploaded through the edge. files
// maps upload names to paths of temporary files.
type OnDataProvidedHook interface {
	OnDataProvided(ctx *Context, svc *models.Service, files map[string]string, info map[string]interface{}) error
}

// SetupResourceHook may claim an exec/resource directive, deferring it.
type SetupResourceHook interface {
	SetupResource(ctx *Context, dep *models.Deployment, name string, options map[string]interface{}) (bool, error)
}

// NeedsAppCodeHook may claim responsibility for arranging app code that a
// setup plugin found missing (e.g. a git-push receiver).
type NeedsAppCodeHook interface {
	NeedsAppCode(ctx *Context, svc *models.Service, version *models.ServiceVersion) (bool, error)
}

// OnSystemInitHook runs once, at first process start, after the system
// deployment was created.
type OnSystemInitHook interface {
	OnSystemInit(ctx *Context) error
}

// Registry holds the ordered plugin list and dispatches hooks.
//
// Dispatch runs plugins in order and, for claiming hooks, stops at the
// first claimed result; if no plugin claims, the chain reports false.
type Registry struct {
	plugins []Plugin
}

// NewRegistry orders the plugins by priority (stable with respect to
// registration order) and builds the dispatch tables.
func NewRegistry(plugins []Plugin) *Registry {
	ordered := append([]Plugin(nil), plugins...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})
	return &Registry{plugins: ordered}
}

// Plugins returns the plugins in dispatch order.
func (r *Registry) Plugins() []Plugin {
	return r.plugins
}

// Get returns the registered plugin with the given name, or nil.
func (r *Registry) Get(name string) Plugin {
	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func (r *Registry) onCreateDeployment(ctx *Context, dep *models.Deployment) error {
	for _, p := range r.plugins {
		if h, ok := p.(OnCreateDeploymentHook); ok {
			if err := h.OnCreateDeployment(ctx, dep); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) onGlobalsChanged(ctx *Context, dep *models.Deployment) error {
	for _, p := range r.plugins {
		if h, ok := p.(OnGlobalsChangedHook); ok {
			if err := h.OnGlobalsChanged(ctx, dep); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) onResourceChanged(ctx *Context, dep *models.Deployment, name string, value interface{}) error {
	for _, p := range r.plugins {
		if h, ok := p.(OnResourceChangedHook); ok {
			if err := h.OnResourceChanged(ctx, dep, name, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) setup(ctx *Context, svc *models.Service, version *models.ServiceVersion) (bool, error) {
	for _, p := range r.plugins {
		if h, ok := p.(SetupHook); ok {
			claimed, err := h.Setup(ctx, svc, version)
			if err != nil {
				return false, err
			}
			if claimed {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *Registry) postSetup(ctx *Context, svc *models.Service, version *models.ServiceVersion) error {
	for _, p := range r.plugins {
		if h, ok := p.(PostSetupHook); ok {
			if err := h.PostSetup(ctx, svc, version); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) rewriteService(ctx *Context, svc *models.Service, version *models.ServiceVersion, def *models.Definition) error {
	for _, p := range r.plugins {
		if h, ok := p.(RewriteServiceHook); ok {
			if err := h.RewriteService(ctx, svc, version, def); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) provideVars(ctx *Context, svc *models.Service, version *models.ServiceVersion, def *models.Definition, vars map[string]string) error {
	for _, p := range r.plugins {
		if h, ok := p.(ProvideVarsHook); ok {
			if err := h.ProvideVars(ctx, svc, version, def, vars); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) provideEnvironment(ctx *Context, dep *models.Deployment, def *models.Definition, env map[string]string) error {
	for _, p := range r.plugins {
		if h, ok := p.(ProvideEnvironmentHook); ok {
			if err := h.ProvideEnvironment(ctx, dep, def, env); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) beforeStart(ctx *Context, svc *models.Service, def *models.Definition, runcfg *backend.Runcfg, ports map[string]PortAssignment) error {
	for _, p := range r.plugins {
		if h, ok := p.(BeforeStartHook); ok {
			if err := h.BeforeStart(ctx, svc, def, runcfg, ports); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) beforeOnce(ctx *Context, svc *models.Service, def *models.Definition, runcfg *backend.Runcfg) error {
	for _, p := range r.plugins {
		if h, ok := p.(BeforeOnceHook); ok {
			if err := h.BeforeOnce(ctx, svc, def, runcfg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) onDataProvided(ctx *Context, svc *models.Service, files map[string]string, info map[string]interface{}) error {
	for _, p := range r.plugins {
		if h, ok := p.(OnDataProvidedHook); ok {
			if err := h.OnDataProvided(ctx, svc, files, info); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) setupResource(ctx *Context, dep *models.Deployment, name string, options map[string]interface{}) (bool, error) {
	for _, p := range r.plugins {
		if h, ok := p.(SetupResourceHook); ok {
			claimed, err := h.SetupResource(ctx, dep, name, options)
			if err != nil {
				return false, err
			}
			if claimed {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *Registry) needsAppCode(ctx *Context, svc *models.Service, version *models.ServiceVersion) (bool, error) {
	for _, p := range r.plugins {
		if h, ok := p.(NeedsAppCodeHook); ok {
			claimed, err := h.NeedsAppCode(ctx, svc, version)
			if err != nil {
				return false, err
			}
			if claimed {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *Registry) onSystemInit(ctx *Context) error {
	for _, p := range r.plugins {
		if h, ok := p.(OnSystemInitHook); ok {
			if err := h.OnSystemInit(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
