package plugins

import (
	"strings"

	"github.com/stevedore-sh/stevedore/internal/controller"
	"github.com/stevedore-sh/stevedore/models"
)

// Requires implements the `require` service key: a service is held until
// every named requirement (another service, or a resource) exists and is
// not itself held.
//
// This is not a replacement for service discovery. It only orders the
// initial setup of a service and its dependencies, for things like running
// a "create database" job first; once services exist, restarts happen in
// arbitrary order.
//
// The plugin runs last so that other plugins can finish their post_setup
// work before holds on dependent services are released.
type Requires struct{}

func (*Requires) Name() string  { return "requires" }
func (*Requires) Priority() int { return 90 }

func (*Requires) Setup(ctx *controller.Context, svc *models.Service, version *models.ServiceVersion) (bool, error) {
	requirements := version.Definition.KwargStrings("require")
	if len(requirements) == 0 {
		return false, nil
	}

	dep := svc.Deployment
	var missing []string
	for _, req := range requirements {
		if dep.HasResource(req) {
			continue
		}
		if other, ok := dep.Services[req]; ok && !other.Held {
			continue
		}
		missing = append(missing, req)
	}
	if len(missing) == 0 {
		return false, nil
	}

	reason := "waiting for requirement(s): " + strings.Join(missing, ", ")
	if err := svc.Hold(reason, version); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Requires) PostSetup(ctx *controller.Context, svc *models.Service, version *models.ServiceVersion) error {
	if svc.Held {
		return nil
	}
	return p.triggerDependency(ctx, svc.Deployment, svc.Name)
}

func (p *Requires) OnResourceChanged(ctx *controller.Context, dep *models.Deployment, name string, value interface{}) error {
	return p.triggerDependency(ctx, dep, name)
}

// triggerDependency re-runs setup for every held service that was waiting
// for the named dependency. Complex chains resolve recursively; the
// controller's in-flight tracking turns cycles into errors.
func (p *Requires) triggerDependency(ctx *controller.Context, dep *models.Deployment, name string) error {
	for _, svc := range dep.Services {
		if !svc.Held || svc.HeldVersion == nil {
			continue
		}
		requirements := svc.HeldVersion.Definition.KwargStrings("require")
		if !contains(requirements, name) {
			continue
		}
		ctx.Log("dependency for held service %s now available", svc.Name)
		if err := ctx.Cintf.SetupVersion(ctx, svc, svc.HeldVersion); err != nil {
			return err
		}
	}
	return nil
}

func contains(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}
