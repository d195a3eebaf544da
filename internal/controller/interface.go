package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/stevedore-sh/stevedore/internal/store"
	"github.com/stevedore-sh/stevedore/models"
)

// Interface is the per-operation facade over one store connection. It is
// not safe for concurrent use; every API request gets its own.
//
// The caller finishes the operation with exactly one of Commit, Abort or
// Close.
type Interface struct {
	ctrl *Controller
	conn *store.Conn

	// inFlight tracks services whose setup is currently on the call
	// stack, to turn requirement cycles into errors instead of infinite
	// recursion.
	inFlight map[string]bool
}

// Ctrl exposes the process-wide controller, mainly for plugins.
func (i *Interface) Ctrl() *Controller {
	return i.ctrl
}

// Deployments returns the deployment map of this connection's snapshot.
func (i *Interface) Deployments() map[string]*models.Deployment {
	return i.conn.Root().Deployments
}

// Deployment resolves a deployment id.
func (i *Interface) Deployment(id string) (*models.Deployment, error) {
	dep, ok := i.conn.Root().Deployments[id]
	if !ok {
		return nil, &NoSuchDeploymentError{ID: id}
	}
	return dep, nil
}

// Commit persists the operation's changes.
func (i *Interface) Commit() error {
	return i.conn.Commit()
}

// Abort discards the operation's changes.
func (i *Interface) Abort() {
	i.conn.Abort()
}

// Close releases the connection without committing.
func (i *Interface) Close() {
	i.conn.Close()
}

// CreateDeployment creates a deployment. With fail set, an existing id is
// an AlreadyExistsError; otherwise the existing deployment is returned
// untouched.
func (i *Interface) CreateDeployment(ctx *Context, id string, fail bool) (*models.Deployment, error) {
	if dep, ok := i.conn.Root().Deployments[id]; ok {
		if fail {
			return nil, &AlreadyExistsError{ID: id}
		}
		return dep, nil
	}

	dep := models.NewDeployment(id)
	i.conn.Root().Deployments[id] = dep
	log.WithField("deployment", id).Info("Created deployment")

	if err := i.ctrl.Registry.onCreateDeployment(ctx, dep); err != nil {
		return nil, err
	}
	return dep, nil
}

// SetGlobals replaces the deployment's globals if they differ
// structurally, firing on_globals_changed. The returned flag tells the
// caller whether existing services need a forced rebuild against the new
// globals.
func (i *Interface) SetGlobals(ctx *Context, deploymentID string, globals map[string]interface{}) (bool, error) {
	dep, err := i.Deployment(deploymentID)
	if err != nil {
		return false, err
	}
	if globals == nil {
		globals = map[string]interface{}{}
	}
	if models.EqualTrees(dep.Globals, globals) {
		return false, nil
	}

	dep.Globals = globals
	if err := i.ctrl.Registry.onGlobalsChanged(ctx, dep); err != nil {
		return true, err
	}
	return true, nil
}

// SetService is the main entry for service placement: canonicalize the
// raw definition, skip if nothing changed, otherwise derive a version and
// run it through the setup pipeline.
func (i *Interface) SetService(ctx *Context, deploymentID, name string, raw map[string]interface{}, force bool) (*models.Service, error) {
	dep, err := i.Deployment(deploymentID)
	if err != nil {
		return nil, err
	}

	name, def, err := models.Canonicalize(name, raw)
	if err != nil {
		return nil, err
	}

	ctx.Job("%s", name)

	if svc, ok := dep.Services[name]; ok && !force {
		if latest := svc.Latest(); latest != nil && latest.Definition.Equal(def) {
			ctx.Log("service has not changed, skipping")
			return svc, nil
		}
	}

	svc := dep.SetService(name)
	version := svc.Derive(def)
	if err := i.SetupVersion(ctx, svc, version); err != nil {
		return nil, err
	}
	return svc, nil
}

// SetupVersion runs the setup plugin chain for a not-yet-appended version.
// A plugin may claim the version (typically holding the service); only
// unclaimed versions get a container. post_setup always runs.
//
// Plugins re-enter SetupVersion to release held services; a requirement
// cycle would recurse forever, so re-entry for a service already being set
// up fails instead.
func (i *Interface) SetupVersion(ctx *Context, svc *models.Service, version *models.ServiceVersion) error {
	key := svc.FullName()
	if i.inFlight == nil {
		i.inFlight = map[string]bool{}
	}
	if i.inFlight[key] {
		return Deployf("dependency cycle while setting up %s", key)
	}
	i.inFlight[key] = true
	defer delete(i.inFlight, key)

	claimed, err := i.ctrl.Registry.setup(ctx, svc, version)
	if err != nil {
		return err
	}
	if claimed {
		if svc.Held {
			ctx.Log("%s was held: %s", svc.Name, svc.HoldReason)
		}
	} else {
		if err := i.CreateContainer(ctx, svc, version); err != nil {
			return err
		}
	}

	return i.ctrl.Registry.postSetup(ctx, svc, version)
}

// CreateContainer materializes a version: synthesize the runcfg, prepare
// the new container, terminate the old instances, start, and record the
// version and instance.
//
// Prepare runs first so a bad config fails before the previous instance is
// destroyed; the old instances go down before Start to free their ports.
func (i *Interface) CreateContainer(ctx *Context, svc *models.Service, version *models.ServiceVersion) error {
	runcfg, _, _, err := i.GenerateRuncfg(ctx, svc, version)
	if err != nil {
		return err
	}

	bctx := context.Background()
	handle, err := i.ctrl.Backend.Prepare(bctx, runcfg, svc.Name)
	if err != nil {
		return &DeployError{Message: "failed to prepare container for " + svc.FullName(), Err: err}
	}

	for _, inst := range append([]*models.ServiceInstance(nil), svc.Instances...) {
		ctx.Log("terminating instance %s", inst.ID)
		if err := i.ctrl.Backend.Terminate(bctx, inst.BackendID); err != nil {
			return &DeployError{Message: "failed to terminate instance " + inst.ID, Err: err}
		}
		svc.RemoveInstance(inst)
	}

	handle, err = i.ctrl.Backend.Start(bctx, runcfg, handle)
	if err != nil {
		return &DeployError{Message: "failed to start container for " + svc.FullName(), Err: err}
	}

	svc.AppendVersion(version)
	inst := svc.AppendInstance(uuid.NewString(), handle)
	ctx.Log("started instance %s (%s)", inst.ID, runcfg.Name)
	return nil
}

// RunOnce executes a one-shot job derived from the version, with the
// command replaced, and returns its exit code. Used for setup commands
// that run inside the service's image and environment.
func (i *Interface) RunOnce(ctx *Context, svc *models.Service, version *models.ServiceVersion, cmd []string) (int, error) {
	runcfg, def, _, err := i.synthesizeRuncfg(ctx, svc, version)
	if err != nil {
		return 0, err
	}
	if len(cmd) > 0 {
		runcfg.Cmd = substituteList(cmd, i.baseVars(svc.Deployment))
	}
	runcfg.Name = ""

	if err := i.ctrl.Registry.beforeOnce(ctx, svc, def, runcfg); err != nil {
		return 0, err
	}

	code, err := i.ctrl.Backend.Once(context.Background(), runcfg)
	if err != nil {
		return 0, &DeployError{Message: "one-shot job failed for " + svc.FullName(), Err: err}
	}
	return code, nil
}

// ProvideData routes an artifact upload to the plugins via
// on_data_provided. Held services are valid targets; that is the whole
// point of most uploads.
func (i *Interface) ProvideData(ctx *Context, deploymentID, serviceName string, files map[string]string, info map[string]interface{}) error {
	dep, err := i.Deployment(deploymentID)
	if err != nil {
		return err
	}
	if !dep.HasService(serviceName, true) {
		return &NoSuchServiceError{Deployment: deploymentID, Service: serviceName}
	}
	return i.ctrl.Registry.onDataProvided(ctx, dep.Services[serviceName], files, info)
}

// SetResource stores a named fact on the deployment and fires
// on_resource_changed. Every call fires the hook, changed value or not.
func (i *Interface) SetResource(ctx *Context, deploymentID, name string, value interface{}) error {
	dep, err := i.Deployment(deploymentID)
	if err != nil {
		return err
	}
	dep.SetResource(name, value)
	return i.ctrl.Registry.onResourceChanged(ctx, dep, name, value)
}

// SetupResource offers an exec/resource directive to the plugins; a claim
// defers the directive to the claiming plugin.
func (i *Interface) SetupResource(ctx *Context, dep *models.Deployment, name string, options map[string]interface{}) (bool, error) {
	return i.ctrl.Registry.setupResource(ctx, dep, name, options)
}

// NeedsAppCode asks the plugins whether one of them will arrange for the
// missing app code (e.g. by accepting a git push).
func (i *Interface) NeedsAppCode(ctx *Context, svc *models.Service, version *models.ServiceVersion) (bool, error) {
	return i.ctrl.Registry.needsAppCode(ctx, svc, version)
}

// Cache returns a cache directory below the data root, created on first
// use. The same names always yield the same path.
func (i *Interface) Cache(names ...string) (string, error) {
	dir := filepath.Join(append([]string{i.ctrl.DataDir, "_cache"}, names...)...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache dir: %w", err)
	}
	return dir, nil
}

// IsRecoverable reports whether an error is a DeployError, which leaves
// the deployment in a retryable in-between state rather than indicating a
// bug.
func IsRecoverable(err error) bool {
	var de *DeployError
	return errors.As(err, &de)
}
