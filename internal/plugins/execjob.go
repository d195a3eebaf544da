package plugins

import (
	"sort"

	"github.com/stevedore-sh/stevedore/internal/controller"
	"github.com/stevedore-sh/stevedore/models"
)

// Exec implements run-once resources:
//
//	Exec:
//	    InitAssets:
//	        service: forum
//	        cmd: push-assets
//
//	forum:
//	    require: InitAssets
//
// The controller runs a version of the `forum` service once with the given
// command; the resource becomes available when the job exits zero. A
// service may `require` the resource to be held back until then.
type Exec struct{}

func (*Exec) Name() string  { return "exec" }
func (*Exec) Priority() int { return 40 }

func (p *Exec) OnGlobalsChanged(ctx *controller.Context, dep *models.Deployment) error {
	return p.executeRuns(ctx, dep)
}

func (p *Exec) PostSetup(ctx *controller.Context, svc *models.Service, version *models.ServiceVersion) error {
	return p.executeRuns(ctx, svc.Deployment)
}

// executeRuns runs every outstanding Exec resource whose target service is
// available. Entries are processed in name order for deterministic runs.
func (p *Exec) executeRuns(ctx *controller.Context, dep *models.Deployment) error {
	keys, _ := dep.Globals["Exec"].(map[string]interface{})
	if len(keys) == 0 {
		return nil
	}

	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if dep.HasResource(name) {
			continue
		}
		options, _ := keys[name].(map[string]interface{})
		if options == nil {
			continue
		}

		serviceName, _ := options["service"].(string)
		if serviceName != "" && !dep.HasService(serviceName, true) {
			// Target service not installed yet; a later post_setup
			// will pick this entry up again.
			continue
		}

		claimed, err := ctx.Cintf.SetupResource(ctx, dep, name, options)
		if err != nil {
			return err
		}
		if claimed {
			continue
		}

		cmd, _ := options["cmd"].(string)
		svc := dep.Services[serviceName]
		version := svc.Version()
		if version == nil {
			continue
		}

		ctx.Job("executing %q of service %s", cmd, serviceName)
		code, err := ctx.Cintf.RunOnce(ctx, svc, version, []string{cmd})
		if err != nil {
			return err
		}
		if code != 0 {
			return controller.Deployf("run job returned exit code %d", code)
		}
		if err := ctx.Cintf.SetResource(ctx, dep.ID, name, true); err != nil {
			return err
		}
	}
	return nil
}
