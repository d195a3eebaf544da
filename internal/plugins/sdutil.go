package plugins

import (
	"fmt"
	"sort"

	"github.com/stevedore-sh/stevedore/internal/backend"
	"github.com/stevedore-sh/stevedore/internal/controller"
	"github.com/stevedore-sh/stevedore/models"
)

// Sdutil wraps containers with sdutil for service discovery registration
// and consumption:
//
//	foo:
//	    ports: [a, b, c]
//	    sdutil:
//	        # Register all mapped ports with discoverd
//	        register: true
//	        expose:
//	            service: ENV_VAR
//
// Requires the sdutil binary to exist in the container (default path
// /sdutil, override with the `binary` key).
//
// NOTE: This does not read the entrypoint from the image; re-declare the
// entrypoint in the service definition or the wrapping will not work.
type Sdutil struct{}

func (*Sdutil) Name() string  { return "sdutil" }
func (*Sdutil) Priority() int { return 60 }

func (p *Sdutil) BeforeStart(ctx *controller.Context, svc *models.Service, def *models.Definition, runcfg *backend.Runcfg, ports map[string]controller.PortAssignment) error {
	return p.wrap(svc, def, runcfg, ports)
}

func (p *Sdutil) BeforeOnce(ctx *controller.Context, svc *models.Service, def *models.Definition, runcfg *backend.Runcfg) error {
	// One-shot jobs consume services but never register ports.
	return p.wrap(svc, def, runcfg, nil)
}

func (p *Sdutil) wrap(svc *models.Service, def *models.Definition, runcfg *backend.Runcfg, ports map[string]controller.PortAssignment) error {
	cfg := def.KwargMap("sdutil")
	if cfg == nil {
		return nil
	}

	binary := "/sdutil"
	if b, ok := cfg["binary"].(string); ok && b != "" {
		binary = b
	}
	deployID := svc.Deployment.ID

	current := append(append([]string(nil), runcfg.Entrypoint...), runcfg.Cmd...)
	wrapped := current

	// Consumption goes innermost so the service is not registered while
	// still waiting for its dependencies.
	if expose, ok := cfg["expose"].(map[string]interface{}); ok && len(expose) > 0 {
		args := []string{binary, "expose"}
		for _, serviceName := range sortedKeys(expose) {
			varName := fmt.Sprint(expose[serviceName])
			args = append(args, "-d",
				fmt.Sprintf("%s:%s:%s", varName, deployID, serviceName))
		}
		wrapped = append(args, wrapped...)
	}

	if register, _ := cfg["register"].(bool); register && len(ports) > 0 {
		args := []string{binary, "exec"}
		for _, portName := range sortedPortNames(ports) {
			registerAs := fmt.Sprintf("%s:%s", deployID, svc.Name)
			if portName != models.DefaultPort {
				registerAs += ":" + portName
			}
			args = append(args, "-s",
				fmt.Sprintf("%s:%d", registerAs, ports[portName].Host.Port))
		}
		wrapped = append(args, wrapped...)
	}

	if len(wrapped) != len(current) {
		runcfg.Entrypoint = []string{wrapped[0]}
		runcfg.Cmd = wrapped[1:]
	}
	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPortNames(m map[string]controller.PortAssignment) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
