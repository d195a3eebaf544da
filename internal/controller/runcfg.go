package controller

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/stevedore-sh/stevedore/internal/backend"
	"github.com/stevedore-sh/stevedore/models"
)

// GenerateRuncfg resolves a service version into the final container
// configuration, running the synthesis hook chain (rewrite_service,
// provide_vars, provide_environment, before_start) along the way.
//
// The working definition is a deep copy; hook mutations never touch the
// stored version.
func (i *Interface) GenerateRuncfg(ctx *Context, svc *models.Service, version *models.ServiceVersion) (*backend.Runcfg, *models.Definition, map[string]PortAssignment, error) {
	runcfg, def, ports, err := i.synthesizeRuncfg(ctx, svc, version)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := i.ctrl.Registry.beforeStart(ctx, svc, def, runcfg, ports); err != nil {
		return nil, nil, nil, err
	}
	return runcfg, def, ports, nil
}

func (i *Interface) baseVars(dep *models.Deployment) map[string]string {
	return map[string]string{
		"HOST":      i.ctrl.HostIP,
		"DEPLOY_ID": dep.ID,
	}
}

func (i *Interface) synthesizeRuncfg(ctx *Context, svc *models.Service, version *models.ServiceVersion) (*backend.Runcfg, *models.Definition, map[string]PortAssignment, error) {
	dep := svc.Deployment
	reg := i.ctrl.Registry

	def := version.Definition.Copy()
	if err := reg.rewriteService(ctx, svc, version, def); err != nil {
		return nil, nil, nil, err
	}

	vars := i.baseVars(dep)
	if err := reg.provideVars(ctx, svc, version, def, vars); err != nil {
		return nil, nil, nil, err
	}

	runcfg := &backend.Runcfg{
		Image:      def.Image,
		Cmd:        append([]string(nil), def.Cmd...),
		Entrypoint: append([]string(nil), def.Entrypoint...),
		Env:        map[string]string{},
		Volumes:    map[string]string{},
		Ports:      map[int][]models.HostBinding{},
		Privileged: def.Privileged,
	}

	// Volume host paths are keyed by (deployment, service, name), so
	// distinct services can never collide on the filesystem.
	for name, containerPath := range def.Volumes {
		host := filepath.Join(i.ctrl.DataDir, dep.ID, svc.Name, name)
		runcfg.Volumes[host] = containerPath
	}

	ports, portEnv, err := i.assignPorts(dep, svc, def, vars)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, assignment := range ports {
		runcfg.Ports[assignment.Container] = append(
			runcfg.Ports[assignment.Container], assignment.Host)
	}
	for _, entry := range def.WanMap {
		assignment, ok := ports[entry.PortName]
		if !ok {
			return nil, nil, nil, Deployf("wan_map references unknown port %q of %s",
				entry.PortName, svc.FullName())
		}
		// Explicitly published host ports must never be handed out by the
		// random allocator.
		i.ctrl.ports.Reserve(entry.Binding.Port)
		runcfg.Ports[assignment.Container] = append(
			runcfg.Ports[assignment.Container], entry.Binding)
	}

	// Environment layering, least to most specific: deployment globals,
	// controller-provided addresses, port-derived vars, the service's own
	// env, then whatever plugins add.
	env := models.EnvFor(version.Globals, svc.Name)
	env["DEPLOY_ID"] = dep.ID
	env["DISCOVERD"] = i.ctrl.HostIP + ":1111"
	env["ETCD"] = fmt.Sprintf("http://%s:4001", i.ctrl.HostIP)
	for k, v := range portEnv {
		env[k] = v
	}
	for k, v := range def.Env {
		env[k] = v
	}
	if err := reg.provideEnvironment(ctx, dep, def, env); err != nil {
		return nil, nil, nil, err
	}
	for k, v := range env {
		runcfg.Env[substitute(k, vars)] = substitute(v, vars)
	}

	runcfg.Cmd = substituteList(runcfg.Cmd, vars)
	runcfg.Entrypoint = substituteList(runcfg.Entrypoint, vars)

	versionNumber := len(svc.Versions) + 1
	instanceNumber := 1
	if latest := svc.Latest(); latest != nil {
		instanceNumber = latest.InstanceCount
	}
	runcfg.Name = fmt.Sprintf("%s-%s-%d-%d", dep.ID, svc.Name, versionNumber, instanceNumber)

	return runcfg, def, ports, nil
}

// assignPorts maps every named port of the definition to a host binding
// and derives the PORT/SD variables, which double as template vars and
// environment entries. Port names are processed in sorted order so var
// collisions resolve deterministically.
func (i *Interface) assignPorts(dep *models.Deployment, svc *models.Service, def *models.Definition, vars map[string]string) (map[string]PortAssignment, map[string]string, error) {
	assignments := map[string]PortAssignment{}
	env := map[string]string{}

	names := make([]string, 0, len(def.Ports))
	for name := range def.Ports {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		hostPort, err := i.ctrl.ports.Allocate()
		if err != nil {
			return nil, nil, &DeployError{Message: "failed to assign port for " + svc.FullName(), Err: err}
		}

		containerPort := hostPort
		switch v := def.Ports[name].(type) {
		case int:
			containerPort = v
		case string:
			if v != models.PortAssign {
				parsed, err := strconv.Atoi(v)
				if err != nil {
					return nil, nil, Deployf("port %q of %s is not a number: %q",
						name, svc.FullName(), v)
				}
				containerPort = parsed
			}
		case float64:
			containerPort = int(v)
		default:
			return nil, nil, Deployf("port %q of %s has unsupported value %v",
				name, svc.FullName(), v)
		}

		host := models.HostBinding{IP: i.ctrl.HostIP, Port: hostPort}
		assignments[name] = PortAssignment{Host: host, Container: containerPort}

		suffix := ""
		if name != models.DefaultPort {
			suffix = "_" + strings.ToUpper(name)
		}
		sdName := fmt.Sprintf("%s:%s", dep.ID, svc.Name)
		if name != models.DefaultPort {
			sdName += ":" + name
		}
		portVars := map[string]string{
			"PORT" + suffix:         strconv.Itoa(containerPort),
			"SD" + suffix:           host.String(),
			"SD" + suffix + "_PORT": strconv.Itoa(hostPort),
			"SD" + suffix + "_HOST": host.IP,
			"SD" + suffix + "_NAME": sdName,
		}
		for k, v := range portVars {
			vars[k] = v
			env[k] = v
		}
	}

	return assignments, env, nil
}

// substitute replaces {NAME} occurrences with their variable values.
// Unknown names stay literal; they may be meant for the container itself.
func substitute(s string, vars map[string]string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

func substituteList(items []string, vars map[string]string) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = substitute(item, vars)
	}
	return out
}
