// Package models defines the persistent object model of the controller:
// deployments, their services, immutable service versions, running
// instances, and the canonical service definition those are built from.
//
// The store serializes these types as JSON documents. References only ever
// point downward (Deployment -> Service -> Version/Instance); the upward
// pointers used for convenience are rebuilt after load and never
// serialized.
package models

import "fmt"

// SystemDeployment is the distinguished deployment holding infrastructure
// services. It is created on first start and never deleted.
const SystemDeployment = "system"

// InvalidStateError is returned for illegal lifecycle transitions, such as
// holding a service that already has versions.
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string {
	return "invalid state: " + e.Reason
}

// Deployment is a named group of services managed as a unit.
type Deployment struct {
	ID string `json:"id"`

	// Globals is the deployment-wide settings tree. The core reads the
	// Env key; everything else is plugin territory.
	Globals map[string]interface{} `json:"globals"`

	Services map[string]*Service `json:"services"`

	// Resources are named facts established by plugins, such as "database
	// foo has been provisioned". Held services gate on them.
	Resources map[string]interface{} `json:"resources"`

	// Data is per-plugin scratch storage, keyed by a plugin-chosen name.
	Data map[string]map[string]interface{} `json:"data"`
}

// NewDeployment creates an empty deployment with the given id.
func NewDeployment(id string) *Deployment {
	return &Deployment{
		ID:        id,
		Globals:   map[string]interface{}{},
		Services:  map[string]*Service{},
		Resources: map[string]interface{}{},
		Data:      map[string]map[string]interface{}{},
	}
}

// Rewire restores the upward pointers that are not serialized. Must be
// called after a deployment is loaded from the store.
func (d *Deployment) Rewire() {
	for name, svc := range d.Services {
		svc.Name = name
		svc.Deployment = d
		for _, v := range svc.Versions {
			v.Service = svc
		}
		if svc.HeldVersion != nil {
			svc.HeldVersion.Service = svc
		}
		for _, inst := range svc.Instances {
			if inst.VersionIndex >= 0 && inst.VersionIndex < len(svc.Versions) {
				inst.Version = svc.Versions[inst.VersionIndex]
			}
		}
	}
}

// HasService reports whether a service exists and, unless allowHold is set,
// is not currently held.
func (d *Deployment) HasService(name string, allowHold bool) bool {
	svc, ok := d.Services[name]
	if !ok {
		return false
	}
	if !allowHold && svc.Held {
		return false
	}
	return true
}

// SetService returns the service record with the given name, creating an
// empty one if needed.
func (d *Deployment) SetService(name string) *Service {
	if svc, ok := d.Services[name]; ok {
		return svc
	}
	svc := &Service{Name: name, Deployment: d}
	d.Services[name] = svc
	return svc
}

// SetResource declares the named resource as available, storing a value
// alongside it. Re-declaring overwrites the stored value.
func (d *Deployment) SetResource(name string, value interface{}) {
	d.Resources[name] = value
}

// GetResource returns the resource value, or nil if it does not exist.
func (d *Deployment) GetResource(name string) interface{} {
	return d.Resources[name]
}

// HasResource reports whether the named resource has been declared.
// Existence is what gates dependents; the stored value may be anything,
// including nil.
func (d *Deployment) HasResource(name string) bool {
	_, ok := d.Resources[name]
	return ok
}

// PluginData returns the scratch map for the given plugin key, creating it
// on first use.
func (d *Deployment) PluginData(key string) map[string]interface{} {
	if d.Data == nil {
		d.Data = map[string]map[string]interface{}{}
	}
	m, ok := d.Data[key]
	if !ok {
		m = map[string]interface{}{}
		d.Data[key] = m
	}
	return m
}

// EnvFor returns the deployment-wide environment entries for a service, as
// declared under the Env global.
func EnvFor(globals map[string]interface{}, serviceName string) map[string]string {
	out := map[string]string{}
	env, ok := globals["Env"].(map[string]interface{})
	if !ok {
		return out
	}
	svcEnv, ok := env[serviceName].(map[string]interface{})
	if !ok {
		return out
	}
	for k, v := range svcEnv {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// Service is one named container-role within a deployment.
//
// A service is in exactly one of two states: active, with an append-only
// list of versions, or held, with no versions and a pending HeldVersion
// waiting on an external event.
type Service struct {
	Name string `json:"-"`

	// Versions is append-only; the last entry is the live one.
	Versions []*ServiceVersion `json:"versions"`

	// Instances lists the running containers of the latest version.
	Instances []*ServiceInstance `json:"instances"`

	Held        bool            `json:"held"`
	HoldReason  string          `json:"hold_reason,omitempty"`
	HeldVersion *ServiceVersion `json:"held_version,omitempty"`

	Deployment *Deployment `json:"-"`
}

// FullName is the deployment-qualified service name.
func (s *Service) FullName() string {
	return fmt.Sprintf("%s-%s", s.Deployment.ID, s.Name)
}

// Latest returns the current live version, or nil if none exists yet.
func (s *Service) Latest() *ServiceVersion {
	if len(s.Versions) == 0 {
		return nil
	}
	return s.Versions[len(s.Versions)-1]
}

// Version returns the version relevant right now: the held one while the
// service is held, the latest otherwise.
func (s *Service) Version() *ServiceVersion {
	if s.Held {
		return s.HeldVersion
	}
	return s.Latest()
}

// Hold defers materialization of the given version until an external event
// (a dependency becoming ready, uploaded app code) releases it. Only a
// service without versions can be held.
func (s *Service) Hold(reason string, version *ServiceVersion) error {
	if len(s.Versions) > 0 {
		return &InvalidStateError{Reason: "cannot hold a service that has versions"}
	}
	s.Held = true
	s.HoldReason = reason
	s.HeldVersion = version
	return nil
}

func (s *Service) removeHold() {
	s.Held = false
	s.HoldReason = ""
	s.HeldVersion = nil
}

// Derive creates a new version from the given definition, freezing the
// deployment's current globals and inheriting the latest version's data
// map. Pass nil to re-derive from the latest definition.
//
// The version is not yet part of the service; call AppendVersion once it
// has been set up.
func (s *Service) Derive(definition *Definition) *ServiceVersion {
	if definition == nil {
		definition = s.Latest().Definition
	}
	data := map[string]interface{}{}
	if latest := s.Latest(); latest != nil {
		for k, v := range latest.Data {
			data[k] = deepCopyValue(v)
		}
	}
	return &ServiceVersion{
		Definition: definition,
		Globals:    deepCopyValue(s.Deployment.Globals).(map[string]interface{}),
		Data:       data,
		Service:    s,
	}
}

// AppendVersion makes the version the service's latest, clearing any hold.
func (s *Service) AppendVersion(version *ServiceVersion) *ServiceVersion {
	if s.Held {
		s.removeHold()
	}
	version.Service = s
	s.Versions = append(s.Versions, version)
	return version
}

// AppendInstance records a started container against the latest version.
func (s *Service) AppendInstance(id, backendID string) *ServiceInstance {
	latest := s.Latest()
	inst := &ServiceInstance{
		ID:           id,
		BackendID:    backendID,
		VersionIndex: len(s.Versions) - 1,
		Version:      latest,
	}
	s.Instances = append(s.Instances, inst)
	latest.InstanceCount++
	return inst
}

// RemoveInstance drops an instance from the service's list.
func (s *Service) RemoveInstance(inst *ServiceInstance) {
	for i, candidate := range s.Instances {
		if candidate == inst {
			s.Instances = append(s.Instances[:i], s.Instances[i+1:]...)
			return
		}
	}
}

// ServiceVersion is an immutable snapshot of a service's configuration.
// After AppendVersion only the InstanceCount and the Data map change.
type ServiceVersion struct {
	Definition *Definition `json:"definition"`

	// Globals is the deployment globals frozen at derivation time.
	Globals map[string]interface{} `json:"globals"`

	// Data carries per-version facts such as the app build id.
	Data map[string]interface{} `json:"data"`

	InstanceCount int `json:"instance_count"`

	Service *Service `json:"-"`
}

// ServiceInstance is a running (or previously running) container.
type ServiceInstance struct {
	// ID is assigned by the controller.
	ID string `json:"id"`

	// BackendID is the opaque token the backend needs to terminate the
	// instance.
	BackendID string `json:"backend_id"`

	VersionIndex int `json:"version_index"`

	Version *ServiceVersion `json:"-"`
}
