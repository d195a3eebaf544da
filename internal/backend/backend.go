// Package backend abstracts the container runtime consumed by the
// controller. The controller resolves a service version into a flat Runcfg
// — the final, fully substituted container configuration — and drives a
// Backend through prepare/start/terminate. One-shot jobs run to completion
// via Once.
package backend

import (
	"context"

	"github.com/stevedore-sh/stevedore/models"
)

// Status of an instance as reported by the backend.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Runcfg is the synthesized container configuration handed to the backend.
// All template variables have been substituted; nothing in here refers back
// to the deployment model.
type Runcfg struct {
	Image      string
	Name       string
	Cmd        []string
	Entrypoint []string
	Env        map[string]string

	// Volumes maps host paths to container paths.
	Volumes map[string]string

	// Ports maps a container port to the host bindings publishing it.
	Ports map[int][]models.HostBinding

	Privileged bool

	// Links names other containers to link, if the backend supports it.
	Links []string
}

// Backend is the adapter that actually creates and starts containers.
//
// The contract with the controller: Prepare creates but does not start, so
// a failure surfaces before the previous instance is destroyed; Start
// leaves the instance running until Terminate; Terminate tolerates an
// instance that is already gone.
type Backend interface {
	// Prepare creates the container, priming its name and mounts, and
	// returns the handle needed to manage it. If a container by the
	// configured name already exists it is removed first.
	Prepare(ctx context.Context, runcfg *Runcfg, serviceName string) (string, error)

	// Start brings the prepared instance up and returns the (possibly
	// updated) handle.
	Start(ctx context.Context, runcfg *Runcfg, handle string) (string, error)

	// Terminate tears the instance down. A missing instance is a no-op.
	Terminate(ctx context.Context, handle string) error

	// Once runs a one-shot job to completion and returns its exit code.
	Once(ctx context.Context, runcfg *Runcfg) (int, error)

	// Status reports whether the instance is running.
	Status(ctx context.Context, handle string) (Status, error)
}
