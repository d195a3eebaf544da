// Package discovery adapts the host's service-discovery mechanism for the
// controller. Services find each other exclusively through discovery; the
// controller itself only needs two operations: resolve a name to an
// address, and register its own API endpoint.
package discovery

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Error wraps a failed interaction with the discovery system. Deploy
// operations treat it as recoverable.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("service discovery %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Adapter resolves service names and registers addresses.
type Adapter interface {
	// Discover returns the address of one instance of the named service.
	Discover(name string) (string, error)

	// Register announces the address under the given name. Registration
	// is kept alive in the background until the process exits.
	Register(name, address string) error
}

// SdutilAdapter shells out to the sdutil binary against the discoverd
// instance on this host. sdutil does not take a discoverd address on the
// command line, so it is passed via the DISCOVERD environment variable.
type SdutilAdapter struct {
	// HostIP is the address discoverd listens on (port 1111).
	HostIP string

	// ControllerIP overrides the address registrations announce,
	// mirroring the CONTROLLER_IP environment variable.
	ControllerIP string
}

// NewSdutilAdapter builds an adapter for the discoverd at hostIP:1111.
func NewSdutilAdapter(hostIP string) *SdutilAdapter {
	return &SdutilAdapter{
		HostIP:       hostIP,
		ControllerIP: os.Getenv("CONTROLLER_IP"),
	}
}

func (a *SdutilAdapter) discoverdEnv() []string {
	return append(os.Environ(), fmt.Sprintf("DISCOVERD=%s:1111", a.HostIP))
}

// Discover resolves the name to a single host:port address.
func (a *SdutilAdapter) Discover(name string) (string, error) {
	cmd := exec.Command("sdutil", "services", "-1", name)
	cmd.Env = a.discoverdEnv()
	out, err := cmd.Output()
	if err != nil {
		return "", &Error{Op: "discover", Err: err}
	}
	return strings.TrimSpace(string(out)), nil
}

// Register announces the address. The sdutil process keeps the
// registration heartbeat running; it is left running in the background and
// dies with the daemon.
func (a *SdutilAdapter) Register(name, address string) error {
	args := []string{"register"}
	if a.ControllerIP != "" {
		args = append(args, "-h", a.ControllerIP)
	}
	args = append(args, fmt.Sprintf("%s:%s", name, address))

	cmd := exec.Command("sdutil", args...)
	cmd.Env = a.discoverdEnv()
	if err := cmd.Start(); err != nil {
		return &Error{Op: "register", Err: err}
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			log.WithError(err).WithField("service", name).
				Warn("Discovery registration exited")
		}
	}()
	return nil
}
