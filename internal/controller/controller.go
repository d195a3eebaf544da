// Package controller implements the deployment engine: it owns the
// persistent object graph, drives the plugin pipeline, and materializes
// service versions into backend containers.
package controller

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/stevedore-sh/stevedore/internal/backend"
	"github.com/stevedore-sh/stevedore/internal/discovery"
	"github.com/stevedore-sh/stevedore/internal/store"
	"github.com/stevedore-sh/stevedore/models"
)

// Host ports are assigned from this range.
const (
	portRangeLow  = 10000
	portRangeHigh = 65000
)

// Controller is the long-lived engine behind the API. Request handling
// happens through per-operation Interface values; the controller itself
// only carries the shared pieces.
type Controller struct {
	Store     *store.Store
	Backend   backend.Backend
	Registry  *Registry
	Discovery discovery.Adapter

	// HostIP is the address of this host on the network the containers
	// share, used for discovery and the HOST template variable.
	HostIP string

	// DataDir is the root under which service volumes are created.
	DataDir string

	// Builder is the image used to turn uploaded app code into runnable
	// slugs.
	Builder string

	ports *portAllocator
}

// Options collects the controller's dependencies and settings.
type Options struct {
	Store     *store.Store
	Backend   backend.Backend
	Plugins   []Plugin
	Discovery discovery.Adapter
	HostIP    string
	DataDir   string
	Builder   string
}

// New assembles a controller. An empty HostIP is resolved from the host's
// interfaces.
func New(opts Options) (*Controller, error) {
	hostIP := opts.HostIP
	if hostIP == "" {
		resolved, err := resolveHostIP()
		if err != nil {
			return nil, fmt.Errorf("failed to determine host ip: %w", err)
		}
		hostIP = resolved
		log.WithField("host_ip", hostIP).Info("Resolved host IP from interfaces")
	}

	return &Controller{
		Store:     opts.Store,
		Backend:   opts.Backend,
		Registry:  NewRegistry(opts.Plugins),
		Discovery: opts.Discovery,
		HostIP:    hostIP,
		DataDir:   opts.DataDir,
		Builder:   opts.Builder,
		ports:     newPortAllocator(),
	}, nil
}

// Interface opens a fresh store connection and wraps it in a
// per-operation facade. The caller owns the connection: Commit, Abort or
// Close must be called exactly once.
func (c *Controller) Interface() (*Interface, error) {
	conn, err := c.Store.Conn()
	if err != nil {
		return nil, err
	}
	return &Interface{ctrl: c, conn: conn}, nil
}

// AuthKey returns the persisted API key.
func (c *Controller) AuthKey() (string, error) {
	conn, err := c.Store.Conn()
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.Root().AuthKey, nil
}

// Bootstrap prepares a database for serving: it generates the API auth
// key and creates the system deployment on first start. Safe to call on
// every start.
func (c *Controller) Bootstrap() error {
	cintf, err := c.Interface()
	if err != nil {
		return err
	}
	ctx := NewDiscardContext()
	ctx.Cintf = cintf

	root := cintf.conn.Root()
	fresh := false

	if root.AuthKey == "" {
		key, err := generateAuthKey()
		if err != nil {
			cintf.Abort()
			return err
		}
		root.AuthKey = key
		log.WithField("auth_key", key).Info("Generated API auth key")
	}

	if _, ok := root.Deployments[models.SystemDeployment]; !ok {
		fresh = true
		if _, err := cintf.CreateDeployment(ctx, models.SystemDeployment, false); err != nil {
			cintf.Abort()
			return fmt.Errorf("failed to create system deployment: %w", err)
		}
	}

	if fresh {
		if err := c.Registry.onSystemInit(ctx); err != nil {
			cintf.Abort()
			return fmt.Errorf("system init hook failed: %w", err)
		}
	}

	return cintf.Commit()
}

func generateAuthKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate auth key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// resolveHostIP picks the address containers can reach this host on:
// the docker bridge if present, otherwise the first non-loopback IPv4.
func resolveHostIP() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	var fallback string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			if iface.Name == "docker0" {
				return ip4.String(), nil
			}
			if fallback == "" {
				fallback = ip4.String()
			}
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("no non-loopback IPv4 interface found")
	}
	return fallback, nil
}

// portAllocator hands out random host ports. Allocations are remembered
// for the process lifetime so concurrent deploys within one daemon never
// collide; across restarts the range is large enough that reuse is
// acceptable.
type portAllocator struct {
	mu   sync.Mutex
	used map[int]bool
}

func newPortAllocator() *portAllocator {
	return &portAllocator{used: map[int]bool{}}
}

// Allocate returns a port from the assignable range that this process has
// not handed out before.
func (a *portAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := big.NewInt(portRangeHigh - portRangeLow)
	for attempts := 0; attempts < 10000; attempts++ {
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			return 0, fmt.Errorf("failed to pick port: %w", err)
		}
		port := portRangeLow + int(n.Int64())
		if a.used[port] {
			continue
		}
		a.used[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("port range exhausted")
}

// Reserve marks a specific port as taken, for ports pinned by the
// definition rather than assigned.
func (a *portAllocator) Reserve(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used[port] = true
}
