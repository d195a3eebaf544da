package plugins

import (
	"fmt"

	"github.com/stevedore-sh/stevedore/internal/controller"
	"github.com/stevedore-sh/stevedore/models"
)

// Discoverd carries the discoverd/etcd convention: an instance of etcd and
// discoverd runs on every host, and containers are handed the local
// endpoints as DISCOVERD and ETCD. The ports are fixed at 1111 and 4001.
//
// The controller core currently injects the same defaults itself; this
// hook restores them if another plugin removed or overrode them with empty
// values.
type Discoverd struct{}

func (*Discoverd) Name() string  { return "discoverd" }
func (*Discoverd) Priority() int { return 20 }

func (*Discoverd) ProvideEnvironment(ctx *controller.Context, dep *models.Deployment, def *models.Definition, env map[string]string) error {
	hostIP := ctx.Cintf.Ctrl().HostIP
	if env["DISCOVERD"] == "" {
		env["DISCOVERD"] = hostIP + ":1111"
	}
	if env["ETCD"] == "" {
		env["ETCD"] = fmt.Sprintf("http://%s:4001", hostIP)
	}
	return nil
}
