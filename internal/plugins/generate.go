package plugins

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/stevedore-sh/stevedore/internal/controller"
	"github.com/stevedore-sh/stevedore/models"
)

// Generate produces random text strings, like passwords:
//
//	Generate:
//	    DatabasePassword:
//	        hex: 15
//
// Generated values are stored with the deployment and made available as
// template variables:
//
//	Env:
//	    POSTGRES_PASSWORD: "{DatabasePassword}"
//
// A key is generated once and then kept, so repeated deploys see the same
// value.
type Generate struct{}

func (*Generate) Name() string  { return "generate" }
func (*Generate) Priority() int { return 10 }

func (*Generate) OnGlobalsChanged(ctx *controller.Context, dep *models.Deployment) error {
	keys, _ := dep.Globals["Generate"].(map[string]interface{})
	if len(keys) == 0 {
		return nil
	}

	store := dep.PluginData("generate")
	for key, rawOptions := range keys {
		if _, ok := store[key]; ok {
			continue
		}

		size := 32
		if options, ok := rawOptions.(map[string]interface{}); ok {
			switch v := options["hex"].(type) {
			case int:
				size = v
			case int64:
				size = int(v)
			case float64:
				size = int(v)
			}
		}

		buf := make([]byte, size)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("failed to generate %q: %w", key, err)
		}
		store[key] = hex.EncodeToString(buf)
	}
	return nil
}

func (*Generate) ProvideVars(ctx *controller.Context, svc *models.Service, version *models.ServiceVersion, def *models.Definition, vars map[string]string) error {
	for key, value := range svc.Deployment.PluginData("generate") {
		vars[key] = fmt.Sprint(value)
	}
	return nil
}
