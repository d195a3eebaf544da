package plugins

import (
	"bufio"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/stevedore-sh/stevedore/internal/api"
	"github.com/stevedore-sh/stevedore/internal/controller"
	"github.com/stevedore-sh/stevedore/models"
)

// shelfDefinition runs flynn's blobstore as the slug store inside the
// system deployment. Installed on demand the first time an app service is
// set up.
var shelfDefinition = map[string]interface{}{
	"image":      "flynn/blobstore",
	"entrypoint": "/bin/flynn-blobstore",
	"cmd":        []interface{}{"-s", "/var/lib/shelf"},
	"volumes":    map[string]interface{}{"data": "/var/lib/shelf"},
}

// App runs 12-factor apps from source using the slugbuilder/slugrunner
// pair. A service with a `git` key is held until the client uploads the
// code; the upload is built into a slug, stored on the shelf service, and
// the service is rewritten to run the slug.
type App struct{}

func (*App) Name() string  { return "app" }
func (*App) Priority() int { return 50 }

// Routes mounts the shelf management endpoint under /app.
func (p *App) Routes(g *echo.Group, srv *api.Server) {
	g.POST("/setup-shelf", func(c echo.Context) error {
		return srv.Stream(c, func(ctx *controller.Context) error {
			return p.ensureShelf(ctx)
		})
	})
}

func (p *App) Setup(ctx *controller.Context, svc *models.Service, version *models.ServiceVersion) (bool, error) {
	if _, ok := version.Definition.Kwargs["git"]; !ok {
		return false, nil
	}

	if err := p.ensureShelf(ctx); err != nil {
		return false, err
	}

	// With a slug already attached the service deploys like any other
	// container, via the rewrite below.
	if version.Data["app_version_id"] != nil {
		return false, nil
	}

	handled, err := ctx.Cintf.NeedsAppCode(ctx, svc, version)
	if err != nil {
		return false, err
	}
	if !handled {
		// Tell the client it may upload the code.
		ctx.Custom(map[string]interface{}{"data-request": svc.Name, "tag": "git"})
	}

	if err := svc.Hold("app code not available", version); err != nil {
		return false, err
	}
	return true, nil
}

// ensureShelf installs the slug store into the system deployment the first
// time it is needed.
func (p *App) ensureShelf(ctx *controller.Context) error {
	system, err := ctx.Cintf.Deployment(models.SystemDeployment)
	if err != nil {
		return err
	}
	if system.HasService("shelf", false) {
		return nil
	}
	ctx.Log("installing shelf into the system deployment")
	_, err = ctx.Cintf.SetService(ctx, models.SystemDeployment, "shelf", shelfDefinition, true)
	return err
}

// OnDataProvided reacts to an uploaded app archive: attach the version id,
// build the slug, and run the new version.
func (p *App) OnDataProvided(ctx *controller.Context, svc *models.Service, files map[string]string, info map[string]interface{}) error {
	uploaded, ok := files["app"]
	if !ok {
		return nil
	}

	// A service record can exist with neither a hold nor a version, e.g.
	// after a failed first deploy; there is nothing to derive from then.
	var version *models.ServiceVersion
	switch {
	case svc.Held:
		version = svc.HeldVersion
	case svc.Latest() != nil:
		version = svc.Derive(nil)
	default:
		return controller.Deployf("service %s has no version to attach app code to", svc.Name)
	}

	appInfo, _ := info["app"].(map[string]interface{})
	if appInfo == nil || appInfo["version"] == nil {
		return controller.Deployf("app upload for %s is missing a version", svc.Name)
	}
	versionID := fmt.Sprint(appInfo["version"])
	version.Data["app_version_id"] = versionID

	ctx.Job("building slug for %s, version %s", svc.Name, versionID)
	if err := p.build(ctx, svc, version, uploaded); err != nil {
		return err
	}

	return ctx.Cintf.SetupVersion(ctx, svc, version)
}

// RewriteService converts the service to run via slugrunner.
func (p *App) RewriteService(ctx *controller.Context, svc *models.Service, version *models.ServiceVersion, def *models.Definition) error {
	if _, ok := version.Definition.Kwargs["git"]; !ok {
		return nil
	}

	env, err := p.buildEnv(ctx, svc, version)
	if err != nil {
		return err
	}
	for k, v := range env {
		def.Env[k] = v
	}

	def.Image = "flynn/slugrunner"
	if len(def.Cmd) == 0 {
		process := "web"
		if s, ok := version.Definition.KwargString("process"); ok {
			process = s
		}
		def.Cmd = []string{"start", process}
	}

	// slugrunner ships its own sdutil; point the sdutil plugin at it.
	sd := def.KwargMap("sdutil")
	if sd == nil {
		sd = map[string]interface{}{}
		def.Kwargs["sdutil"] = sd
	}
	if _, ok := sd["binary"]; !ok {
		sd["binary"] = "sdutil"
	}
	return nil
}

// build feeds the uploaded archive through the slugbuilder image. The
// docker CLI handles the stdin attachment; streaming an archive through
// the API attach endpoints is not worth the trouble.
func (p *App) build(ctx *controller.Context, svc *models.Service, version *models.ServiceVersion, filename string) error {
	slugURL, err := p.slugURL(ctx, svc, fmt.Sprint(version.Data["app_version_id"]))
	if err != nil {
		return err
	}
	cacheDir, err := ctx.Cintf.Cache("slugbuilder", svc.Deployment.ID, svc.Name)
	if err != nil {
		return err
	}
	env, err := p.buildEnv(ctx, svc, version)
	if err != nil {
		return err
	}

	builder := ctx.Cintf.Ctrl().Builder
	ctx.Log("pulling %s", builder)

	var envArgs []string
	for _, k := range sortedStringKeys(env) {
		envArgs = append(envArgs, fmt.Sprintf("-e %s=%q", k, env[k]))
	}
	script := fmt.Sprintf(
		"cat %s | docker run -u root -v %s:/tmp/cache:rw %s -i -a stdin -a stdout %s %s",
		filename, cacheDir, strings.Join(envArgs, " "), builder, slugURL)

	cmd := exec.Command("/bin/sh", "-c", script)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return controller.Deployf("failed to pipe builder output: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return controller.Deployf("failed to start builder: %v", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		// The builder emits shell escape codes that break indentation.
		if strings.HasPrefix(line, "\x1b") && len(line) > 4 {
			line = line[4:]
		}
		ctx.Log("%s", strings.TrimSpace(line))
	}

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return controller.Deployf("the build failed with code %d", exitErr.ExitCode())
		}
		return controller.Deployf("the build failed: %v", err)
	}
	return nil
}

// slugURL puts together the shelf location of a slug.
func (p *App) slugURL(ctx *controller.Context, svc *models.Service, slugID string) (string, error) {
	shelfAddr, err := ctx.Cintf.Ctrl().Discovery.Discover("shelf")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s/slugs/%s/%s:%s",
		shelfAddr, svc.Deployment.ID, svc.Name, slugID), nil
}

// buildEnv is the environment slugbuilder and slugrunner both expect.
func (p *App) buildEnv(ctx *controller.Context, svc *models.Service, version *models.ServiceVersion) (map[string]string, error) {
	slugURL, err := p.slugURL(ctx, svc, fmt.Sprint(version.Data["app_version_id"]))
	if err != nil {
		return nil, err
	}
	env := map[string]string{
		"APP_ID":   svc.Deployment.ID,
		"SLUG_URL": slugURL,
	}
	for k, v := range version.Definition.Env {
		env[k] = v
	}
	return env, nil
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
