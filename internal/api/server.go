// Package api is the HTTP edge of the controller daemon. It translates
// requests 1:1 into controller operations and streams their progress
// events back as newline-delimited JSON.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/stevedore-sh/stevedore/internal/config"
	"github.com/stevedore-sh/stevedore/internal/controller"
	"github.com/stevedore-sh/stevedore/internal/validation"
)

// RoutesHook lets a plugin mount its own endpoints; they appear under
// /<plugin-name>/.
type RoutesHook interface {
	Routes(g *echo.Group, srv *Server)
}

// Server is the Echo front of one controller.
type Server struct {
	echo  *echo.Echo
	ctrl  *controller.Controller
	cfg   *config.Config
	valid *validation.Validator

	// public lists method+path pairs that skip authorization.
	public map[string]bool
}

// New assembles the edge server with its middleware and routes.
func New(cfg *config.Config, ctrl *controller.Controller) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug

	s := &Server{
		echo:   e,
		ctrl:   ctrl,
		cfg:    cfg,
		valid:  validation.New(),
		public: map[string]bool{},
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.Server.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.Server.RateLimit),
		)))
	}
	e.Use(s.requireAuth)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/list", s.handleList)
	s.echo.PUT("/create", s.handleCreate)
	s.echo.POST("/setup", s.handleSetup)
	s.echo.POST("/upload", s.handleUpload)

	for _, p := range s.ctrl.Registry.Plugins() {
		if h, ok := p.(RoutesHook); ok {
			h.Routes(s.echo.Group("/"+p.Name()), s)
		}
	}
}

// Public marks a route as exempt from authorization.
func (s *Server) Public(method, path string) {
	s.public[method+" "+path] = true
}

// requireAuth compares the Authorization header against the key stored in
// the database root. An empty stored key (pre-bootstrap databases) leaves
// the API open.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.public[c.Request().Method+" "+c.Path()] {
			return next(c)
		}

		key, err := s.ctrl.AuthKey()
		if err != nil {
			return c.JSON(http.StatusInternalServerError,
				map[string]string{"error": err.Error()})
		}
		if key == "" || c.Request().Header.Get(echo.HeaderAuthorization) == key {
			return next(c)
		}
		return c.JSON(http.StatusUnauthorized,
			map[string]string{"error": "authorization failed."})
	}
}

// Start runs the server until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := s.cfg.Server.Bind()
	log.WithField("address", addr).Info("API server listening")

	if err := s.echo.Start(addr); err != nil && !strings.Contains(err.Error(), "Server closed") {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
