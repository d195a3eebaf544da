package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stevedore-sh/stevedore/internal/api"
	"github.com/stevedore-sh/stevedore/internal/backend"
	"github.com/stevedore-sh/stevedore/internal/controller"
	"github.com/stevedore-sh/stevedore/internal/discovery"
	"github.com/stevedore-sh/stevedore/internal/plugins"
	"github.com/stevedore-sh/stevedore/internal/store"
)

// discoveryName is the name this daemon registers itself under so that
// containers can address the API.
const discoveryName = "stevedore"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the deployment daemon",
	Long:  `Open the state database, connect to the container backend and serve the deployment API.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	st, err := store.Open(cfg.State)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer st.Close()

	dockerBackend, err := backend.NewDockerBackend(cfg.Docker.Host, cfg.Docker.UnitDir)
	if err != nil {
		return fmt.Errorf("failed to connect to docker: %w", err)
	}

	ctrl, err := controller.New(controller.Options{
		Store:   st,
		Backend: dockerBackend,
		Plugins: plugins.Default(),
		HostIP:  cfg.HostIP,
		DataDir: cfg.Data,
		Builder: cfg.Builder,
	})
	if err != nil {
		return err
	}
	ctrl.Discovery = discovery.NewSdutilAdapter(ctrl.HostIP)

	if err := ctrl.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	if err := ctrl.Discovery.Register(discoveryName, strconv.Itoa(cfg.Server.Port)); err != nil {
		// The daemon is usable without discovery; containers just cannot
		// resolve it by name.
		log.WithError(err).Warn("Could not register with service discovery")
	}

	server := api.New(cfg, ctrl)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil

	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}
