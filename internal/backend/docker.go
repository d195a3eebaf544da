package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	log "github.com/sirupsen/logrus"
)

// DockerBackend drives the docker daemon directly. On top of plain
// create/start it writes an init unit per container (when a unit directory
// is configured) so instances come back up after a host reboot; docker's
// own restart policies have proven unreliable for that.
type DockerBackend struct {
	client  *dockerclient.Client
	unitDir string
}

// NewDockerBackend connects to the docker daemon at dockerHost (empty means
// the environment default). unitDir enables init-unit generation; pass ""
// to disable.
func NewDockerBackend(dockerHost, unitDir string) (*DockerBackend, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, dockerclient.WithHost(dockerHost))
	} else {
		opts = append(opts, dockerclient.FromEnv)
	}

	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerBackend{client: client, unitDir: unitDir}, nil
}

// Client exposes the raw docker client for plugins that need operations
// beyond the Backend interface (the app plugin's builder run).
func (b *DockerBackend) Client() *dockerclient.Client {
	return b.client
}

// Prepare pulls the image and creates the container without starting it.
// A leftover container with the same name is removed first.
func (b *DockerBackend) Prepare(ctx context.Context, runcfg *Runcfg, serviceName string) (string, error) {
	if err := b.removeExisting(ctx, runcfg.Name); err != nil {
		return "", err
	}

	if err := b.pullImage(ctx, runcfg.Image); err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", runcfg.Image, err)
	}

	containerConfig, hostConfig, err := b.toDockerConfig(runcfg)
	if err != nil {
		return "", err
	}

	log.WithFields(log.Fields{"container": runcfg.Name, "service": serviceName}).
		Debug("Creating container")
	resp, err := b.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, runcfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", runcfg.Name, err)
	}
	return resp.ID, nil
}

// Start creates the volume host paths, writes the init unit and brings the
// container up.
func (b *DockerBackend) Start(ctx context.Context, runcfg *Runcfg, handle string) (string, error) {
	for hostPath := range runcfg.Volumes {
		if err := os.MkdirAll(hostPath, 0o755); err != nil {
			return "", fmt.Errorf("failed to create volume dir %s: %w", hostPath, err)
		}
	}

	if err := b.writeUnit(runcfg.Name); err != nil {
		return "", err
	}

	log.WithField("container", runcfg.Name).Debug("Starting container")
	if err := b.client.ContainerStart(ctx, handle, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", runcfg.Name, err)
	}
	return handle, nil
}

// Terminate stops and removes the instance. An instance that is already
// gone is not an error.
func (b *DockerBackend) Terminate(ctx context.Context, handle string) error {
	timeout := 10
	if err := b.client.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			log.WithError(err).WithField("container", handle).Warn("Failed to stop container")
		}
	}
	if err := b.client.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", handle, err)
	}
	return nil
}

// Once runs a one-shot job to completion and returns its exit code. The
// container is removed afterwards.
func (b *DockerBackend) Once(ctx context.Context, runcfg *Runcfg) (int, error) {
	if err := b.pullImage(ctx, runcfg.Image); err != nil {
		return -1, fmt.Errorf("failed to pull image %s: %w", runcfg.Image, err)
	}

	containerConfig, hostConfig, err := b.toDockerConfig(runcfg)
	if err != nil {
		return -1, err
	}
	hostConfig.AutoRemove = false

	resp, err := b.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("failed to create job container: %w", err)
	}
	defer func() {
		_ = b.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("failed to start job container: %w", err)
	}

	waitCh, errCh := b.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case result := <-waitCh:
		return int(result.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("failed to wait for job container: %w", err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Status reports whether the instance is running.
func (b *DockerBackend) Status(ctx context.Context, handle string) (Status, error) {
	info, err := b.client.ContainerInspect(ctx, handle)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return StatusStopped, nil
		}
		return "", fmt.Errorf("failed to inspect container %s: %w", handle, err)
	}
	if info.State != nil && info.State.Running {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

func (b *DockerBackend) removeExisting(ctx context.Context, name string) error {
	_, err := b.client.ContainerInspect(ctx, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	log.WithField("container", name).Info("Removing existing container")
	if err := b.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove existing container %s: %w", name, err)
	}
	return nil
}

func (b *DockerBackend) pullImage(ctx context.Context, ref string) error {
	reader, err := b.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	// The pull stream must be drained for the pull to complete.
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (b *DockerBackend) toDockerConfig(runcfg *Runcfg) (*container.Config, *container.HostConfig, error) {
	env := make([]string, 0, len(runcfg.Env))
	for k, v := range runcfg.Env {
		env = append(env, k+"="+v)
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostBindings := range runcfg.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("bad container port %d: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		for _, hb := range hostBindings {
			bindings[port] = append(bindings[port], nat.PortBinding{
				HostIP:   hb.IP,
				HostPort: strconv.Itoa(hb.Port),
			})
		}
	}

	volumes := map[string]struct{}{}
	binds := make([]string, 0, len(runcfg.Volumes))
	for hostPath, containerPath := range runcfg.Volumes {
		volumes[containerPath] = struct{}{}
		binds = append(binds, hostPath+":"+containerPath)
	}

	containerConfig := &container.Config{
		Image:        runcfg.Image,
		Cmd:          runcfg.Cmd,
		Entrypoint:   runcfg.Entrypoint,
		Env:          env,
		ExposedPorts: exposed,
		Volumes:      volumes,
	}
	hostConfig := &container.HostConfig{
		Binds:        binds,
		PortBindings: bindings,
		Privileged:   runcfg.Privileged,
		Links:        runcfg.Links,
	}
	return containerConfig, hostConfig, nil
}
