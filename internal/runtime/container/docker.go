package container

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/common/config"
	"github.com/gafferdev/gaffer/internal/common/logger"
)

// DockerRuntime implements Runtime on the Docker SDK.
type DockerRuntime struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewDockerRuntime creates a Docker-backed Runtime.
func NewDockerRuntime(cfg config.DockerConfig, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker")),
		config: cfg,
	}, nil
}

// Close closes the underlying Docker client.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// Create creates and starts a container that idles until Destroy. Commands
// run against it through Exec.
func (d *DockerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	d.logger.Info("creating container",
		zap.String("name", spec.Name),
		zap.String("image", spec.Image))

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &containertypes.Config{
		Image:      spec.Image,
		Cmd:        []string{"sleep", "infinity"},
		Env:        spec.Env,
		WorkingDir: spec.Workdir,
		Labels:     spec.Labels,
	}

	network := spec.Network
	if network == "" {
		network = d.config.Network
	}
	hostCfg := &containertypes.HostConfig{
		Mounts:      mounts,
		NetworkMode: containertypes.NetworkMode(network),
		Resources: containertypes.Resources{
			Memory:   spec.Limits.MemoryMB * 1024 * 1024,
			CPUQuota: int64(spec.Limits.CPUs * 100000),
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		d.logger.Error("failed to create container",
			zap.String("name", spec.Name),
			zap.Error(err))
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		d.logger.Error("failed to start container",
			zap.String("container_id", resp.ID),
			zap.Error(err))
		if rmErr := d.cli.ContainerRemove(ctx, resp.ID, containertypes.RemoveOptions{Force: true}); rmErr != nil {
			d.logger.Warn("failed to remove container after start failure", zap.Error(rmErr))
		}
		return "", fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	d.logger.Info("container started",
		zap.String("container_id", resp.ID),
		zap.String("name", spec.Name))
	return resp.ID, nil
}

// Exec runs cmd inside the container and waits for it to finish. The
// deadline travels on ctx.
func (d *DockerRuntime) Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error) {
	d.logger.Debug("executing command in container",
		zap.String("container_id", id),
		zap.Strings("cmd", cmd))

	execResp, err := d.cli.ContainerExecCreate(ctx, id, containertypes.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in container %s: %w", id, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, containertypes.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec %s: %w", execResp.ID, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if err := demultiplexStream(attach.Reader, &stdout, &stderr); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec %s: %w", execResp.ID, err)
	}

	result := &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	d.logger.Debug("command finished",
		zap.String("container_id", id),
		zap.Int("exit_code", result.ExitCode))
	return result, nil
}

// Destroy stops and removes a container.
func (d *DockerRuntime) Destroy(ctx context.Context, id string) error {
	d.logger.Info("destroying container", zap.String("container_id", id))

	err := d.cli.ContainerRemove(ctx, id, containertypes.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
		}
		d.logger.Error("failed to remove container",
			zap.String("container_id", id),
			zap.Error(err))
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// ListByLabel lists containers carrying every given label.
func (d *DockerRuntime) ListByLabel(ctx context.Context, labels map[string]string) ([]Info, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := d.cli.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, Info{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Labels: ctr.Labels,
		})
	}
	return infos, nil
}

// Ping checks that the Docker daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// demultiplexStream splits Docker's multiplexed stream into stdout and
// stderr. Each frame carries an 8-byte header: byte 0 is the stream type
// (1=stdout, 2=stderr), bytes 4-7 the big-endian frame size.
func demultiplexStream(reader io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return err
		}

		switch streamType {
		case 1:
			stdout.Write(data)
		case 2:
			stderr.Write(data)
		}
	}
}
