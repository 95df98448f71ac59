package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/kandev/workspace/internal/common/config"
	"github.com/kandev/workspace/internal/common/logger"
)

// Container labels applied to every provisioned sandbox.
const (
	labelManaged      = "workspaced.managed"
	labelWorkspaceRef = "workspaced.workspace_ref"
)

// DockerClient wraps the Docker SDK as the control plane for remote sandboxes.
type DockerClient struct {
	cli    *client.Client
	logger *logger.Logger
	config config.SandboxConfig
}

// NewDockerClient creates a new Docker control-plane client.
func NewDockerClient(cfg config.SandboxConfig, log *logger.Logger) (*DockerClient, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created", zap.String("host", cfg.DockerHost))

	return &DockerClient{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker-client")),
		config: cfg,
	}, nil
}

// Close closes the Docker client.
func (c *DockerClient) Close() error {
	return c.cli.Close()
}

// Ping checks if the Docker daemon is available.
func (c *DockerClient) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// CreateSandboxContainer creates and starts the execution unit for a session.
// The agent port is exposed and additionally published on a random host port
// so the address can fall back to the host mapping when no container network
// route exists.
func (c *DockerClient) CreateSandboxContainer(ctx context.Context, workspaceRef string) (string, error) {
	agentPort := nat.Port(fmt.Sprintf("%d/tcp", c.config.AgentPort))

	containerCfg := &container.Config{
		Image:      c.config.Image,
		WorkingDir: c.config.RemoteWorkdir,
		ExposedPorts: nat.PortSet{
			agentPort: struct{}{},
		},
		Labels: map[string]string{
			labelManaged:      "true",
			labelWorkspaceRef: workspaceRef,
		},
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(c.config.Network),
		PortBindings: nat.PortMap{
			agentPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
		Resources: container.Resources{
			Memory:   c.config.MemoryMB * 1024 * 1024,
			CPUQuota: int64(c.config.CPUCores * 100000),
		},
	}

	name := fmt.Sprintf("workspaced-%s", shortRef(workspaceRef))
	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox container: %w", err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.RemoveContainer(ctx, resp.ID, true)
		return "", fmt.Errorf("failed to start sandbox container: %w", err)
	}

	c.logger.Info("sandbox container started",
		zap.String("container_id", resp.ID),
		zap.String("workspace_ref", workspaceRef))

	return resp.ID, nil
}

// ResolveAddress inspects the container and resolves the agent address using
// three fallback strategies: the configured network's IP, the default bridge
// IP, and finally the published host port.
func (c *DockerClient) ResolveAddress(ctx context.Context, containerID string) (string, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return "", fmt.Errorf("container %s is not running", containerID)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", containerID)
	}

	// Strategy 1: IP on the configured network.
	if net, ok := inspect.NetworkSettings.Networks[c.config.Network]; ok && net.IPAddress != "" {
		return fmt.Sprintf("%s:%d", net.IPAddress, c.config.AgentPort), nil
	}

	// Strategy 2: default bridge IP.
	if inspect.NetworkSettings.IPAddress != "" {
		return fmt.Sprintf("%s:%d", inspect.NetworkSettings.IPAddress, c.config.AgentPort), nil
	}

	// Strategy 3: published host port.
	for port, bindings := range inspect.NetworkSettings.Ports {
		if port.Int() != c.config.AgentPort {
			continue
		}
		for _, binding := range bindings {
			if binding.HostPort == "" {
				continue
			}
			if _, err := strconv.Atoi(binding.HostPort); err == nil {
				host := binding.HostIP
				if host == "" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				return fmt.Sprintf("%s:%s", host, binding.HostPort), nil
			}
		}
	}

	return "", fmt.Errorf("no address assigned to container %s", containerID)
}

// StopContainer stops a container with a timeout.
func (c *DockerClient) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container.
func (c *DockerClient) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// ListSandboxContainers lists all containers managed by workspaced.
func (c *DockerClient) ListSandboxContainers(ctx context.Context) (map[string]string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelManaged+"=true")

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	// containerID -> workspaceRef
	result := make(map[string]string, len(containers))
	for _, ctr := range containers {
		result[ctr.ID] = ctr.Labels[labelWorkspaceRef]
	}
	return result, nil
}

func shortRef(ref string) string {
	if len(ref) > 8 {
		return ref[:8]
	}
	return ref
}
