package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"github.com/modelharbor/modelharbor/api/pkg/config"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

// Client wraps the daemon socket with the lifecycle operations both
// engine drivers share. Timeout budgets live here; no retries.
type Client struct {
	api *client.Client
	cfg config.Docker
}

func NewClient(cfg config.Docker) (*Client, error) {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = "/var/run/docker.sock"
	}

	api, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Debug().Str("socket", socketPath).Msg("docker client ready")
	return &Client{
		api: api,
		cfg: cfg,
	}, nil
}

func (c *Client) Close() error {
	return c.api.Close()
}

// wrapDaemonErr normalizes context timeouts and keeps the daemon's
// message on everything else.
func wrapDaemonErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTimeoutError(fmt.Sprintf("docker %s timed out", op), err)
	}
	return types.NewDriverError(fmt.Sprintf("docker %s failed", op), err)
}

func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CreateTimeout)
	defer cancel()

	err := c.api.ContainerStart(ctx, containerID, container.StartOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return types.NewGoneError("container %s no longer exists", containerID)
		}
		return wrapDaemonErr("start", err)
	}
	return nil
}

func (c *Client) StopContainer(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()

	err := c.api.ContainerStop(ctx, containerID, container.StopOptions{})
	if err != nil {
		// Stopping a vanished container is success.
		if client.IsErrNotFound(err) {
			return nil
		}
		return wrapDaemonErr("stop", err)
	}
	return nil
}

func (c *Client) RestartContainer(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout+c.cfg.CreateTimeout)
	defer cancel()

	err := c.api.ContainerRestart(ctx, containerID, container.StopOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return types.NewGoneError("container %s no longer exists", containerID)
		}
		return wrapDaemonErr("restart", err)
	}
	return nil
}

// RemoveContainer force-removes; an absent container is success.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()

	err := c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return wrapDaemonErr("remove", err)
	}
	return nil
}

// ContainerStatus is the daemon's live view of one container.
type ContainerStatus struct {
	Status     string    `json:"status"`
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

func (c *Client) InspectContainer(ctx context.Context, containerID string) (*ContainerStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.InspectTimeout)
	defer cancel()

	info, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, types.NewGoneError("container %s no longer exists", containerID)
		}
		return nil, wrapDaemonErr("inspect", err)
	}

	status := &ContainerStatus{
		Status:  info.State.Status,
		Running: info.State.Running,
	}
	if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
		status.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
		status.FinishedAt = t
	}
	return status, nil
}

// ContainerLogs returns up to tail lines of both streams, demuxed.
func (c *Client) ContainerLogs(ctx context.Context, containerID string, tail int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LogsTimeout)
	defer cancel()

	tailArg := "all"
	if tail > 0 {
		tailArg = strconv.Itoa(tail)
	}
	reader, err := c.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailArg,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, types.NewGoneError("container %s no longer exists", containerID)
		}
		return nil, wrapDaemonErr("logs", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return nil, wrapDaemonErr("logs", err)
	}
	return buf.Bytes(), nil
}

// OwnedContainer is a daemon container whose name carries one of our
// engine prefixes.
type OwnedContainer struct {
	ContainerID  string           `json:"container_id"`
	Name         string           `json:"name"`
	Kind         types.EngineKind `json:"kind"`
	InstanceID   string           `json:"instance_id"`
	InstanceName string           `json:"instance_name"`
	State        string           `json:"state"`
	Running      bool             `json:"running"`
	Created      time.Time        `json:"created"`
	Port         int              `json:"port"`
}

// ListOwnedContainers lists all containers (running or not) whose name
// parses as one of ours.
func (c *Client) ListOwnedContainers(ctx context.Context) ([]*OwnedContainer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.InspectTimeout)
	defer cancel()

	containers, err := c.api.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("name", vllmNamePrefix),
			filters.Arg("name", ollamaNamePrefix),
		),
	})
	if err != nil {
		return nil, wrapDaemonErr("list", err)
	}

	var owned []*OwnedContainer
	for _, summary := range containers {
		for _, rawName := range summary.Names {
			name := strings.TrimPrefix(rawName, "/")
			parsed, ok := ParseContainerName(name)
			if !ok {
				continue
			}

			oc := &OwnedContainer{
				ContainerID:  summary.ID,
				Name:         name,
				Kind:         parsed.Kind,
				InstanceID:   parsed.InstanceID,
				InstanceName: parsed.InstanceName,
				State:        summary.State,
				Running:      summary.State == "running",
				Created:      time.Unix(summary.Created, 0),
			}
			internal := internalPort(parsed.Kind)
			for _, p := range summary.Ports {
				if int(p.PrivatePort) == internal && p.PublicPort != 0 {
					oc.Port = int(p.PublicPort)
					break
				}
			}
			owned = append(owned, oc)
			break
		}
	}
	return owned, nil
}

// ContainerDetail augments an owned container with the fields orphan
// recovery needs: command line, environment and device bindings.
type ContainerDetail struct {
	OwnedContainer
	Cmd   []string `json:"command"`
	Env   []string `json:"env"`
	GPUID string   `json:"gpu_id"`
}

// DescribeContainer inspects one owned container in full.
func (c *Client) DescribeContainer(ctx context.Context, containerID string) (*ContainerDetail, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.InspectTimeout)
	defer cancel()

	info, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, types.NewGoneError("container %s no longer exists", containerID)
		}
		return nil, wrapDaemonErr("inspect", err)
	}

	name := strings.TrimPrefix(info.Name, "/")
	parsed, ok := ParseContainerName(name)
	if !ok {
		return nil, fmt.Errorf("container %s name %q does not match our format", containerID, name)
	}

	detail := &ContainerDetail{
		OwnedContainer: OwnedContainer{
			ContainerID:  info.ID,
			Name:         name,
			Kind:         parsed.Kind,
			InstanceID:   parsed.InstanceID,
			InstanceName: parsed.InstanceName,
			State:        info.State.Status,
			Running:      info.State.Running,
		},
		Cmd:   info.Config.Cmd,
		Env:   info.Config.Env,
		GPUID: gpuIDFromHostConfig(info.HostConfig, info.Config.Env),
	}
	if t, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		detail.Created = t
	}

	// Host port from the binding on the engine's internal port.
	if info.HostConfig != nil {
		for port, bindings := range info.HostConfig.PortBindings {
			if port.Int() != internalPort(parsed.Kind) {
				continue
			}
			for _, binding := range bindings {
				if hostPort, err := strconv.Atoi(binding.HostPort); err == nil {
					detail.Port = hostPort
					break
				}
			}
		}
	}
	return detail, nil
}

// gpuIDFromHostConfig recovers the device selection from the device
// request entries, falling back to NVIDIA_VISIBLE_DEVICES. "all" maps
// to the auto sentinel.
func gpuIDFromHostConfig(hostConfig *container.HostConfig, env []string) string {
	ids := func(raw string) string {
		if raw == "all" || raw == "" {
			return "auto"
		}
		return raw
	}

	if hostConfig != nil {
		for _, req := range hostConfig.DeviceRequests {
			if req.Count == -1 {
				return "auto"
			}
			if len(req.DeviceIDs) > 0 {
				return ids(req.DeviceIDs[0])
			}
		}
	}
	for _, kv := range env {
		if value, found := strings.CutPrefix(kv, "NVIDIA_VISIBLE_DEVICES="); found {
			return ids(value)
		}
	}
	return ""
}

