package docker

import (
	"context"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"

	"github.com/modelharbor/modelharbor/api/pkg/types"
)

const (
	ollamaInternalPort = "11434/tcp"

	// Named volume for downloaded models so container restarts do not
	// re-pull.
	ollamaModelsVolume = "modelharbor-ollama-models"
	ollamaModelsTarget = "/root/.ollama"
)

// OllamaDriver hosts many models in one container. At most one Ollama
// container exists per host: a new instance attaches to the existing
// container when one is present instead of creating another.
type OllamaDriver struct {
	client *Client
	image  string
}

var _ Driver = (*OllamaDriver)(nil)

func NewOllamaDriver(client *Client, image string) *OllamaDriver {
	return &OllamaDriver{
		client: client,
		image:  image,
	}
}

func (d *OllamaDriver) Kind() types.EngineKind {
	return types.EngineKindOllama
}

// findExisting returns the current Ollama container on this host, if
// any, detected by name prefix.
func (d *OllamaDriver) findExisting(ctx context.Context) (*OwnedContainer, error) {
	owned, err := d.client.ListOwnedContainers(ctx)
	if err != nil {
		return nil, err
	}
	for _, oc := range owned {
		if oc.Kind == types.EngineKindOllama {
			return oc, nil
		}
	}
	return nil, nil
}

func (d *OllamaDriver) CreateAndStart(ctx context.Context, spec *Spec) (*CreateResult, error) {
	existing, err := d.findExisting(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Info().
			Str("instance_id", spec.ID).
			Str("container_id", existing.ContainerID[:12]).
			Str("container_name", existing.Name).
			Msg("attaching instance to existing Ollama container")
		if !existing.Running {
			if err := d.client.StartContainer(ctx, existing.ContainerID); err != nil {
				return nil, err
			}
		}
		return &CreateResult{
			ContainerID: existing.ContainerID,
			GPUID:       spec.GPUID,
			Attached:    true,
		}, nil
	}

	containerName := FormatContainerName(types.EngineKindOllama, spec.Name, spec.ID)

	env := []string{"OLLAMA_HOST=0.0.0.0"}
	if visible := visibleDevicesEnv(spec.GPUID); visible != "" {
		env = append(env, visible)
	}

	containerConfig := &container.Config{
		Image: d.image,
		Env:   env,
		ExposedPorts: nat.PortSet{
			ollamaInternalPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			ollamaInternalPort: []nat.PortBinding{{
				HostIP:   "0.0.0.0",
				HostPort: strconv.Itoa(spec.Port),
			}},
		},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: ollamaModelsVolume,
			Target: ollamaModelsTarget,
		}},
	}
	if requests := nvidiaDeviceRequests(spec.GPUID); requests != nil {
		hostConfig.Runtime = "nvidia"
		hostConfig.DeviceRequests = requests
	}

	ctx, cancel := context.WithTimeout(ctx, d.client.cfg.CreateTimeout)
	defer cancel()

	resp, err := d.client.api.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, wrapDaemonErr("create", err)
	}

	log.Info().
		Str("instance_id", spec.ID).
		Str("container_id", resp.ID[:12]).
		Str("container_name", containerName).
		Int("port", spec.Port).
		Msg("Ollama container created, starting")

	if err := d.client.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := d.client.RemoveContainer(context.WithoutCancel(ctx), resp.ID); removeErr != nil {
			log.Warn().Err(removeErr).Str("container_id", resp.ID[:12]).Msg("failed to remove container after start failure")
		}
		return nil, wrapDaemonErr("start", err)
	}

	return &CreateResult{
		ContainerID: resp.ID,
		GPUID:       spec.GPUID,
	}, nil
}

func (d *OllamaDriver) Start(ctx context.Context, containerID string) error {
	return d.client.StartContainer(ctx, containerID)
}

func (d *OllamaDriver) Stop(ctx context.Context, containerID string) error {
	return d.client.StopContainer(ctx, containerID)
}

func (d *OllamaDriver) Restart(ctx context.Context, containerID string) error {
	return d.client.RestartContainer(ctx, containerID)
}

func (d *OllamaDriver) Remove(ctx context.Context, containerID string) error {
	return d.client.RemoveContainer(ctx, containerID)
}

func (d *OllamaDriver) Inspect(ctx context.Context, containerID string) (*ContainerStatus, error) {
	return d.client.InspectContainer(ctx, containerID)
}

func (d *OllamaDriver) Logs(ctx context.Context, containerID string, tail int) ([]byte, error) {
	return d.client.ContainerLogs(ctx, containerID, tail)
}
