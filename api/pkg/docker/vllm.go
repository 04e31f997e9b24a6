package docker

import (
	"context"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"

	"github.com/modelharbor/modelharbor/api/pkg/types"
)

const (
	vllmInternalPort = "8000/tcp"

	DefaultGPUMemoryUtilization = 0.85
	DefaultMaxNumSeqs           = 256
)

// VLLMDriver runs one vLLM container per instance, serving a single
// model on the OpenAI-compatible port.
type VLLMDriver struct {
	client *Client
	image  string
}

var _ Driver = (*VLLMDriver)(nil)

func NewVLLMDriver(client *Client, image string) *VLLMDriver {
	return &VLLMDriver{
		client: client,
		image:  image,
	}
}

func (d *VLLMDriver) Kind() types.EngineKind {
	return types.EngineKindVLLM
}

// buildVLLMArgs derives the engine command line from the instance
// config. Defaults match what the engine would pick for a single-GPU
// serving setup.
func buildVLLMArgs(spec *Spec) []string {
	args := []string{
		"--model", spec.ModelRef,
		"--port", "8000",
		"--host", "0.0.0.0",
	}

	if spec.APIKey != "" {
		args = append(args, "--api-key", spec.APIKey)
	}

	gpuMemoryUtilization := spec.Config.GPUMemoryUtilization
	if gpuMemoryUtilization == 0 {
		gpuMemoryUtilization = DefaultGPUMemoryUtilization
	}
	args = append(args, "--gpu-memory-utilization", strconv.FormatFloat(gpuMemoryUtilization, 'f', -1, 64))

	maxNumSeqs := spec.Config.MaxNumSeqs
	if maxNumSeqs == 0 {
		maxNumSeqs = DefaultMaxNumSeqs
	}
	args = append(args, "--max-num-seqs", strconv.Itoa(maxNumSeqs))

	if spec.Config.MaxContextLength > 0 {
		args = append(args, "--max-model-len", strconv.Itoa(spec.Config.MaxContextLength))
	}
	if spec.Config.TrustRemoteCode {
		args = append(args, "--trust-remote-code")
	}
	if spec.Config.Quantization != "" {
		args = append(args, "--quantization", spec.Config.Quantization)
	}

	if size := tensorParallelSize(spec); size >= 2 {
		args = append(args, "--tensor-parallel-size", strconv.Itoa(size))
	}

	return args
}

// tensorParallelSize clamps the requested parallelism to the number of
// discovered devices. Auto GPU selection over multiple devices implies
// parallelism across all of them.
func tensorParallelSize(spec *Spec) int {
	requested := spec.Config.TensorParallelSize
	if requested < 2 && spec.GPUID == "auto" && spec.GPUCount >= 2 {
		requested = spec.GPUCount
	}
	// Never more shards than devices; zero devices means no flag.
	if requested > spec.GPUCount {
		requested = spec.GPUCount
	}
	return requested
}

func (d *VLLMDriver) CreateAndStart(ctx context.Context, spec *Spec) (*CreateResult, error) {
	containerName := FormatContainerName(types.EngineKindVLLM, spec.Name, spec.ID)

	env := []string{}
	if spec.HFToken != "" {
		env = append(env, "HUGGING_FACE_HUB_TOKEN="+spec.HFToken)
	}
	if visible := visibleDevicesEnv(spec.GPUID); visible != "" {
		env = append(env, visible)
	}

	containerConfig := &container.Config{
		Image: d.image,
		Cmd:   buildVLLMArgs(spec),
		Env:   env,
		ExposedPorts: nat.PortSet{
			vllmInternalPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			vllmInternalPort: []nat.PortBinding{{
				HostIP:   "0.0.0.0",
				HostPort: strconv.Itoa(spec.Port),
			}},
		},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
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
		Str("model", spec.ModelRef).
		Int("port", spec.Port).
		Msg("vLLM container created, starting")

	if err := d.client.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Never leave a created-but-unstartable container behind.
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

func (d *VLLMDriver) Start(ctx context.Context, containerID string) error {
	return d.client.StartContainer(ctx, containerID)
}

func (d *VLLMDriver) Stop(ctx context.Context, containerID string) error {
	return d.client.StopContainer(ctx, containerID)
}

func (d *VLLMDriver) Restart(ctx context.Context, containerID string) error {
	return d.client.RestartContainer(ctx, containerID)
}

func (d *VLLMDriver) Remove(ctx context.Context, containerID string) error {
	return d.client.RemoveContainer(ctx, containerID)
}

func (d *VLLMDriver) Inspect(ctx context.Context, containerID string) (*ContainerStatus, error) {
	return d.client.InspectContainer(ctx, containerID)
}

func (d *VLLMDriver) Logs(ctx context.Context, containerID string, tail int) ([]byte, error) {
	return d.client.ContainerLogs(ctx, containerID, tail)
}

// ModelRefFromCommand recovers the served model from a container
// command line: the first positional value after the --model flag, or
// a MODEL_NAME= environment variable as fallback.
func ModelRefFromCommand(cmd []string, env []string) string {
	for i, arg := range cmd {
		if arg == "--model" && i+1 < len(cmd) {
			return cmd[i+1]
		}
	}
	for _, kv := range env {
		if value, found := strings.CutPrefix(kv, "MODEL_NAME="); found {
			return value
		}
	}
	return ""
}
