package docker

import (
	"context"

	"github.com/docker/docker/api/types/container"

	"github.com/modelharbor/modelharbor/api/pkg/types"
)

// Spec is a validated instance specification handed to a driver. The
// driver turns it into a container; everything here is already
// resolved (port allocated, GPU selected, API key derived).
type Spec struct {
	ID       string
	Name     string
	Port     int
	ModelRef string
	APIKey   string
	GPUID    string // "" for CPU, "auto" for all devices, or a device id
	GPUCount int    // size of the discovered topology, clamps tensor parallel
	HFToken  string
	Config   types.InstanceConfig
}

// CreateResult reports what CreateAndStart actually did.
type CreateResult struct {
	ContainerID string
	GPUID       string
	// Attached is true when the driver bound the instance to an
	// already-running container instead of creating one (Ollama).
	Attached bool
}

// Driver translates instance specs into container lifecycles for one
// engine family. On a CreateAndStart error the caller owns the port
// rollback; the driver owns removing any half-created container.
type Driver interface {
	Kind() types.EngineKind
	CreateAndStart(ctx context.Context, spec *Spec) (*CreateResult, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Restart(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (*ContainerStatus, error)
	Logs(ctx context.Context, containerID string, tail int) ([]byte, error)
}

// nvidiaDeviceRequests builds the device bindings for a resolved gpu
// id. The device block always wins over anything else in the host
// config.
func nvidiaDeviceRequests(gpuID string) []container.DeviceRequest {
	switch gpuID {
	case "":
		return nil
	case "auto":
		return []container.DeviceRequest{{
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	default:
		return []container.DeviceRequest{{
			DeviceIDs:    []string{gpuID},
			Capabilities: [][]string{{"gpu"}},
		}}
	}
}

func visibleDevicesEnv(gpuID string) string {
	switch gpuID {
	case "":
		return ""
	case "auto":
		return "NVIDIA_VISIBLE_DEVICES=all"
	default:
		return "NVIDIA_VISIBLE_DEVICES=" + gpuID
	}
}
