package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelharbor/modelharbor/api/pkg/types"
)

// Querier abstracts the vendor GPU tool so selection policy can be
// tested without hardware.
type Querier interface {
	Query(ctx context.Context) ([]types.GPUDevice, error)
}

// NvidiaSMIQuerier shells out to nvidia-smi. Absence of the binary
// means CPU-only mode, not an error worth surfacing to callers.
type NvidiaSMIQuerier struct {
	Timeout time.Duration
}

func NewNvidiaSMIQuerier(timeout time.Duration) *NvidiaSMIQuerier {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &NvidiaSMIQuerier{Timeout: timeout}
}

func (q *NvidiaSMIQuerier) Query(ctx context.Context) ([]types.GPUDevice, error) {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		log.Debug().Msg("nvidia-smi not found, no GPUs")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, q.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.free,utilization.gpu",
		"--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.NewTimeoutError("nvidia-smi query timed out", err)
		}
		return nil, fmt.Errorf("nvidia-smi query failed: %w", err)
	}

	return parseNvidiaSMI(string(output))
}

// parseNvidiaSMI parses csv,noheader,nounits rows, e.g.
// "0, NVIDIA A100-SXM4-80GB, 81920, 80123, 3". Memory comes back in
// MiB and is kept as bytes internally.
func parseNvidiaSMI(output string) ([]types.GPUDevice, error) {
	var devices []types.GPUDevice
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 5 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}

		id, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("bad GPU index in %q: %w", line, err)
		}
		total, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad total memory in %q: %w", line, err)
		}
		free, err := strconv.ParseUint(strings.TrimSpace(fields[3]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad free memory in %q: %w", line, err)
		}
		utilization, err := strconv.Atoi(strings.TrimSpace(fields[4]))
		if err != nil {
			utilization = 0
		}

		devices = append(devices, types.GPUDevice{
			ID:          id,
			Name:        strings.TrimSpace(fields[1]),
			TotalMemory: total * 1024 * 1024,
			FreeMemory:  free * 1024 * 1024,
			Utilization: utilization,
		})
	}
	return devices, nil
}
