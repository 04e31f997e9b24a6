package gpu

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/modelharbor/modelharbor/api/pkg/store"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

// CPUSentinel is the gpu id recorded for instances that run without a
// device. "auto" on an instance means "all devices" (imported
// containers with NVIDIA_VISIBLE_DEVICES=all land here too).
const (
	CPUSentinel  = ""
	AutoSentinel = "auto"
)

// Inventory discovers local GPUs once and caches the topology until an
// explicit refresh. Free memory hints come from the vendor tool; usage
// counts are derived from the store on demand.
type Inventory struct {
	mu         sync.RWMutex
	devices    []types.GPUDevice
	discovered bool

	querier Querier
	store   store.Store
}

func NewInventory(querier Querier, s store.Store) *Inventory {
	return &Inventory{
		querier: querier,
		store:   s,
	}
}

// Devices returns the cached topology, discovering it on first use. An
// empty slice means CPU-only mode.
func (inv *Inventory) Devices(ctx context.Context) ([]types.GPUDevice, error) {
	inv.mu.RLock()
	if inv.discovered {
		devices := inv.devices
		inv.mu.RUnlock()
		return devices, nil
	}
	inv.mu.RUnlock()
	return inv.Refresh(ctx)
}

// Refresh re-runs discovery and replaces the cache. A failed vendor
// query degrades to CPU-only mode rather than failing the caller.
func (inv *Inventory) Refresh(ctx context.Context) ([]types.GPUDevice, error) {
	devices, err := inv.querier.Query(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("GPU discovery failed, entering CPU-only mode")
		devices = nil
	}

	inv.mu.Lock()
	inv.devices = devices
	inv.discovered = true
	inv.mu.Unlock()

	log.Info().Int("gpu_count", len(devices)).Msg("GPU inventory refreshed")
	return devices, nil
}

// Select resolves a user preference to a concrete device id, the auto
// sentinel, or the CPU sentinel. It fails before any side effect when a
// specific device does not exist.
func (inv *Inventory) Select(ctx context.Context, preference string) (string, error) {
	devices, err := inv.Devices(ctx)
	if err != nil {
		return CPUSentinel, err
	}

	if preference == types.GPUSelectionCPU || len(devices) == 0 {
		return CPUSentinel, nil
	}

	switch preference {
	case types.GPUSelectionFirst:
		return strconv.Itoa(devices[0].ID), nil
	case "", types.GPUSelectionAuto, types.GPUSelectionLeastUsed:
		return inv.pickLeastUsed(ctx, devices)
	default:
		// A bare device id means "that specific GPU".
		id, err := strconv.Atoi(preference)
		if err != nil {
			return CPUSentinel, types.NewValidationError("unknown GPU selection %q", preference)
		}
		for _, d := range devices {
			if d.ID == id {
				return strconv.Itoa(id), nil
			}
		}
		return CPUSentinel, types.NewValidationError("GPU %d not present", id)
	}
}

// pickLeastUsed sorts ascending by running instance count, then
// descending by free memory, then ascending by id.
func (inv *Inventory) pickLeastUsed(ctx context.Context, devices []types.GPUDevice) (string, error) {
	counts, err := inv.runningCounts(ctx)
	if err != nil {
		return CPUSentinel, err
	}

	sorted := make([]types.GPUDevice, len(devices))
	copy(sorted, devices)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci, cj := counts[strconv.Itoa(sorted[i].ID)], counts[strconv.Itoa(sorted[j].ID)]
		if ci != cj {
			return ci < cj
		}
		if sorted[i].FreeMemory != sorted[j].FreeMemory {
			return sorted[i].FreeMemory > sorted[j].FreeMemory
		}
		return sorted[i].ID < sorted[j].ID
	})
	return strconv.Itoa(sorted[0].ID), nil
}

func (inv *Inventory) runningCounts(ctx context.Context) (map[string]int, error) {
	instances, err := inv.store.ListInstances(ctx, store.ListInstancesQuery{
		Status: types.InstanceStatusRunning,
	})
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, instance := range instances {
		if instance.GPUID == CPUSentinel {
			continue
		}
		counts[instance.GPUID]++
	}
	return counts, nil
}

// Stats returns the derived per-device usage view.
func (inv *Inventory) Stats(ctx context.Context) ([]types.GPUStats, error) {
	devices, err := inv.Devices(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := inv.runningCounts(ctx)
	if err != nil {
		return nil, err
	}

	stats := make([]types.GPUStats, 0, len(devices))
	for _, device := range devices {
		running := counts[strconv.Itoa(device.ID)]
		// Instances pinned to all devices count against each of them.
		running += counts[AutoSentinel]
		stats = append(stats, types.GPUStats{
			Device:           device,
			RunningInstances: running,
		})
	}
	return stats, nil
}
