package gpu

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelharbor/modelharbor/api/pkg/config"
	"github.com/modelharbor/modelharbor/api/pkg/store"
	"github.com/modelharbor/modelharbor/api/pkg/system"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

type fakeQuerier struct {
	devices []types.GPUDevice
	err     error
	calls   int
}

func (f *fakeQuerier) Query(_ context.Context) ([]types.GPUDevice, error) {
	f.calls++
	return f.devices, f.err
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := store.NewSQLiteStore(config.Store{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func twoDevices() []types.GPUDevice {
	return []types.GPUDevice{
		{ID: 0, Name: "GPU-0", TotalMemory: 16 << 30, FreeMemory: 8 << 30},
		{ID: 1, Name: "GPU-1", TotalMemory: 16 << 30, FreeMemory: 12 << 30},
	}
}

func addRunningInstance(t *testing.T, db store.Store, gpuID string) {
	t.Helper()
	_, err := db.CreateInstance(context.Background(), &types.Instance{
		ID:     system.GenerateInstanceID(),
		Kind:   types.EngineKindVLLM,
		Name:   fmt.Sprintf("inst-%s", gpuID),
		Port:   0,
		Status: types.InstanceStatusRunning,
		GPUID:  gpuID,
	})
	require.NoError(t, err)
}

func TestDevicesCachesDiscovery(t *testing.T) {
	querier := &fakeQuerier{devices: twoDevices()}
	inv := NewInventory(querier, newTestStore(t))
	ctx := context.Background()

	devices, err := inv.Devices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	_, err = inv.Devices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, querier.calls)

	_, err = inv.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, querier.calls)
}

func TestQueryFailureDegradesToCPUOnly(t *testing.T) {
	querier := &fakeQuerier{err: fmt.Errorf("no driver")}
	inv := NewInventory(querier, newTestStore(t))

	devices, err := inv.Devices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)

	id, err := inv.Select(context.Background(), types.GPUSelectionAuto)
	require.NoError(t, err)
	assert.Equal(t, CPUSentinel, id)
}

func TestSelectCPU(t *testing.T) {
	inv := NewInventory(&fakeQuerier{devices: twoDevices()}, newTestStore(t))

	id, err := inv.Select(context.Background(), types.GPUSelectionCPU)
	require.NoError(t, err)
	assert.Equal(t, CPUSentinel, id)
}

func TestSelectFirst(t *testing.T) {
	inv := NewInventory(&fakeQuerier{devices: twoDevices()}, newTestStore(t))

	id, err := inv.Select(context.Background(), types.GPUSelectionFirst)
	require.NoError(t, err)
	assert.Equal(t, "0", id)
}

func TestSelectLeastUsedPrefersFreeMemory(t *testing.T) {
	// No running instances: tie on count, GPU 1 has more free memory.
	inv := NewInventory(&fakeQuerier{devices: twoDevices()}, newTestStore(t))

	id, err := inv.Select(context.Background(), types.GPUSelectionAuto)
	require.NoError(t, err)
	assert.Equal(t, "1", id)
}

func TestSelectLeastUsedPrefersLowerCount(t *testing.T) {
	db := newTestStore(t)
	addRunningInstance(t, db, "1")
	addRunningInstance(t, db, "1")

	inv := NewInventory(&fakeQuerier{devices: twoDevices()}, db)

	id, err := inv.Select(context.Background(), types.GPUSelectionLeastUsed)
	require.NoError(t, err)
	assert.Equal(t, "0", id)
}

func TestSelectSpecificDevice(t *testing.T) {
	inv := NewInventory(&fakeQuerier{devices: twoDevices()}, newTestStore(t))

	id, err := inv.Select(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "1", id)
}

func TestSelectSpecificDeviceMissing(t *testing.T) {
	inv := NewInventory(&fakeQuerier{devices: twoDevices()}, newTestStore(t))

	_, err := inv.Select(context.Background(), "7")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrorKindValidation))
}

func TestSelectUnknownPreference(t *testing.T) {
	inv := NewInventory(&fakeQuerier{devices: twoDevices()}, newTestStore(t))

	_, err := inv.Select(context.Background(), "fastest")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrorKindValidation))
}

func TestStatsCountsAutoAgainstEveryDevice(t *testing.T) {
	db := newTestStore(t)
	addRunningInstance(t, db, "0")
	addRunningInstance(t, db, AutoSentinel)

	inv := NewInventory(&fakeQuerier{devices: twoDevices()}, db)

	stats, err := inv.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 2, stats[0].RunningInstances)
	assert.Equal(t, 1, stats[1].RunningInstances)
}

func TestParseNvidiaSMI(t *testing.T) {
	output := "0, NVIDIA A100-SXM4-80GB, 81920, 80123, 3\n1, NVIDIA A100-SXM4-80GB, 81920, 40000, 97\n"
	devices, err := parseNvidiaSMI(output)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, 0, devices[0].ID)
	assert.Equal(t, "NVIDIA A100-SXM4-80GB", devices[0].Name)
	assert.Equal(t, uint64(81920)<<20, devices[0].TotalMemory)
	assert.Equal(t, uint64(80123)<<20, devices[0].FreeMemory)
	assert.Equal(t, 97, devices[1].Utilization)
}

func TestParseNvidiaSMIRejectsGarbage(t *testing.T) {
	_, err := parseNvidiaSMI("not,csv")
	assert.Error(t, err)
}
