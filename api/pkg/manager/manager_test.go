package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelharbor/modelharbor/api/pkg/config"
	"github.com/modelharbor/modelharbor/api/pkg/docker"
	"github.com/modelharbor/modelharbor/api/pkg/gpu"
	"github.com/modelharbor/modelharbor/api/pkg/ports"
	"github.com/modelharbor/modelharbor/api/pkg/reconciler"
	"github.com/modelharbor/modelharbor/api/pkg/store"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

type fakeQuerier struct {
	devices []types.GPUDevice
}

func (f *fakeQuerier) Query(_ context.Context) ([]types.GPUDevice, error) {
	return f.devices, nil
}

// fakeDriver keeps containers in memory and records the specs it saw.
type fakeDriver struct {
	kind       types.EngineKind
	counter    int
	failCreate bool
	createHook func()

	created    []*docker.Spec
	removed    []string
	containers map[string]*docker.ContainerStatus
}

func newFakeDriver(kind types.EngineKind) *fakeDriver {
	return &fakeDriver{
		kind:       kind,
		containers: map[string]*docker.ContainerStatus{},
	}
}

func (f *fakeDriver) Kind() types.EngineKind { return f.kind }

func (f *fakeDriver) CreateAndStart(_ context.Context, spec *docker.Spec) (*docker.CreateResult, error) {
	if f.createHook != nil {
		f.createHook()
	}
	if f.failCreate {
		return nil, types.NewDriverError("docker create failed", fmt.Errorf("image missing"))
	}
	f.counter++
	containerID := fmt.Sprintf("%s-container-%d", f.kind, f.counter)
	f.created = append(f.created, spec)
	f.containers[containerID] = &docker.ContainerStatus{Status: "running", Running: true}
	return &docker.CreateResult{ContainerID: containerID, GPUID: spec.GPUID}, nil
}

func (f *fakeDriver) Start(_ context.Context, containerID string) error {
	status, ok := f.containers[containerID]
	if !ok {
		return types.NewGoneError("container %s no longer exists", containerID)
	}
	status.Status = "running"
	status.Running = true
	return nil
}

func (f *fakeDriver) Stop(_ context.Context, containerID string) error {
	// Stopping a vanished container is success.
	if status, ok := f.containers[containerID]; ok {
		status.Status = "exited"
		status.Running = false
	}
	return nil
}

func (f *fakeDriver) Restart(ctx context.Context, containerID string) error {
	return f.Start(ctx, containerID)
}

func (f *fakeDriver) Remove(_ context.Context, containerID string) error {
	f.removed = append(f.removed, containerID)
	delete(f.containers, containerID)
	return nil
}

func (f *fakeDriver) Inspect(_ context.Context, containerID string) (*docker.ContainerStatus, error) {
	status, ok := f.containers[containerID]
	if !ok {
		return nil, types.NewGoneError("container %s no longer exists", containerID)
	}
	return status, nil
}

func (f *fakeDriver) Logs(_ context.Context, containerID string, _ int) ([]byte, error) {
	if _, ok := f.containers[containerID]; !ok {
		return nil, types.NewGoneError("container %s no longer exists", containerID)
	}
	return []byte("engine output\n"), nil
}

var _ docker.Driver = (*fakeDriver)(nil)

type fixture struct {
	manager *Manager
	driver  *fakeDriver
	store   store.Store
}

func newTestDeps(t *testing.T) (store.Store, *ports.Allocator) {
	t.Helper()

	db, err := store.NewSQLiteStore(config.Store{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	allocator, err := ports.NewAllocator(db, 8001, 8010)
	require.NoError(t, err)
	return db, allocator
}

func newFixture(t *testing.T, devices []types.GPUDevice) *fixture {
	t.Helper()

	db, allocator := newTestDeps(t)
	driver := newFakeDriver(types.EngineKindVLLM)
	mgr, err := NewManager(Params{
		Store:     db,
		Allocator: allocator,
		Inventory: gpu.NewInventory(&fakeQuerier{devices: devices}, db),
		Drivers: map[types.EngineKind]docker.Driver{
			types.EngineKindVLLM: driver,
		},
		Engines: config.Engines{DefaultHostname: "localhost"},
		Now:     func() time.Time { return time.Unix(1700000000, 42) },
	})
	require.NoError(t, err)

	return &fixture{manager: mgr, driver: driver, store: db}
}

func createRequest(name string) *types.CreateInstanceRequest {
	return &types.CreateInstanceRequest{
		Name:      name,
		ModelName: "org/model",
	}
}

func TestCreateAllocatesLowestPort(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	state, err := f.manager.Create(ctx, types.EngineKindVLLM, createRequest("alpha"))
	require.NoError(t, err)
	assert.Equal(t, 8001, state.Port)
	assert.Equal(t, types.InstanceStatusRunning, state.Status)
	assert.True(t, state.Running)
	assert.Empty(t, state.APIKeyHash)
	assert.Equal(t, "localhost", state.Config.Hostname)

	second, err := f.manager.Create(ctx, types.EngineKindVLLM, createRequest("beta"))
	require.NoError(t, err)
	assert.Equal(t, 8002, second.Port)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cases := []*types.CreateInstanceRequest{
		{ModelName: "org/model"},                                            // no name
		{Name: "bad name!", ModelName: "org/model"},                         // invalid characters
		{Name: "x"},                                                         // vLLM needs a model
		{Name: "x", ModelName: "org/model", GPUMemoryUtilization: 1.5},      // out of range
		{Name: "x", ModelName: "org/model", TensorParallelSize: -1},         // negative
	}
	for _, req := range cases {
		_, err := f.manager.Create(ctx, types.EngineKindVLLM, req)
		require.Error(t, err)
		assert.True(t, types.IsKind(err, types.ErrorKindValidation), "request %+v", req)
	}
	assert.Empty(t, f.driver.created)
}

func TestCreateAPIKeyDerivation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := createRequest("alpha")
	req.RequireAuth = true
	req.APIKey = "k"
	state, err := f.manager.Create(ctx, types.EngineKindVLLM, req)
	require.NoError(t, err)
	assert.Equal(t, "sk-k", state.APIKeyHash)
	assert.Equal(t, "sk-k", f.driver.created[0].APIKey)

	// No key anywhere: synthesized from the pinned clock.
	req = createRequest("beta")
	req.RequireAuth = true
	state, err = f.manager.Create(ctx, types.EngineKindVLLM, req)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("sk-%d", time.Unix(1700000000, 42).UnixNano()), state.APIKeyHash)
}

func TestCreateUsesStoredDefaultKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.SetSetting(ctx, store.SettingDefaultAPIKey, "stored"))

	req := createRequest("alpha")
	req.RequireAuth = true
	state, err := f.manager.Create(ctx, types.EngineKindVLLM, req)
	require.NoError(t, err)
	assert.Equal(t, "sk-stored", state.APIKeyHash)
}

func TestCreateDriverFailureReleasesPort(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.driver.failCreate = true
	_, err := f.manager.Create(ctx, types.EngineKindVLLM, createRequest("alpha"))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrorKindDriver))

	reservations, err := f.store.ListReservations(ctx)
	require.NoError(t, err)
	assert.Empty(t, reservations)

	f.driver.failCreate = false
	state, err := f.manager.Create(ctx, types.EngineKindVLLM, createRequest("alpha"))
	require.NoError(t, err)
	assert.Equal(t, 8001, state.Port)
}

func TestCreateResolvesGPU(t *testing.T) {
	devices := []types.GPUDevice{
		{ID: 0, FreeMemory: 8 << 30},
		{ID: 1, FreeMemory: 12 << 30},
	}
	f := newFixture(t, devices)
	ctx := context.Background()

	state, err := f.manager.Create(ctx, types.EngineKindVLLM, createRequest("alpha"))
	require.NoError(t, err)
	assert.Equal(t, "1", state.GPUID)

	// Multi-GPU tensor parallelism keeps the auto sentinel.
	req := createRequest("beta")
	req.TensorParallelSize = 2
	state, err = f.manager.Create(ctx, types.EngineKindVLLM, req)
	require.NoError(t, err)
	assert.Equal(t, gpu.AutoSentinel, state.GPUID)
	assert.Equal(t, 2, f.driver.created[1].GPUCount)
}

func TestStopThenStartTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.manager.Create(ctx, types.EngineKindVLLM, createRequest("alpha"))
	require.NoError(t, err)

	stopped, err := f.manager.Stop(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusStopped, stopped.Status)
	assert.False(t, stopped.Running)

	// Stop again: the driver treats it as success.
	_, err = f.manager.Stop(ctx, created.ID)
	require.NoError(t, err)

	started, err := f.manager.Start(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusRunning, started.Status)
}

func TestTransitionUnknownInstance(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.manager.Start(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrorKindNotFound))
}

func TestRemoveReleasesEverything(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.manager.Create(ctx, types.EngineKindVLLM, createRequest("alpha"))
	require.NoError(t, err)

	require.NoError(t, f.manager.Remove(ctx, created.ID))
	assert.Contains(t, f.driver.removed, created.ContainerID)

	_, err = f.store.GetInstance(ctx, created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = f.manager.Remove(ctx, created.ID)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrorKindNotFound))

	// The freed port is handed out again.
	next, err := f.manager.Create(ctx, types.EngineKindVLLM, createRequest("beta"))
	require.NoError(t, err)
	assert.Equal(t, created.Port, next.Port)
}

func TestRemoveToleratesGoneContainer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.manager.Create(ctx, types.EngineKindVLLM, createRequest("alpha"))
	require.NoError(t, err)

	// Container vanished out-of-band.
	delete(f.driver.containers, created.ContainerID)

	require.NoError(t, f.manager.Remove(ctx, created.ID))
}

func TestUpdateReplacesContainerKeepingIdentity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.manager.Create(ctx, types.EngineKindVLLM, createRequest("alpha"))
	require.NoError(t, err)

	req := createRequest("alpha")
	req.ModelName = "org/other-model"
	req.MaxContextLength = 2048

	updated, err := f.manager.Update(ctx, created.ID, req)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.Port, updated.Port)
	assert.NotEqual(t, created.ContainerID, updated.ContainerID)
	assert.Equal(t, "org/other-model", updated.ModelRef)
	assert.Equal(t, 2048, updated.Config.MaxContextLength)
	assert.Contains(t, f.driver.removed, created.ContainerID)

	// The replacement container reuses the original port.
	replacement := f.driver.created[len(f.driver.created)-1]
	assert.Equal(t, created.Port, replacement.Port)
}

func TestUpdateFailureMarksError(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.manager.Create(ctx, types.EngineKindVLLM, createRequest("alpha"))
	require.NoError(t, err)

	f.driver.failCreate = true
	_, err = f.manager.Update(ctx, created.ID, createRequest("alpha"))
	require.Error(t, err)

	record, err := f.store.GetInstance(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusError, record.Status)
}

func TestGetObservesGoneContainer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.manager.Create(ctx, types.EngineKindVLLM, createRequest("alpha"))
	require.NoError(t, err)

	delete(f.driver.containers, created.ContainerID)

	state, err := f.manager.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, state.Running)
	assert.Equal(t, types.InstanceStatusError, state.Status)
	assert.NotEmpty(t, state.StatusWarning)
}

func TestListObservesDaemonDisagreement(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.manager.Create(ctx, types.EngineKindVLLM, createRequest("alpha"))
	require.NoError(t, err)

	// Record says running, the daemon says exited.
	f.driver.containers[created.ContainerID].Running = false
	f.driver.containers[created.ContainerID].Status = "exited"

	listing, err := f.manager.List(ctx, types.EngineKindVLLM)
	require.NoError(t, err)
	require.Len(t, listing.Instances, 1)
	assert.Equal(t, types.InstanceStatusStopped, listing.Instances[0].Status)
	assert.False(t, listing.Instances[0].Running)
}

func TestLogs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.manager.Create(ctx, types.EngineKindVLLM, createRequest("alpha"))
	require.NoError(t, err)

	logs, err := f.manager.Logs(ctx, created.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, "engine output\n", string(logs))
}

func TestEnsureKeyPrefix(t *testing.T) {
	assert.Equal(t, "", EnsureKeyPrefix(""))
	assert.Equal(t, "sk-k", EnsureKeyPrefix("k"))
	assert.Equal(t, "sk-k", EnsureKeyPrefix("sk-k"))
}

type emptyDaemon struct{}

func (emptyDaemon) ListOwnedContainers(_ context.Context) ([]*docker.OwnedContainer, error) {
	return nil, nil
}

func (emptyDaemon) DescribeContainer(_ context.Context, containerID string) (*docker.ContainerDetail, error) {
	return nil, types.NewGoneError("container %s no longer exists", containerID)
}

func TestReconcileWaitsForInFlightCreate(t *testing.T) {
	db, allocator := newTestDeps(t)
	driver := newFakeDriver(types.EngineKindVLLM)
	rec := reconciler.New(db, emptyDaemon{})

	mgr, err := NewManager(Params{
		Store:     db,
		Allocator: allocator,
		Inventory: gpu.NewInventory(&fakeQuerier{}, db),
		Drivers: map[types.EngineKind]docker.Driver{
			types.EngineKindVLLM: driver,
		},
		Reconciler: rec,
		Engines:    config.Engines{DefaultHostname: "localhost"},
	})
	require.NoError(t, err)

	// Fire a pass mid-create, while the port is reserved but the
	// instance record is not written yet. The sweep must not treat the
	// reservation as stale.
	type passResult struct {
		report *types.ReconcileReport
		err    error
	}
	passDone := make(chan passResult, 1)
	driver.createHook = func() {
		go func() {
			report, recErr := rec.Reconcile(context.Background(), false)
			passDone <- passResult{report, recErr}
		}()
		time.Sleep(50 * time.Millisecond)
	}

	ctx := context.Background()
	state, err := mgr.Create(ctx, types.EngineKindVLLM, createRequest("alpha"))
	require.NoError(t, err)

	res := <-passDone
	require.NoError(t, res.err)
	assert.Empty(t, res.report.StaleReservations)

	reservation, err := db.GetReservationByInstance(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, state.Port, reservation.Port)
}

// sharedContainerDriver mimics the one-container family: a create
// attaches when a container already exists, with a window between the
// existence check and the create.
type sharedContainerDriver struct {
	fakeDriver
	mu sync.Mutex
}

func (f *sharedContainerDriver) CreateAndStart(_ context.Context, spec *docker.Spec) (*docker.CreateResult, error) {
	f.mu.Lock()
	var existing string
	for id := range f.containers {
		existing = id
	}
	f.mu.Unlock()
	if existing != "" {
		return &docker.CreateResult{ContainerID: existing, GPUID: spec.GPUID, Attached: true}, nil
	}

	time.Sleep(20 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	containerID := fmt.Sprintf("%s-container-%d", f.kind, f.counter)
	f.created = append(f.created, spec)
	f.containers[containerID] = &docker.ContainerStatus{Status: "running", Running: true}
	return &docker.CreateResult{ContainerID: containerID, GPUID: spec.GPUID}, nil
}

func TestConcurrentOllamaCreatesShareOneContainer(t *testing.T) {
	db, allocator := newTestDeps(t)
	driver := &sharedContainerDriver{
		fakeDriver: fakeDriver{
			kind:       types.EngineKindOllama,
			containers: map[string]*docker.ContainerStatus{},
		},
	}

	mgr, err := NewManager(Params{
		Store:     db,
		Allocator: allocator,
		Inventory: gpu.NewInventory(&fakeQuerier{}, db),
		Drivers: map[types.EngineKind]docker.Driver{
			types.EngineKindOllama: driver,
		},
		Engines: config.Engines{DefaultHostname: "localhost"},
	})
	require.NoError(t, err)

	ctx := context.Background()
	states := make([]*types.InstanceState, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			states[i], errs[i] = mgr.Create(ctx, types.EngineKindOllama, &types.CreateInstanceRequest{
				Name: fmt.Sprintf("shared-%d", i),
			})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Len(t, driver.containers, 1)
	assert.Equal(t, states[0].ContainerID, states[1].ContainerID)
}
