package manager

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelharbor/modelharbor/api/pkg/config"
	"github.com/modelharbor/modelharbor/api/pkg/docker"
	"github.com/modelharbor/modelharbor/api/pkg/gpu"
	"github.com/modelharbor/modelharbor/api/pkg/ports"
	"github.com/modelharbor/modelharbor/api/pkg/reconciler"
	"github.com/modelharbor/modelharbor/api/pkg/store"
	"github.com/modelharbor/modelharbor/api/pkg/system"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

const apiKeyPrefix = "sk-"

// readPathReconcileBudget bounds how long a "list with reconcile" may
// block the response before serving the stale view.
const readPathReconcileBudget = 10 * time.Second

var instanceNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Manager is the instance state machine: it owns sequencing, rollback
// and error mapping across the store, the port allocator, the GPU
// inventory and the engine drivers. Operations on one instance id are
// serialized; different ids proceed independently.
type Manager struct {
	store      store.Store
	allocator  *ports.Allocator
	inventory  *gpu.Inventory
	drivers    map[types.EngineKind]docker.Driver
	reconciler *reconciler.Reconciler
	engines    config.Engines

	locks       sync.Map // instance id -> *sync.Mutex
	familyLocks sync.Map // engine kind -> *sync.Mutex

	// Injected clock so key synthesis is pinnable in tests.
	now func() time.Time
}

type Params struct {
	Store      store.Store
	Allocator  *ports.Allocator
	Inventory  *gpu.Inventory
	Drivers    map[types.EngineKind]docker.Driver
	Reconciler *reconciler.Reconciler
	Engines    config.Engines
	Now        func() time.Time
}

func NewManager(params Params) (*Manager, error) {
	if params.Store == nil || params.Allocator == nil || params.Inventory == nil {
		return nil, fmt.Errorf("store, allocator and inventory are required")
	}
	if len(params.Drivers) == 0 {
		return nil, fmt.Errorf("at least one engine driver is required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:      params.Store,
		allocator:  params.Allocator,
		inventory:  params.Inventory,
		drivers:    params.Drivers,
		reconciler: params.Reconciler,
		engines:    params.Engines,
		now:        now,
	}, nil
}

// lockInstance serializes mutations per instance id. Returns the
// unlock func.
func (m *Manager) lockInstance(id string) func() {
	value, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// guardReconcile blocks a reconcile pass for the duration of a
// mutation. Without it the stale reservation sweep could observe an
// allocated port whose instance record is not written yet and hand it
// out twice.
func (m *Manager) guardReconcile() func() {
	if m.reconciler == nil {
		return func() {}
	}
	return m.reconciler.GuardMutation()
}

// lockFamily serializes find-or-create for engine families that share
// one container per host; two concurrent creates with fresh ids would
// otherwise both see no container and both create one. No-op for the
// one-container-per-instance families.
func (m *Manager) lockFamily(kind types.EngineKind) func() {
	if kind != types.EngineKindOllama {
		return func() {}
	}
	value, _ := m.familyLocks.LoadOrStore(kind, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) driverFor(kind types.EngineKind) (docker.Driver, error) {
	driver, ok := m.drivers[kind]
	if !ok {
		return nil, types.NewValidationError("no driver for engine kind %q", kind)
	}
	return driver, nil
}

// EnsureKeyPrefix adds the standard key prefix when missing.
func EnsureKeyPrefix(key string) string {
	if key == "" || strings.HasPrefix(key, apiKeyPrefix) {
		return key
	}
	return apiKeyPrefix + key
}

// deriveAPIKey resolves the effective key for a create/update request:
// the supplied key, else the configured default, else one synthesized
// from the clock when auth is required.
func (m *Manager) deriveAPIKey(ctx context.Context, req *types.CreateInstanceRequest) string {
	if !req.RequireAuth {
		return ""
	}
	key := req.APIKey
	if key == "" {
		if stored, err := m.store.GetSetting(ctx, store.SettingDefaultAPIKey); err == nil && stored != "" {
			key = stored
		} else {
			key = m.engines.DefaultAPIKey
		}
	}
	if key == "" {
		key = fmt.Sprintf("%d", m.now().UnixNano())
	}
	return EnsureKeyPrefix(key)
}

func (m *Manager) defaultHostname(ctx context.Context) string {
	if stored, err := m.store.GetSetting(ctx, store.SettingDefaultHostname); err == nil && stored != "" {
		return stored
	}
	return m.engines.DefaultHostname
}

func (m *Manager) huggingfaceToken(ctx context.Context) string {
	if stored, err := m.store.GetSetting(ctx, store.SettingHuggingfaceToken); err == nil && stored != "" {
		return stored
	}
	return m.engines.HuggingfaceToken
}

func validateCreateRequest(kind types.EngineKind, req *types.CreateInstanceRequest) error {
	if req.Name == "" {
		return types.NewValidationError("name is required")
	}
	if !instanceNameRe.MatchString(req.Name) {
		return types.NewValidationError("name %q contains invalid characters", req.Name)
	}
	if kind == types.EngineKindVLLM && req.ModelName == "" {
		return types.NewValidationError("modelName is required")
	}
	if req.GPUMemoryUtilization < 0 || req.GPUMemoryUtilization > 1 {
		return types.NewValidationError("gpuMemoryUtilization must be within (0, 1]")
	}
	if req.TensorParallelSize < 0 {
		return types.NewValidationError("tensorParallelSize must be positive")
	}
	return nil
}

func configFromRequest(req *types.CreateInstanceRequest, hostname string) types.InstanceConfig {
	if req.Hostname != "" {
		hostname = req.Hostname
	}
	return types.InstanceConfig{
		Hostname:             hostname,
		GPUSelection:         req.GPUSelection,
		MaxContextLength:     req.MaxContextLength,
		GPUMemoryUtilization: req.GPUMemoryUtilization,
		MaxNumSeqs:           req.MaxNumSeqs,
		TrustRemoteCode:      req.TrustRemoteCode,
		Quantization:         req.Quantization,
		TensorParallelSize:   req.TensorParallelSize,
	}
}

// resolveGPU turns the user preference into the id recorded on the
// instance. Auto selection with multi-GPU tensor parallelism keeps the
// auto sentinel so the container sees every device.
func (m *Manager) resolveGPU(ctx context.Context, cfg types.InstanceConfig) (gpuID string, gpuCount int, err error) {
	devices, err := m.inventory.Devices(ctx)
	if err != nil {
		return "", 0, err
	}
	gpuCount = len(devices)

	preference := cfg.GPUSelection
	if (preference == "" || preference == types.GPUSelectionAuto) &&
		cfg.TensorParallelSize >= 2 && gpuCount >= 2 {
		return gpu.AutoSentinel, gpuCount, nil
	}

	gpuID, err = m.inventory.Select(ctx, preference)
	if err != nil {
		return "", 0, err
	}
	return gpuID, gpuCount, nil
}

// Create drives the full create sequence: defaults, GPU, port,
// container, record. Any failure after the port allocation releases
// the port; a container is never left without a record.
func (m *Manager) Create(ctx context.Context, kind types.EngineKind, req *types.CreateInstanceRequest) (*types.InstanceState, error) {
	if err := validateCreateRequest(kind, req); err != nil {
		return nil, err
	}
	driver, err := m.driverFor(kind)
	if err != nil {
		return nil, err
	}

	id := system.GenerateInstanceID()
	unlock := m.lockInstance(id)
	defer unlock()
	unguard := m.guardReconcile()
	defer unguard()

	instanceConfig := configFromRequest(req, m.defaultHostname(ctx))
	apiKey := m.deriveAPIKey(ctx, req)

	gpuID, gpuCount, err := m.resolveGPU(ctx, instanceConfig)
	if err != nil {
		return nil, err
	}

	port, err := m.allocator.Allocate(ctx, id)
	if err != nil {
		return nil, err
	}

	releasePort := func() {
		if releaseErr := m.allocator.Release(context.WithoutCancel(ctx), port); releaseErr != nil {
			log.Error().Err(releaseErr).Int("port", port).Msg("failed to release port during create rollback")
		}
	}

	spec := &docker.Spec{
		ID:       id,
		Name:     req.Name,
		Port:     port,
		ModelRef: req.ModelName,
		APIKey:   apiKey,
		GPUID:    gpuID,
		GPUCount: gpuCount,
		HFToken:  m.huggingfaceToken(ctx),
		Config:   instanceConfig,
	}

	unlockFamily := m.lockFamily(kind)
	defer unlockFamily()

	result, err := driver.CreateAndStart(ctx, spec)
	if err != nil {
		releasePort()
		return nil, err
	}

	instance := &types.Instance{
		ID:          id,
		Kind:        kind,
		Name:        req.Name,
		ModelRef:    req.ModelName,
		Port:        port,
		ContainerID: result.ContainerID,
		Status:      types.InstanceStatusRunning,
		APIKeyHash:  apiKey,
		GPUID:       result.GPUID,
		Config:      instanceConfig,
	}

	created, err := m.store.CreateInstance(ctx, instance)
	if err != nil {
		// Tear the container down rather than leaving one without a
		// record; a shared (attached) container stays.
		if !result.Attached {
			if removeErr := driver.Remove(context.WithoutCancel(ctx), result.ContainerID); removeErr != nil {
				log.Error().Err(removeErr).Str("container_id", result.ContainerID).Msg("failed to remove container during create rollback")
			}
		}
		releasePort()
		if errors.Is(err, store.ErrDuplicateID) {
			return nil, types.NewConflictError("instance id %s already exists", id)
		}
		return nil, types.NewInternalError("failed to persist instance", err)
	}

	log.Info().
		Str("instance_id", created.ID).
		Str("kind", string(kind)).
		Str("name", created.Name).
		Int("port", created.Port).
		Str("gpu_id", created.GPUID).
		Msg("instance created")

	go m.waitReady(ctx, kind, created.ID, created.Port)

	return &types.InstanceState{
		Instance:   *created,
		Running:    true,
		LiveStatus: "running",
	}, nil
}

// Update replaces the configuration: the old container is stopped and
// removed, a new one is created with the same id and port, and the
// record is updated in place. Rollback is best effort; a catastrophic
// failure leaves the record in error with no live container.
func (m *Manager) Update(ctx context.Context, id string, req *types.CreateInstanceRequest) (*types.InstanceState, error) {
	unlock := m.lockInstance(id)
	defer unlock()
	unguard := m.guardReconcile()
	defer unguard()

	existing, err := m.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewNotFoundError("instance %s not found", id)
		}
		return nil, err
	}
	if err := validateCreateRequest(existing.Kind, req); err != nil {
		return nil, err
	}
	driver, err := m.driverFor(existing.Kind)
	if err != nil {
		return nil, err
	}

	instanceConfig := configFromRequest(req, m.defaultHostname(ctx))
	apiKey := m.deriveAPIKey(ctx, req)

	gpuID, gpuCount, err := m.resolveGPU(ctx, instanceConfig)
	if err != nil {
		return nil, err
	}

	unlockFamily := m.lockFamily(existing.Kind)
	defer unlockFamily()

	if existing.ContainerID != "" && !m.containerShared(ctx, existing) {
		if err := driver.Remove(ctx, existing.ContainerID); err != nil {
			return nil, err
		}
	}

	spec := &docker.Spec{
		ID:       id,
		Name:     req.Name,
		Port:     existing.Port,
		ModelRef: req.ModelName,
		APIKey:   apiKey,
		GPUID:    gpuID,
		GPUCount: gpuCount,
		HFToken:  m.huggingfaceToken(ctx),
		Config:   instanceConfig,
	}

	result, err := driver.CreateAndStart(ctx, spec)
	if err != nil {
		existing.Status = types.InstanceStatusError
		if _, updateErr := m.store.UpdateInstance(ctx, existing); updateErr != nil {
			log.Error().Err(updateErr).Str("instance_id", id).Msg("failed to mark instance as errored after replace failure")
		}
		return nil, err
	}

	existing.Name = req.Name
	existing.ModelRef = req.ModelName
	existing.ContainerID = result.ContainerID
	existing.Status = types.InstanceStatusRunning
	existing.APIKeyHash = apiKey
	existing.GPUID = result.GPUID
	existing.Config = instanceConfig

	updated, err := m.store.UpdateInstance(ctx, existing)
	if err != nil {
		return nil, types.NewInternalError("failed to persist replaced instance", err)
	}

	log.Info().Str("instance_id", id).Msg("instance configuration replaced")
	go m.waitReady(ctx, existing.Kind, id, updated.Port)
	return &types.InstanceState{
		Instance:   *updated,
		Running:    true,
		LiveStatus: "running",
	}, nil
}

// containerShared reports whether another live instance references the
// same container (the Ollama family shares one container per host).
func (m *Manager) containerShared(ctx context.Context, instance *types.Instance) bool {
	if instance.Kind != types.EngineKindOllama || instance.ContainerID == "" {
		return false
	}
	others, err := m.store.ListInstances(ctx, store.ListInstancesQuery{Kind: types.EngineKindOllama})
	if err != nil {
		log.Warn().Err(err).Msg("failed to check container sharing, assuming shared")
		return true
	}
	for _, other := range others {
		if other.ID != instance.ID && other.ContainerID == instance.ContainerID {
			return true
		}
	}
	return false
}

// Start / Stop / Restart proxy to the driver. A store write failure
// after a successful driver call is logged, not surfaced; the
// reconciler picks the status up later.
func (m *Manager) Start(ctx context.Context, id string) (*types.InstanceState, error) {
	return m.transition(ctx, id, types.InstanceStatusRunning, func(driver docker.Driver, containerID string) error {
		return driver.Start(ctx, containerID)
	})
}

func (m *Manager) Stop(ctx context.Context, id string) (*types.InstanceState, error) {
	return m.transition(ctx, id, types.InstanceStatusStopped, func(driver docker.Driver, containerID string) error {
		return driver.Stop(ctx, containerID)
	})
}

func (m *Manager) Restart(ctx context.Context, id string) (*types.InstanceState, error) {
	return m.transition(ctx, id, types.InstanceStatusRunning, func(driver docker.Driver, containerID string) error {
		return driver.Restart(ctx, containerID)
	})
}

func (m *Manager) transition(ctx context.Context, id string, target types.InstanceStatus, op func(driver docker.Driver, containerID string) error) (*types.InstanceState, error) {
	unlock := m.lockInstance(id)
	defer unlock()

	instance, err := m.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewNotFoundError("instance %s not found", id)
		}
		return nil, err
	}
	driver, err := m.driverFor(instance.Kind)
	if err != nil {
		return nil, err
	}
	if instance.ContainerID == "" {
		return nil, types.NewGoneError("instance %s has no container", id)
	}

	if err := op(driver, instance.ContainerID); err != nil {
		return nil, err
	}

	if err := m.store.UpdateInstanceStatus(ctx, id, target); err != nil {
		log.Error().Err(err).Str("instance_id", id).Str("status", string(target)).
			Msg("driver transition succeeded but status write failed, reconcile will catch up")
	}
	instance.Status = target

	return &types.InstanceState{
		Instance:   *instance,
		Running:    target == types.InstanceStatusRunning,
		LiveStatus: string(target),
	}, nil
}

// Remove tears the instance down: container (idempotent), port, then
// record. A "gone" container is fine; any other driver failure aborts
// with the record intact.
func (m *Manager) Remove(ctx context.Context, id string) error {
	unlock := m.lockInstance(id)
	defer unlock()
	unguard := m.guardReconcile()
	defer unguard()

	instance, err := m.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.NewNotFoundError("instance %s not found", id)
		}
		return err
	}
	driver, err := m.driverFor(instance.Kind)
	if err != nil {
		return err
	}

	unlockFamily := m.lockFamily(instance.Kind)
	defer unlockFamily()

	if instance.ContainerID != "" && !m.containerShared(ctx, instance) {
		if err := driver.Remove(ctx, instance.ContainerID); err != nil {
			if !types.IsKind(err, types.ErrorKindGone) {
				return err
			}
		}
	}

	if instance.Port != 0 {
		if err := m.allocator.Release(ctx, instance.Port); err != nil {
			log.Error().Err(err).Int("port", instance.Port).Msg("failed to release port on remove")
		}
	}

	if err := m.store.DeleteInstance(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.NewNotFoundError("instance %s not found", id)
		}
		return err
	}

	m.locks.Delete(id)
	log.Info().Str("instance_id", id).Msg("instance removed")
	return nil
}
