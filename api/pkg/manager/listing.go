package manager

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/modelharbor/modelharbor/api/pkg/store"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

// Get returns the stored record augmented with the daemon's live view.
// A driver failure degrades the status instead of failing the read.
func (m *Manager) Get(ctx context.Context, id string) (*types.InstanceState, error) {
	instance, err := m.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewNotFoundError("instance %s not found", id)
		}
		return nil, err
	}
	state := m.observe(ctx, instance)

	if instance.Kind == types.EngineKindOllama {
		models, err := m.store.ListModels(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("instance_id", id).Msg("failed to list models for instance")
		} else {
			for _, model := range models {
				state.Models = append(state.Models, *model)
			}
		}
	}
	return state, nil
}

// observe pulls live container status for one record. The stored
// status is nudged toward the observation so reads converge without a
// writer.
func (m *Manager) observe(ctx context.Context, instance *types.Instance) *types.InstanceState {
	state := &types.InstanceState{Instance: *instance}

	driver, err := m.driverFor(instance.Kind)
	if err != nil || instance.ContainerID == "" {
		return state
	}

	status, err := driver.Inspect(ctx, instance.ContainerID)
	if err != nil {
		state.Running = false
		if types.IsKind(err, types.ErrorKindGone) {
			state.Status = types.InstanceStatusError
			state.LiveStatus = "gone"
			state.StatusWarning = "container no longer exists at the daemon"
		} else {
			state.Status = types.InstanceStatusError
			state.StatusWarning = err.Error()
		}
		return state
	}

	state.Running = status.Running
	state.LiveStatus = status.Status
	if status.Running {
		state.Status = types.InstanceStatusRunning
	} else if instance.Status == types.InstanceStatusRunning {
		// The daemon disagrees with us; trust the daemon.
		state.Status = types.InstanceStatusStopped
	}
	return state
}

// List returns stored records of one kind, each augmented with live
// status. Per-record driver errors degrade that record only.
func (m *Manager) List(ctx context.Context, kind types.EngineKind) (*types.ListInstancesResponse, error) {
	instances, err := m.store.ListInstances(ctx, store.ListInstancesQuery{Kind: kind})
	if err != nil {
		return nil, err
	}

	response := &types.ListInstancesResponse{
		Instances: make([]*types.InstanceState, 0, len(instances)),
	}
	for _, instance := range instances {
		response.Instances = append(response.Instances, m.observe(ctx, instance))
	}
	return response, nil
}

// ListWithReconcile runs a bounded reconcile pass first. If the pass
// cannot finish in budget the stale view is served with a warning;
// reconciliation failures never fail a read.
func (m *Manager) ListWithReconcile(ctx context.Context, kind types.EngineKind) (*types.ListInstancesResponse, error) {
	var warning string
	if m.reconciler != nil {
		if _, err := m.reconciler.ReconcileWithTimeout(ctx, readPathReconcileBudget, true); err != nil {
			warning = err.Error()
			log.Warn().Err(err).Msg("reconcile-on-read did not complete, serving stale view")
		}
	}

	response, err := m.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	response.Warning = warning
	return response, nil
}

// Logs returns up to tail lines of the instance's container output.
func (m *Manager) Logs(ctx context.Context, id string, tail int) ([]byte, error) {
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
	return driver.Logs(ctx, instance.ContainerID, tail)
}
