package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelharbor/modelharbor/api/pkg/docker"
	"github.com/modelharbor/modelharbor/api/pkg/store"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

// DaemonView is the slice of the docker client the reconciler needs.
type DaemonView interface {
	ListOwnedContainers(ctx context.Context) ([]*docker.OwnedContainer, error)
	DescribeContainer(ctx context.Context, containerID string) (*docker.ContainerDetail, error)
}

// Reconciler realigns the store with the container daemon: it imports
// orphaned containers (ours by name, unknown to the store) and drops
// reservations whose owning instance is gone. A coarse lock serializes
// passes against each other and against instance mutations: mutating
// callers hold the read side via GuardMutation, a pass holds the write
// side, so the stale sweep never observes an allocated port whose
// instance record is not written yet.
type Reconciler struct {
	mu     sync.RWMutex
	store  store.Store
	daemon DaemonView
}

func New(s store.Store, daemon DaemonView) *Reconciler {
	return &Reconciler{
		store:  s,
		daemon: daemon,
	}
}

// GuardMutation takes the read side of the pass lock for the duration
// of an instance mutation (allocate port, create container, write
// record). The returned func releases it. Mutations on different
// instances proceed concurrently; a reconcile pass waits for all of
// them.
func (r *Reconciler) GuardMutation() func() {
	r.mu.RLock()
	return r.mu.RUnlock
}

// DetectOrphans lists daemon containers carrying our name format whose
// container id no instance record claims. Containers whose port cannot
// be recovered are reported with a skip reason instead of dropped.
func (r *Reconciler) DetectOrphans(ctx context.Context) ([]*types.OrphanContainer, error) {
	owned, err := r.daemon.ListOwnedContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list owned containers: %w", err)
	}

	instances, err := r.store.ListInstances(ctx, store.ListInstancesQuery{})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	known := make(map[string]bool, len(instances))
	knownIDs := make(map[string]bool, len(instances))
	for _, instance := range instances {
		if instance.ContainerID != "" {
			known[instance.ContainerID] = true
		}
		knownIDs[instance.ID] = true
	}

	var orphans []*types.OrphanContainer
	for _, oc := range owned {
		if known[oc.ContainerID] {
			continue
		}

		orphan := &types.OrphanContainer{
			ContainerID: oc.ContainerID,
			Name:        oc.Name,
			InstanceID:  oc.InstanceID,
			Kind:        oc.Kind,
			Running:     oc.Running,
		}

		detail, err := r.daemon.DescribeContainer(ctx, oc.ContainerID)
		if err != nil {
			// Vanished between list and inspect; not an orphan anymore.
			if types.IsKind(err, types.ErrorKindGone) {
				continue
			}
			orphan.SkipReason = fmt.Sprintf("inspect failed: %s", err.Error())
			orphans = append(orphans, orphan)
			continue
		}

		orphan.Port = detail.Port
		orphan.GPUID = detail.GPUID
		orphan.Running = detail.Running
		if oc.Kind == types.EngineKindVLLM {
			orphan.ModelRef = docker.ModelRefFromCommand(detail.Cmd, detail.Env)
		}

		if orphan.Port == 0 {
			orphan.SkipReason = "no host port binding"
		} else if knownIDs[orphan.InstanceID] {
			orphan.SkipReason = "instance id already present"
		}
		orphans = append(orphans, orphan)
	}
	return orphans, nil
}

// Reconcile runs one full pass: sweep stale reservations, detect
// orphans, and (when autoImport is set) import every importable one.
func (r *Reconciler) Reconcile(ctx context.Context, autoImport bool) (*types.ReconcileReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := &types.ReconcileReport{StartedAt: time.Now()}

	stale, err := r.cleanStaleReservations(ctx)
	if err != nil {
		return nil, err
	}
	report.StaleReservations = stale

	orphans, err := r.DetectOrphans(ctx)
	if err != nil {
		return nil, err
	}
	report.Orphans = orphans

	if autoImport {
		r.importOrphans(ctx, report, orphans, nil)
	}

	report.FinishedAt = time.Now()
	log.Info().
		Int("orphans", len(report.Orphans)).
		Int("imported", len(report.Imported)).
		Int("stale_reservations", len(report.StaleReservations)).
		Msg("reconcile pass finished")
	return report, nil
}

// ImportByContainerIDs imports only the named subset of the current
// orphans.
func (r *Reconciler) ImportByContainerIDs(ctx context.Context, containerIDs []string) (*types.ReconcileReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := &types.ReconcileReport{StartedAt: time.Now()}

	stale, err := r.cleanStaleReservations(ctx)
	if err != nil {
		return nil, err
	}
	report.StaleReservations = stale

	orphans, err := r.DetectOrphans(ctx)
	if err != nil {
		return nil, err
	}
	report.Orphans = orphans

	wanted := make(map[string]bool, len(containerIDs))
	for _, id := range containerIDs {
		wanted[id] = true
	}
	r.importOrphans(ctx, report, orphans, wanted)

	report.FinishedAt = time.Now()
	return report, nil
}

// importOrphans imports each eligible orphan. Record insert and port
// reservation land in one transaction; a failure leaves the prior
// reservation sweep durable and the orphan for the next pass.
func (r *Reconciler) importOrphans(ctx context.Context, report *types.ReconcileReport, orphans []*types.OrphanContainer, wanted map[string]bool) {
	for _, orphan := range orphans {
		if wanted != nil && !wanted[orphan.ContainerID] {
			continue
		}
		if orphan.SkipReason != "" {
			report.Skipped = append(report.Skipped, orphan.ContainerID)
			continue
		}
		if err := r.importOne(ctx, orphan); err != nil {
			if errors.Is(err, store.ErrPortAlreadyReserved) {
				orphan.SkipReason = "port conflict"
			} else {
				orphan.SkipReason = err.Error()
			}
			log.Warn().
				Err(err).
				Str("container_id", orphan.ContainerID).
				Str("name", orphan.Name).
				Msg("orphan import failed")
			report.Skipped = append(report.Skipped, orphan.ContainerID)
			continue
		}
		report.Imported = append(report.Imported, orphan.ContainerID)
	}
}

func (r *Reconciler) importOne(ctx context.Context, orphan *types.OrphanContainer) error {
	status := types.InstanceStatusStopped
	if orphan.Running {
		status = types.InstanceStatusRunning
	}

	now := time.Now()
	instance := &types.Instance{
		ID:          orphan.InstanceID,
		Kind:        orphan.Kind,
		Name:        orphanInstanceName(orphan),
		ModelRef:    orphan.ModelRef,
		Port:        orphan.Port,
		ContainerID: orphan.ContainerID,
		Status:      status,
		GPUID:       normalizeGPUID(orphan.GPUID),
		Config: types.InstanceConfig{
			GPUSelection: orphan.GPUID,
			Imported:     true,
			ImportedFrom: orphan.Name,
			ImportedAt:   &now,
		},
	}

	_, err := r.store.CreateInstanceWithReservation(ctx, instance)
	if err != nil {
		return err
	}

	log.Info().
		Str("instance_id", instance.ID).
		Str("container_id", orphan.ContainerID[:12]).
		Int("port", instance.Port).
		Str("kind", string(instance.Kind)).
		Msg("imported orphan container")
	return nil
}

func orphanInstanceName(orphan *types.OrphanContainer) string {
	if parsed, ok := docker.ParseContainerName(orphan.Name); ok {
		return parsed.InstanceName
	}
	return orphan.Name
}

// "auto" on an imported record means the container was created with
// all-device visibility.
func normalizeGPUID(gpuID string) string {
	if gpuID == "all" {
		return "auto"
	}
	return gpuID
}

// cleanStaleReservations deletes every reservation whose instance no
// longer exists. Runs independently of orphan import.
func (r *Reconciler) cleanStaleReservations(ctx context.Context) ([]int, error) {
	reservations, err := r.store.ListReservations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}

	var stale []int
	for _, reservation := range reservations {
		_, err := r.store.GetInstance(ctx, reservation.InstanceID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return stale, err
		}
		if err := r.store.ReleasePort(ctx, reservation.Port); err != nil {
			return stale, fmt.Errorf("failed to release stale port %d: %w", reservation.Port, err)
		}
		log.Info().
			Int("port", reservation.Port).
			Str("instance_id", reservation.InstanceID).
			Msg("dropped stale port reservation")
		stale = append(stale, reservation.Port)
	}
	return stale, nil
}

// ReconcileWithTimeout is the read-path entry: it must not hold up a
// listing longer than the budget. On timeout the caller serves the
// stale view with a warning.
func (r *Reconciler) ReconcileWithTimeout(ctx context.Context, timeout time.Duration, autoImport bool) (*types.ReconcileReport, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		report *types.ReconcileReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := r.Reconcile(ctx, autoImport)
		done <- result{report, err}
	}()

	select {
	case res := <-done:
		return res.report, res.err
	case <-ctx.Done():
		return nil, types.NewTimeoutError("reconcile did not finish in time", ctx.Err())
	}
}
