package ports

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/modelharbor/modelharbor/api/pkg/store"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

// Allocator hands out host TCP ports from a fixed range, backed by the
// reservation table in the store. It reasons only about its own
// reservation set: whether the OS has something else on the port is the
// container daemon's problem, surfaced as a driver error at create
// time.
type Allocator struct {
	mu    sync.Mutex
	store store.Store
	min   int
	max   int
}

func NewAllocator(s store.Store, min, max int) (*Allocator, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	return &Allocator{
		store: s,
		min:   min,
		max:   max,
	}, nil
}

func (a *Allocator) Range() (int, int) {
	return a.min, a.max
}

// Allocate picks the smallest free port in the range and binds it to
// the instance. The mutex makes "read set, pick smallest, insert"
// linearizable with respect to concurrent allocates and releases in
// this process; the reservation row's primary key backstops us against
// anything else writing the table.
func (a *Allocator) Allocate(ctx context.Context, instanceID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	reservations, err := a.store.ListReservations(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list port reservations: %w", err)
	}

	reserved := make(map[int]bool, len(reservations))
	for _, r := range reservations {
		reserved[r.Port] = true
	}

	for port := a.min; port <= a.max; port++ {
		if reserved[port] {
			continue
		}
		if err := a.store.ReservePort(ctx, port, instanceID); err != nil {
			if errors.Is(err, store.ErrPortAlreadyReserved) {
				// Raced an out-of-band writer; keep scanning.
				continue
			}
			return 0, fmt.Errorf("failed to reserve port %d: %w", port, err)
		}
		log.Debug().Int("port", port).Str("instance_id", instanceID).Msg("allocated port")
		return port, nil
	}

	return 0, types.NewExhaustedError("no free port in range %d-%d", a.min, a.max)
}

// Release drops the reservation. Releasing a port that was never
// reserved is a no-op.
func (a *Allocator) Release(ctx context.Context, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.ReleasePort(ctx, port); err != nil {
		return fmt.Errorf("failed to release port %d: %w", port, err)
	}
	log.Debug().Int("port", port).Msg("released port")
	return nil
}

// Lookup returns the port reserved for the instance, if any.
func (a *Allocator) Lookup(ctx context.Context, instanceID string) (int, bool, error) {
	reservation, err := a.store.GetReservationByInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return reservation.Port, true, nil
}
