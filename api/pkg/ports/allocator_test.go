package ports

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelharbor/modelharbor/api/pkg/config"
	"github.com/modelharbor/modelharbor/api/pkg/store"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

func newTestAllocator(t *testing.T, min, max int) (*Allocator, store.Store) {
	t.Helper()

	db, err := store.NewSQLiteStore(config.Store{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	allocator, err := NewAllocator(db, min, max)
	require.NoError(t, err)
	return allocator, db
}

func TestNewAllocatorRejectsBadRange(t *testing.T) {
	_, err := NewAllocator(nil, 0, 10)
	assert.Error(t, err)
	_, err = NewAllocator(nil, 100, 50)
	assert.Error(t, err)
}

func TestAllocateLowestFirst(t *testing.T) {
	allocator, _ := newTestAllocator(t, 8001, 8003)
	ctx := context.Background()

	port, err := allocator.Allocate(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 8001, port)

	port, err = allocator.Allocate(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 8002, port)
}

func TestAllocateReusesReleasedPort(t *testing.T) {
	allocator, _ := newTestAllocator(t, 8001, 8003)
	ctx := context.Background()

	first, err := allocator.Allocate(ctx, "a")
	require.NoError(t, err)
	_, err = allocator.Allocate(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, allocator.Release(ctx, first))

	port, err := allocator.Allocate(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, first, port)
}

func TestAllocateExhausted(t *testing.T) {
	allocator, _ := newTestAllocator(t, 8001, 8002)
	ctx := context.Background()

	_, err := allocator.Allocate(ctx, "a")
	require.NoError(t, err)
	_, err = allocator.Allocate(ctx, "b")
	require.NoError(t, err)

	_, err = allocator.Allocate(ctx, "c")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrorKindExhausted))
}

func TestAllocateSkipsOutOfBandReservation(t *testing.T) {
	allocator, db := newTestAllocator(t, 8001, 8003)
	ctx := context.Background()

	// Reserved behind the allocator's back, e.g. by an orphan import.
	require.NoError(t, db.ReservePort(ctx, 8001, "imported"))

	port, err := allocator.Allocate(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 8002, port)
}

func TestAllocateConcurrentUnique(t *testing.T) {
	allocator, _ := newTestAllocator(t, 8001, 8020)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := allocator.Allocate(ctx, "worker")
			assert.NoError(t, err)
			results <- port
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int]bool{}
	for port := range results {
		assert.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true
	}
	assert.Len(t, seen, workers)
}

func TestLookup(t *testing.T) {
	allocator, _ := newTestAllocator(t, 8001, 8003)
	ctx := context.Background()

	port, err := allocator.Allocate(ctx, "a")
	require.NoError(t, err)

	found, ok, err := allocator.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, port, found)

	_, ok, err = allocator.Lookup(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
