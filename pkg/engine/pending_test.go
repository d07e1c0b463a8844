package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPending(key string, startedAt time.Time) *pendingRequest[string] {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &pendingRequest[string]{
		key:       key,
		startedAt: startedAt,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func TestPendingTable_AttachOrCreateIsAtomic(t *testing.T) {
	table := newPendingTable[string]()
	now := time.Now()
	var created atomic.Int32

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, _ := table.attachOrCreate("k", now, time.Minute, func() *pendingRequest[string] {
				return newTestPending("k", now)
			})
			if ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, table.len())
}

func TestPendingTable_StaleEntryIsSuperseded(t *testing.T) {
	table := newPendingTable[string]()
	start := time.Now()

	first, created, superseded := table.attachOrCreate("k", start, time.Second, func() *pendingRequest[string] {
		return newTestPending("k", start)
	})
	require.True(t, created)
	require.Nil(t, superseded)

	later := start.Add(2 * time.Second)
	second, created, superseded := table.attachOrCreate("k", later, time.Second, func() *pendingRequest[string] {
		return newTestPending("k", later)
	})
	assert.True(t, created)
	assert.Same(t, first, superseded)
	assert.NotSame(t, first, second)

	// Removing the superseded entry must not drop its replacement.
	assert.False(t, table.remove(first))
	got, ok := table.get("k")
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, table.remove(second))
	assert.Equal(t, 0, table.len())
}

func TestPendingTable_Collect(t *testing.T) {
	table := newPendingTable[string]()
	start := time.Now()

	for i := range 10 {
		key := fmt.Sprintf("k%d", i)
		startedAt := start
		if i%2 == 0 {
			startedAt = start.Add(-time.Hour)
		}
		table.attachOrCreate(key, startedAt, time.Minute, func() *pendingRequest[string] {
			return newTestPending(key, startedAt)
		})
	}

	stale := table.collect(func(p *pendingRequest[string]) bool {
		return p.isStale(start, time.Minute)
	})
	assert.Len(t, stale, 5)
	assert.Equal(t, 10, table.len())
}
