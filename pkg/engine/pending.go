package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const pendingShards = 16

// pendingRequest is one in-flight execution shared by every caller attached
// to its key. value and err are written once, before done is closed.
type pendingRequest[V any] struct {
	key       string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	done  chan struct{}
	once  sync.Once
	value V
	err   error

	// waiters counts attached callers that have not detached
	waiters atomic.Int32
}

func (p *pendingRequest[V]) isStale(now time.Time, window time.Duration) bool {
	return now.Sub(p.startedAt) > window
}

type pendingShard[V any] struct {
	mu sync.Mutex
	m  map[string]*pendingRequest[V]
}

// pendingTable maps keys to their pending execution. Keys are spread over
// shards by xxhash so unrelated keys do not contend on one lock.
type pendingTable[V any] struct {
	shards [pendingShards]pendingShard[V]
}

func newPendingTable[V any]() *pendingTable[V] {
	t := &pendingTable[V]{}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*pendingRequest[V])
	}
	return t
}

func (t *pendingTable[V]) shard(key string) *pendingShard[V] {
	return &t.shards[xxhash.Sum64String(key)%pendingShards]
}

// attachOrCreate returns the live pending execution for key, or registers the
// one built by create. Lookup and insert happen under one lock. A stale entry
// is replaced and returned as superseded so the caller can cancel it.
func (t *pendingTable[V]) attachOrCreate(key string, now time.Time, window time.Duration, create func() *pendingRequest[V]) (p *pendingRequest[V], created bool, superseded *pendingRequest[V]) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.m[key]; ok {
		if !existing.isStale(now, window) {
			return existing, false, nil
		}
		superseded = existing
	}

	p = create()
	s.m[key] = p
	return p, true, superseded
}

// remove deletes p only if it is still the registered entry for its key.
func (t *pendingTable[V]) remove(p *pendingRequest[V]) bool {
	s := t.shard(p.key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.m[p.key] != p {
		return false
	}
	delete(s.m, p.key)
	return true
}

func (t *pendingTable[V]) get(key string) (*pendingRequest[V], bool) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.m[key]
	return p, ok
}

func (t *pendingTable[V]) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// collect returns every entry matching keep.
func (t *pendingTable[V]) collect(keep func(*pendingRequest[V]) bool) []*pendingRequest[V] {
	var out []*pendingRequest[V]
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, p := range s.m {
			if keep(p) {
				out = append(out, p)
			}
		}
		s.mu.Unlock()
	}
	return out
}
