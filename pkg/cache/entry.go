package cache

import (
	"time"
)

// Entry represents a cached value and its bookkeeping.
type Entry[V any] struct {
	// Key is the cache key (caller supplied or derived via HashKey)
	Key string

	// Value is the cached payload
	Value V

	// CreatedAt is when the entry was inserted
	CreatedAt time.Time

	// TTL is how long after CreatedAt the entry stays valid
	TTL time.Duration

	// SizeBytes is the Sizer estimate used for the memory budget
	SizeBytes int64

	// AccessCount is incremented on every successful Get
	AccessCount uint64

	// LastAccessedAt drives LRU order. Equal to CreatedAt until the first Get.
	LastAccessedAt time.Time

	// index is the position in the eviction heap.
	index int

	// seq orders entries inserted at the same instant.
	seq uint64
}

// ExpiresAt returns the instant after which the entry is expired.
func (e *Entry[V]) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// IsExpiredAt returns true if the entry is expired at now.
// An entry is expired when now - CreatedAt > TTL.
func (e *Entry[V]) IsExpiredAt(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Remaining returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry[V]) Remaining(now time.Time) time.Duration {
	ttl := e.ExpiresAt().Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// lruHeap orders entries by LastAccessedAt, ties broken by CreatedAt, then
// by insertion order. The root is the next eviction victim.
type lruHeap[V any] []*Entry[V]

func (h lruHeap[V]) Len() int { return len(h) }

func (h lruHeap[V]) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

func (h lruHeap[V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *lruHeap[V]) Push(x any) {
	e := x.(*Entry[V])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *lruHeap[V]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
