package cache

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrInvalidTTL indicates a Set with a zero or negative TTL.
	// Entries never live indefinitely.
	ErrInvalidTTL = errors.New("ttl must be positive")

	// ErrInvalidConfig indicates an unusable cache configuration.
	ErrInvalidConfig = errors.New("invalid cache config")
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Config holds the cache configuration.
type Config struct {
	// Name labels metrics and logs (default: "default")
	Name string

	// MaxSizeBytes is the memory ceiling for the sum of entry sizes
	MaxSizeBytes int64

	// Clock overrides time.Now (for testing)
	Clock Clock

	// Logger receives cache events (zero value: disabled)
	Logger zerolog.Logger
}

// DefaultConfig returns a default configuration with a 50 MiB ceiling.
func DefaultConfig() Config {
	return Config{
		Name:         "default",
		MaxSizeBytes: 50 << 20,
	}
}

// Cache is a concurrency-safe key/value store with per-entry TTL, byte-size
// accounting and LRU eviction. All mutations hold mu for their full critical
// section.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[V]
	lru     lruHeap[V]

	name        string
	maxSize     int64
	currentSize int64
	seq         uint64
	sizer       Sizer[V]
	now         Clock
	logger      zerolog.Logger

	stats Stats
}

// New creates a new cache. A nil sizer falls back to JSONSizer.
func New[V any](cfg Config, sizer Sizer[V]) (*Cache[V], error) {
	if cfg.MaxSizeBytes <= 0 {
		return nil, fmt.Errorf("%w: max_size_bytes must be > 0 (got %d)", ErrInvalidConfig, cfg.MaxSizeBytes)
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if sizer == nil {
		sizer = JSONSizer[V]()
	}

	return &Cache[V]{
		entries: make(map[string]*Entry[V]),
		name:    cfg.Name,
		maxSize: cfg.MaxSizeBytes,
		sizer:   sizer,
		now:     cfg.Clock,
		logger:  cfg.Logger.With().Str("cache", cfg.Name).Logger(),
		stats:   Stats{MaxSizeBytes: cfg.MaxSizeBytes},
	}, nil
}

// Name returns the cache name used for metrics.
func (c *Cache[V]) Name() string {
	return c.name
}

// Set stores value under key for ttl.
//
// A value whose estimated size exceeds MaxSizeBytes is not stored and is
// reported via Stats.Rejected, not as an error. Replacing an existing key
// subtracts its old size first; then least-recently-used entries are evicted
// until the new entry fits.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		c.reject(reasonInvalid)
		return fmt.Errorf("%w (got %v)", ErrInvalidTTL, ttl)
	}

	size, err := c.sizer.Size(value)
	if err != nil {
		c.reject(reasonInvalid)
		return fmt.Errorf("size value: %w", err)
	}
	if size < 0 {
		c.reject(reasonInvalid)
		return fmt.Errorf("size value: negative size %d", size)
	}

	if size > c.maxSize {
		c.reject(reasonTooLarge)
		c.logger.Warn().
			Str("key", key).
			Int64("size_bytes", size).
			Int64("max_size_bytes", c.maxSize).
			Msg("Value too large for cache, not stored")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}

	evicted := 0
	for c.currentSize+size > c.maxSize && c.lru.Len() > 0 {
		victim := heap.Pop(&c.lru).(*Entry[V])
		delete(c.entries, victim.Key)
		c.currentSize -= victim.SizeBytes
		c.stats.Evictions++
		evicted++
		c.logger.Debug().
			Str("key", victim.Key).
			Int64("size_bytes", victim.SizeBytes).
			Msg("Evicted least recently used entry")
	}
	if evicted > 0 {
		CacheEvictions.WithLabelValues(c.name, reasonLRU).Add(float64(evicted))
	}

	entry := &Entry[V]{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		TTL:            ttl,
		SizeBytes:      size,
		LastAccessedAt: now,
		seq:            c.seq,
	}
	c.seq++
	heap.Push(&c.lru, entry)
	c.entries[key] = entry
	c.currentSize += size
	c.stats.Sets++

	c.updateGaugesLocked()
	return nil
}

// Get returns the value stored under key.
// An expired entry is removed and counted as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		CacheMisses.WithLabelValues(c.name).Inc()
		return zero, false
	}

	now := c.now()
	if entry.IsExpiredAt(now) {
		c.removeLocked(entry)
		c.stats.Expirations++
		c.stats.Misses++
		CacheEvictions.WithLabelValues(c.name, reasonExpired).Inc()
		CacheMisses.WithLabelValues(c.name).Inc()
		c.updateGaugesLocked()
		return zero, false
	}

	entry.AccessCount++
	entry.LastAccessedAt = now
	heap.Fix(&c.lru, entry.index)

	c.stats.Hits++
	CacheHits.WithLabelValues(c.name).Inc()
	return entry.Value, true
}

// Has reports whether key holds a live entry. It is read-only: it neither
// updates access metadata (LRU position) nor counts a hit or miss, and it
// leaves expired entries for Get or Sweep to remove.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	return ok && !entry.IsExpiredAt(c.now())
}

// Delete removes key. Returns true if an entry was removed.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(entry)
	c.stats.Deletes++
	c.updateGaugesLocked()
	return true
}

// Clear removes all entries. Each removed entry counts as a delete.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Deletes += uint64(len(c.entries))
	c.entries = make(map[string]*Entry[V])
	c.lru = nil
	c.currentSize = 0
	c.updateGaugesLocked()
}

// Sweep removes every expired entry and returns how many were purged.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	purged := 0
	for _, entry := range c.entries {
		if entry.IsExpiredAt(now) {
			c.removeLocked(entry)
			purged++
		}
	}
	if purged > 0 {
		c.stats.Expirations += uint64(purged)
		CacheEvictions.WithLabelValues(c.name, reasonExpired).Add(float64(purged))
		c.updateGaugesLocked()
	}
	return purged
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Count = len(c.entries)
	s.CurrentSizeBytes = c.currentSize
	return s
}

// Snapshot returns copies of all live entries.
func (c *Cache[V]) Snapshot() []Entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]Entry[V], 0, len(c.entries))
	for _, entry := range c.entries {
		if entry.IsExpiredAt(now) {
			continue
		}
		cp := *entry
		cp.index = -1
		out = append(out, cp)
	}
	return out
}

// removeLocked drops entry from the map and heap and releases its size.
func (c *Cache[V]) removeLocked(entry *Entry[V]) {
	delete(c.entries, entry.Key)
	if entry.index >= 0 && entry.index < c.lru.Len() && c.lru[entry.index] == entry {
		heap.Remove(&c.lru, entry.index)
	}
	c.currentSize -= entry.SizeBytes
}

func (c *Cache[V]) reject(reason string) {
	c.mu.Lock()
	c.stats.Rejected++
	c.mu.Unlock()
	CacheRejected.WithLabelValues(c.name, reason).Inc()
}

func (c *Cache[V]) updateGaugesLocked() {
	CacheSize.WithLabelValues(c.name).Set(float64(c.currentSize))
	CacheEntries.WithLabelValues(c.name).Set(float64(len(c.entries)))
}
