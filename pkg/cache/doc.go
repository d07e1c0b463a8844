// Package cache provides the bounded in-memory cache that sits in front of the
// AI provider.
//
// The cache implements the following features:
//
// - Per-entry TTL (a Get strictly after CreatedAt+TTL is a miss)
// - Approximate byte-size accounting through a pluggable Sizer
// - Least-recently-used eviction when MaxSizeBytes would be exceeded
// - Periodic sweep of expired entries, owned by the process (see Sweeper)
// - Deterministic, collision-resistant key derivation (HashKey)
// - Explicit flush/restore to Redis (see Snapshotter)
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	c, err := cache.New[string](cache.DefaultConfig(), cache.StringSizer())
//	if err != nil {
//		return err
//	}
//
//	key := cache.HashKey("summarize", transcript, map[string]string{"lang": "en"})
//	if err := c.Set(key, summary, 10*time.Minute); err != nil {
//		return err
//	}
//
//	if v, ok := c.Get(key); ok {
//		// Cache hit
//	}
//
// # Sweeping
//
//	sweeper := cache.NewSweeper(c, time.Minute, logger)
//	sweeper.Start(ctx)
//	defer sweeper.Stop()
//
// # Size Accounting
//
// A value larger than MaxSizeBytes is never stored; the Set is a no-op and is
// counted in Stats.Rejected. Replacing a key subtracts the old entry's size
// before eviction runs, so a key is never counted twice.
//
// # Metrics
//
// The cache exports Prometheus metrics labelled by cache name:
//
//   - ai_cache_hits_total{cache} - Cache hits
//   - ai_cache_misses_total{cache} - Cache misses (absent or expired)
//   - ai_cache_evictions_total{cache,reason} - Entries removed by lru/expired
//   - ai_cache_rejected_total{cache,reason} - Sets that were not stored
//   - ai_cache_size_bytes{cache} - Current accounted size
//   - ai_cache_entries{cache} - Current entry count
package cache
