package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Eviction and rejection reasons used as metric labels.
const (
	reasonLRU      = "lru"
	reasonExpired  = "expired"
	reasonTooLarge = "too_large"
	reasonInvalid  = "invalid"
)

var (
	// CacheHits tracks cache hits by cache name
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	// CacheMisses tracks cache misses (absent or expired)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	// CacheEvictions tracks entries removed by the cache itself
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_cache_evictions_total",
			Help: "Total number of cache entries evicted",
		},
		[]string{"cache", "reason"}, // "lru", "expired"
	)

	// CacheRejected tracks Set calls that did not store anything
	CacheRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_cache_rejected_total",
			Help: "Total number of values not stored by the cache",
		},
		[]string{"cache", "reason"}, // "too_large", "invalid"
	)

	// CacheSize tracks the accounted cache size in bytes
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ai_cache_size_bytes",
			Help: "Current accounted size of the cache in bytes",
		},
		[]string{"cache"},
	)

	// CacheEntries tracks the number of resident entries
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ai_cache_entries",
			Help: "Current number of cache entries",
		},
		[]string{"cache"},
	)
)

// SnapshotErrors tracks redis flush/restore failures
var SnapshotErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ai_cache_snapshot_errors_total",
		Help: "Total number of cache snapshot operation errors",
	},
	[]string{"operation"}, // "flush", "restore"
)
