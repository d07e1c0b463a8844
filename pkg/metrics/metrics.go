// Package metrics provides the centralized Prometheus registry reference and
// the /metrics handler. All metrics are defined in their respective packages
// (cache, engine, client, ratelimit) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by all packages.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Names lists every metric exported by the module.
var Names = []string{
	// pkg/cache
	"ai_cache_hits_total",
	"ai_cache_misses_total",
	"ai_cache_evictions_total",
	"ai_cache_rejected_total",
	"ai_cache_size_bytes",
	"ai_cache_entries",
	"ai_cache_snapshot_errors_total",

	// pkg/engine
	"ai_engine_executions_total",
	"ai_engine_coalesced_total",
	"ai_engine_attempt_duration_seconds",
	"ai_engine_retries_total",
	"ai_engine_retry_backoff_seconds",
	"ai_engine_retry_exhausted_total",
	"ai_engine_pending_requests",
	"ai_engine_stale_superseded_total",

	// pkg/client
	"ai_provider_requests_total",
	"ai_provider_request_duration_seconds",

	// pkg/ratelimit
	"ai_ratelimit_requests_remaining",
	"ai_ratelimit_waits_total",
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - ai_cache_hits_total{cache} (Counter): Cache hits
//   - ai_cache_misses_total{cache} (Counter): Cache misses (absent or expired)
//   - ai_cache_evictions_total{cache, reason} (Counter): Entries removed by "lru" or "expired"
//   - ai_cache_rejected_total{cache, reason} (Counter): Set calls that stored nothing ("too_large", "invalid")
//   - ai_cache_size_bytes{cache} (Gauge): Accounted size of resident entries
//   - ai_cache_entries{cache} (Gauge): Resident entries
//   - ai_cache_snapshot_errors_total{operation} (Counter): Redis flush/restore failures
//
// Engine Metrics (pkg/engine):
//   - ai_engine_executions_total{outcome} (Counter): Finished executions ("success", "failure", "cancelled", "cache_hit")
//   - ai_engine_coalesced_total (Counter): Callers attached to an existing pending execution
//   - ai_engine_attempt_duration_seconds (Histogram): Duration of individual attempts
//   - ai_engine_retries_total{error_class} (Counter): Retry attempts by error class
//   - ai_engine_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - ai_engine_retry_exhausted_total{error_class} (Counter): Executions that exhausted their retries
//   - ai_engine_pending_requests (Gauge): Pending executions
//   - ai_engine_stale_superseded_total (Counter): Stale pending executions cancelled and replaced
//
// Provider Metrics (pkg/client):
//   - ai_provider_requests_total{status} (Counter): Provider requests by HTTP status or "network_error"
//   - ai_provider_request_duration_seconds (Histogram): Provider request duration
//
// Rate Limit Metrics (pkg/ratelimit):
//   - ai_ratelimit_requests_remaining (Gauge): Requests remaining in the provider window
//   - ai_ratelimit_waits_total{reason} (Counter): Requests delayed ("blocked", "throttled")
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(ai_cache_hits_total[5m])) /
//   (sum(rate(ai_cache_hits_total[5m])) + sum(rate(ai_cache_misses_total[5m])))
//
//   # Coalescing Ratio
//   rate(ai_engine_coalesced_total[5m]) / rate(ai_engine_executions_total[5m])
//
//   # Exhausted Retries
//   sum by (error_class) (rate(ai_engine_retry_exhausted_total[5m]))
//
//   # P95 Provider Latency
//   histogram_quantile(0.95, rate(ai_provider_request_duration_seconds_bucket[5m]))
