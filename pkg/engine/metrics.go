package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Execution outcomes.
const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeCancelled = "cancelled"
	outcomeCacheHit  = "cache_hit"
)

// Prometheus metrics for the request engine.
var (
	EngineExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_engine_executions_total",
		Help: "Total number of finished executions by outcome",
	}, []string{"outcome"})

	EngineCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ai_engine_coalesced_total",
		Help: "Total number of callers attached to an existing pending execution",
	})

	EngineAttemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ai_engine_attempt_duration_seconds",
		Help:    "Duration of individual attempts",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	EngineRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_engine_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	EngineRetryBackoff = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ai_engine_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	EngineRetryExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_engine_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})

	EnginePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ai_engine_pending_requests",
		Help: "Current number of pending executions",
	})

	EngineStaleSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ai_engine_stale_superseded_total",
		Help: "Total number of stale pending executions that were cancelled and replaced",
	})
)
