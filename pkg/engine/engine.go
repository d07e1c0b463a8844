package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/ai-resilience/pkg/cache"
	"github.com/Sternrassler/ai-resilience/pkg/logging"
)

// Work is a unit of work. ctx carries the per-attempt timeout and
// cancellation of the execution.
type Work[V any] func(ctx context.Context) (V, error)

// Config holds the engine configuration.
type Config struct {
	// Defaults fill zero fields of per-call Options
	Defaults Options

	// StalenessWindow is the age after which a pending execution is superseded
	StalenessWindow time.Duration

	// BatchConcurrency is the default window size for ExecuteParallelWithLimit
	BatchConcurrency int

	// Logger receives engine events (zero value: disabled)
	Logger zerolog.Logger

	// Clock overrides time.Now (for testing)
	Clock func() time.Time

	// Sleep waits between attempts (for testing)
	Sleep func(ctx context.Context, d time.Duration) error

	// Jitter returns a uniform random duration in [0, limit] (for testing)
	Jitter func(limit time.Duration) time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Defaults:         DefaultOptions(),
		StalenessWindow:  DefaultStalenessWindow,
		BatchConcurrency: DefaultBatchConcurrency,
	}
}

// Engine deduplicates, retries and optionally caches units of work by key.
type Engine[V any] struct {
	cache   *cache.Cache[V]
	pending *pendingTable[V]
	cfg     Config
	logger  zerolog.Logger

	reaperMu     sync.Mutex
	reaperCancel context.CancelFunc
	reaperWG     sync.WaitGroup
}

// New creates a new engine. c may be nil, in which case nothing is cached.
func New[V any](c *cache.Cache[V], cfg Config) (*Engine[V], error) {
	cfg.Defaults = cfg.Defaults.withDefaults(DefaultOptions())
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default options: %w", err)
	}

	if cfg.StalenessWindow < 0 {
		return nil, fmt.Errorf("%w: staleness_window must be >= 0 (got %v)", ErrInvalidConfig, cfg.StalenessWindow)
	}
	if cfg.StalenessWindow == 0 {
		cfg.StalenessWindow = DefaultStalenessWindow
	}
	if cfg.BatchConcurrency < 0 {
		return nil, fmt.Errorf("%w: batch_concurrency must be >= 0 (got %d)", ErrInvalidConfig, cfg.BatchConcurrency)
	}
	if cfg.BatchConcurrency == 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Jitter == nil {
		cfg.Jitter = uniformJitter
	}

	return &Engine[V]{
		cache:   c,
		pending: newPendingTable[V](),
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", logging.ComponentEngine).Logger(),
	}, nil
}

// Options returns the engine's default per-call options.
func (e *Engine[V]) Options() Options {
	return e.cfg.Defaults
}

// Cache returns the cache results are memoized into, or nil.
func (e *Engine[V]) Cache() *cache.Cache[V] {
	return e.cache
}

// Execute runs fn for key, sharing the outcome with every concurrent caller
// of the same key.
//
// When opts.Cacheable is set a cached value is returned without running fn,
// and a successful result is cached for opts.CacheTTL. If ctx ends first the
// caller detaches with a cancelled RequestError; the shared execution keeps
// running for the other callers.
func (e *Engine[V]) Execute(ctx context.Context, key string, fn Work[V], opts Options) (V, error) {
	p, v, hit, err := e.begin(ctx, key, fn, opts)
	if err != nil || hit {
		return v, err
	}
	return e.wait(ctx, p)
}

// begin resolves options, consults the cache and attaches to (or starts) the
// pending execution for key.
func (e *Engine[V]) begin(ctx context.Context, key string, fn Work[V], opts Options) (*pendingRequest[V], V, bool, error) {
	var zero V
	if key == "" {
		return nil, zero, false, fmt.Errorf("%w: key is required", ErrInvalidConfig)
	}
	if fn == nil {
		return nil, zero, false, fmt.Errorf("%w: work is required", ErrInvalidConfig)
	}
	opts = opts.withDefaults(e.cfg.Defaults)
	if err := opts.Validate(); err != nil {
		return nil, zero, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, zero, false, &RequestError{Key: key, Class: ErrorClassCancelled, Err: context.Cause(ctx)}
	}

	if opts.Cacheable && e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			EngineExecutions.WithLabelValues(outcomeCacheHit).Inc()
			e.logger.Debug().Str("key", key).Msg("Cache hit")
			return nil, v, true, nil
		}
	}

	return e.acquire(ctx, key, fn, opts), zero, false, nil
}

// acquire attaches to the fresh pending execution for key or starts a new
// one. A stale execution found on the way is cancelled with
// ErrStaleSuperseded.
func (e *Engine[V]) acquire(ctx context.Context, key string, fn Work[V], opts Options) *pendingRequest[V] {
	now := e.cfg.Clock()
	p, created, superseded := e.pending.attachOrCreate(key, now, e.cfg.StalenessWindow, func() *pendingRequest[V] {
		runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
		return &pendingRequest[V]{
			key:       key,
			startedAt: now,
			ctx:       runCtx,
			cancel:    cancel,
			done:      make(chan struct{}),
		}
	})

	if superseded != nil {
		EngineStaleSuperseded.Inc()
		e.logger.Warn().
			Str("key", key).
			Dur("age", now.Sub(superseded.startedAt)).
			Int32("waiters", superseded.waiters.Load()).
			Msg("Superseding stale pending request")
		e.abort(superseded, ErrStaleSuperseded)
	}

	p.waiters.Add(1)
	if created {
		EnginePending.Set(float64(e.pending.len()))
		go e.run(p, fn, opts)
	} else {
		EngineCoalesced.Inc()
		e.logger.Debug().Str("key", key).Msg("Attached to pending request")
	}
	return p
}

// wait blocks until p settles or ctx ends.
func (e *Engine[V]) wait(ctx context.Context, p *pendingRequest[V]) (V, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		p.waiters.Add(-1)
		var zero V
		return zero, &RequestError{Key: p.key, Class: ErrorClassCancelled, Err: context.Cause(ctx)}
	}
}

// run drives one pending execution to completion.
func (e *Engine[V]) run(p *pendingRequest[V], fn Work[V], opts Options) {
	defer p.cancel(nil)

	// A previous execution for this key may have cached the value after our
	// caller missed. The entry keeps its original age.
	if opts.Cacheable && e.cache != nil && e.cache.Has(p.key) {
		if v, ok := e.cache.Get(p.key); ok {
			reuse := opts
			reuse.Cacheable = false
			e.settle(p, v, nil, reuse)
			return
		}
	}

	v, err := e.retry(p.ctx, p.key, fn, opts)
	e.settle(p, v, err, opts)
}

// settle publishes the outcome of p exactly once: cache write on success,
// removal from the pending table, then release of every waiter.
func (e *Engine[V]) settle(p *pendingRequest[V], v V, err error, opts Options) {
	p.once.Do(func() {
		if err == nil && opts.Cacheable && e.cache != nil {
			if cerr := e.cache.Set(p.key, v, opts.CacheTTL); cerr != nil {
				e.logger.Warn().Err(cerr).Str("key", p.key).Msg("Failed to cache result")
			}
		}

		e.pending.remove(p)
		p.value, p.err = v, err
		close(p.done)

		EnginePending.Set(float64(e.pending.len()))
		switch {
		case err == nil:
			EngineExecutions.WithLabelValues(outcomeSuccess).Inc()
		case Classify(err) == ErrorClassCancelled:
			EngineExecutions.WithLabelValues(outcomeCancelled).Inc()
		default:
			EngineExecutions.WithLabelValues(outcomeFailure).Inc()
		}
	})
}

// abort cancels p with cause and releases its waiters immediately, whether or
// not the work honours its context.
func (e *Engine[V]) abort(p *pendingRequest[V], cause error) {
	p.cancel(cause)
	var zero V
	e.settle(p, zero, &RequestError{Key: p.key, Class: ErrorClassCancelled, Err: cause}, Options{})
}

// Cancel cancels the pending execution for key, if any. Every attached
// caller receives an error matching ErrCancelled.
func (e *Engine[V]) Cancel(key string) bool {
	p, ok := e.pending.get(key)
	if !ok {
		return false
	}
	e.logger.Info().
		Str("key", key).
		Int32("waiters", p.waiters.Load()).
		Msg("Cancelling pending request")
	e.abort(p, ErrCancelled)
	return true
}

// Invalidate removes the cached result for key.
func (e *Engine[V]) Invalidate(key string) bool {
	if e.cache == nil {
		return false
	}
	return e.cache.Delete(key)
}

// Pending returns the number of pending executions.
func (e *Engine[V]) Pending() int {
	return e.pending.len()
}

// Close stops the reaper and cancels every pending execution.
func (e *Engine[V]) Close() {
	e.StopReaper()

	all := e.pending.collect(func(*pendingRequest[V]) bool { return true })
	for _, p := range all {
		e.abort(p, ErrCancelled)
	}
	if len(all) > 0 {
		e.logger.Info().Int("cancelled", len(all)).Msg("Engine closed")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func uniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit + 1)
}
