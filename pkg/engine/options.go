package engine

import (
	"fmt"
	"math"
	"time"
)

// Defaults for the recognized configuration options.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultCacheTTL         = 5 * time.Minute
	DefaultBatchConcurrency = 4

	// DefaultStalenessWindow is how long a pending execution may run before
	// a new caller treats it as abandoned and starts over.
	DefaultStalenessWindow = 30 * time.Second
)

// RetryPolicy holds the configuration for retry logic.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first one.
	MaxRetries int

	// BaseDelay is the delay before the first retry (before jitter).
	BaseDelay time.Duration

	// MaxDelay caps the exponential part of the delay.
	MaxDelay time.Duration

	// BackoffFactor is the multiplier for exponential backoff.
	BackoffFactor float64

	// MaxJitter is the upper bound of the uniform jitter added to each delay.
	MaxJitter time.Duration
}

// DefaultRetryPolicy returns the default retry configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		MaxJitter:     1 * time.Second,
	}
}

// NoRetry returns a policy that makes exactly one attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{BackoffFactor: 1}
}

// Backoff returns the delay before retry n (1-indexed), without jitter.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(n-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Validate checks the policy for unusable values.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must be >= 0 (got %d)", ErrInvalidConfig, p.MaxRetries)
	case p.BaseDelay < 0:
		return fmt.Errorf("%w: base_delay must be >= 0 (got %v)", ErrInvalidConfig, p.BaseDelay)
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("%w: max_delay must be >= base_delay (got %v < %v)", ErrInvalidConfig, p.MaxDelay, p.BaseDelay)
	case p.BackoffFactor < 1:
		return fmt.Errorf("%w: backoff_factor must be >= 1 (got %v)", ErrInvalidConfig, p.BackoffFactor)
	case p.MaxJitter < 0:
		return fmt.Errorf("%w: max_jitter must be >= 0 (got %v)", ErrInvalidConfig, p.MaxJitter)
	}
	return nil
}

// Options configure a single Execute call.
//
// Zero Timeout, Retry and CacheTTL are filled from the engine defaults.
// Cacheable is never defaulted; start from Engine.Options() to inherit it.
type Options struct {
	// Timeout bounds each attempt.
	Timeout time.Duration

	// Retry is the retry policy. Use NoRetry() for a single attempt.
	Retry RetryPolicy

	// Cacheable stores successful results in the engine cache.
	Cacheable bool

	// CacheTTL is the TTL for cached results.
	CacheTTL time.Duration
}

// DefaultOptions returns the default per-call options.
func DefaultOptions() Options {
	return Options{
		Timeout:   DefaultTimeout,
		Retry:     DefaultRetryPolicy(),
		Cacheable: false,
		CacheTTL:  DefaultCacheTTL,
	}
}

// Validate checks the options for unusable values.
func (o Options) Validate() error {
	if o.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be > 0 (got %v)", ErrInvalidConfig, o.Timeout)
	}
	if err := o.Retry.Validate(); err != nil {
		return err
	}
	if o.Cacheable && o.CacheTTL <= 0 {
		return fmt.Errorf("%w: cache_ttl must be > 0 when cacheable (got %v)", ErrInvalidConfig, o.CacheTTL)
	}
	return nil
}

// withDefaults fills zero fields from d.
func (o Options) withDefaults(d Options) Options {
	if o.Timeout == 0 {
		o.Timeout = d.Timeout
	}
	if o.Retry == (RetryPolicy{}) {
		o.Retry = d.Retry
	}
	if o.CacheTTL == 0 {
		o.CacheTTL = d.CacheTTL
	}
	return o
}
