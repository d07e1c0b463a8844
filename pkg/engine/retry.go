package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// retry runs fn until it succeeds, fails terminally or exhausts the policy.
// It respects cancellation of ctx between and during attempts.
func (e *Engine[V]) retry(ctx context.Context, key string, fn Work[V], opts Options) (V, error) {
	var zero V
	policy := opts.Retry

	for attempt := 1; ; attempt++ {
		start := time.Now()
		v, err := e.attempt(ctx, fn, opts.Timeout)
		EngineAttemptDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			if attempt > 1 {
				e.logger.Info().
					Str("key", key).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return v, nil
		}

		if ctx.Err() != nil {
			return zero, &RequestError{Key: key, Class: ErrorClassCancelled, Attempts: attempt, Err: context.Cause(ctx)}
		}

		class := Classify(err)
		reqErr := &RequestError{
			Key:        key,
			Class:      class,
			StatusCode: statusOf(err),
			Attempts:   attempt,
			Err:        err,
		}

		if !class.Retryable() {
			e.logger.Warn().
				Str("key", key).
				Str("error_class", string(class)).
				Int("status_code", reqErr.StatusCode).
				Err(err).
				Msg("Request failed with non-retryable error")
			return zero, reqErr
		}

		if attempt > policy.MaxRetries {
			reqErr.Exhausted = true
			EngineRetryExhausted.WithLabelValues(string(class)).Inc()
			e.logger.Error().
				Str("key", key).
				Str("error_class", string(class)).
				Int("attempts", attempt).
				Err(err).
				Msg("Retry attempts exhausted")
			return zero, reqErr
		}

		delay := e.backoff(policy, attempt, err)
		EngineRetries.WithLabelValues(string(class)).Inc()
		EngineRetryBackoff.WithLabelValues(string(class)).Observe(delay.Seconds())
		e.logger.Warn().
			Str("key", key).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("Retrying request after backoff")

		if err := e.cfg.Sleep(ctx, delay); err != nil {
			e.logger.Warn().
				Str("key", key).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return zero, &RequestError{Key: key, Class: ErrorClassCancelled, Attempts: attempt, Err: context.Cause(ctx)}
		}
	}
}

// backoff returns the delay before retry n: the exponential delay plus jitter,
// raised to a server-requested Retry-After (capped at MaxDelay).
func (e *Engine[V]) backoff(policy RetryPolicy, n int, err error) time.Duration {
	delay := policy.Backoff(n)
	if policy.MaxJitter > 0 {
		delay += e.cfg.Jitter(policy.MaxJitter)
	}

	if ra := min(retryAfterOf(err), policy.MaxDelay); ra > delay {
		delay = ra
	}
	return delay
}

type attemptResult[V any] struct {
	value V
	err   error
}

// attempt runs fn once, bounded by timeout. The result is abandoned when the
// timeout fires even if fn ignores its context.
func (e *Engine[V]) attempt(ctx context.Context, fn Work[V], timeout time.Duration) (V, error) {
	var zero V
	timeoutErr := fmt.Errorf("%w after %v", ErrAttemptTimeout, timeout)
	attemptCtx, cancel := context.WithTimeoutCause(ctx, timeout, timeoutErr)
	defer cancel()

	ch := make(chan attemptResult[V], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- attemptResult[V]{err: fmt.Errorf("work panicked: %v", r)}
			}
		}()
		v, err := fn(attemptCtx)
		ch <- attemptResult[V]{value: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() == nil && errors.Is(context.Cause(attemptCtx), timeoutErr) {
			return zero, fmt.Errorf("%w: %w", timeoutErr, r.err)
		}
		return r.value, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, context.Cause(ctx)
		}
		return zero, timeoutErr
	}
}
