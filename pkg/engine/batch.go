package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Request is one entry of a batch.
type Request[V any] struct {
	Key     string
	Fn      Work[V]
	Options Options
}

// Result is the outcome of one batch entry.
type Result[V any] struct {
	Value V
	Err   error
}

// Batch runs every request concurrently through Execute. Results are in input
// order; a failing request does not affect its siblings.
func (e *Engine[V]) Batch(ctx context.Context, requests []Request[V]) []Result[V] {
	return e.ExecuteParallelWithLimit(ctx, requests, len(requests))
}

// ExecuteParallelWithLimit runs requests in windows of concurrency. All
// requests of a window run concurrently and the whole window settles before
// the next one starts. Results are in input order. A concurrency <= 0 uses the
// configured BatchConcurrency.
//
// Once ctx is done the remaining requests are not started and their slots
// carry a cancelled RequestError.
func (e *Engine[V]) ExecuteParallelWithLimit(ctx context.Context, requests []Request[V], concurrency int) []Result[V] {
	results := make([]Result[V], len(requests))
	if concurrency <= 0 {
		concurrency = e.cfg.BatchConcurrency
	}

	for start := 0; start < len(requests); start += concurrency {
		end := min(start+concurrency, len(requests))

		if err := ctx.Err(); err != nil {
			for i := start; i < len(requests); i++ {
				results[i].Err = &RequestError{Key: requests[i].Key, Class: ErrorClassCancelled, Err: context.Cause(ctx)}
			}
			break
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				r := requests[i]
				results[i].Value, results[i].Err = e.Execute(ctx, r.Key, r.Fn, r.Options)
				return nil
			})
		}
		_ = g.Wait()

		e.logger.Debug().
			Int("window_start", start).
			Int("window_size", end-start).
			Msg("Batch window settled")
	}

	return results
}
