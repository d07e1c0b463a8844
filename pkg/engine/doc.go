// Package engine executes units of work against the AI provider with
// request coalescing, retries and optional memoization into a cache.
//
// A unit of work is identified by a deterministic key. For each key the
// engine keeps at most one pending execution: concurrent callers with the same
// key attach to it and all observe the same outcome. A pending execution older
// than the staleness window is treated as abandoned, cancelled, and replaced
// by a fresh one.
//
// Failures are classified (see ErrorClass). Client errors (4xx except 429)
// are terminal; network errors, timeouts, 5xx and 429 are retried with
// exponential backoff plus uniform jitter:
//
//	delay(n) = min(BaseDelay * BackoffFactor^(n-1), MaxDelay) + jitter
//
// Every caller receives a *RequestError carrying the key, class, status code
// and attempt count.
//
// # Basic Usage
//
//	eng, err := engine.New(c, engine.DefaultConfig())
//	if err != nil {
//		return err
//	}
//
//	opts := eng.Options()
//	opts.Cacheable = true
//
//	summary, err := eng.Execute(ctx, cache.HashKey("summarize", text, nil),
//		func(ctx context.Context) (string, error) {
//			return provider.Summarize(ctx, text)
//		}, opts)
//
// # Batching
//
// Batch runs every request concurrently; ExecuteParallelWithLimit runs them in
// windows of a fixed size. Both return one Result per request in input order,
// so one failure never discards successful siblings.
package engine
