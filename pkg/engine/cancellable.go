package engine

import (
	"context"
	"sync"
)

// Cancellable is a deferred execution that can be cancelled independently of
// the caller's context.
type Cancellable[V any] struct {
	engine *Engine[V]
	key    string
	fn     Work[V]
	opts   Options

	mu        sync.Mutex
	cancelled bool
	pending   *pendingRequest[V]
}

// CreateCancellable returns a handle for executing fn under key.
func (e *Engine[V]) CreateCancellable(key string, fn Work[V], opts Options) *Cancellable[V] {
	return &Cancellable[V]{
		engine: e,
		key:    key,
		fn:     fn,
		opts:   opts,
	}
}

// Key returns the key of the execution.
func (c *Cancellable[V]) Key() string {
	return c.key
}

// Execute runs the work like Engine.Execute. After Cancel it fails
// immediately with an error matching ErrCancelled.
func (c *Cancellable[V]) Execute(ctx context.Context) (V, error) {
	var zero V

	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return zero, &RequestError{Key: c.key, Class: ErrorClassCancelled, Err: ErrCancelled}
	}
	p, v, hit, err := c.engine.begin(ctx, c.key, c.fn, c.opts)
	if err != nil || hit {
		c.mu.Unlock()
		return v, err
	}
	c.pending = p
	c.mu.Unlock()

	return c.engine.wait(ctx, p)
}

// Cancel aborts the execution this handle is attached to. Every caller
// attached to that execution, through this handle or Engine.Execute, receives
// an error matching ErrCancelled. Cancel is idempotent.
func (c *Cancellable[V]) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	p := c.pending
	c.mu.Unlock()

	if p != nil {
		c.engine.abort(p, ErrCancelled)
	}
}
