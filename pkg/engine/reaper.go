package engine

import (
	"context"
	"time"
)

// ReapStale cancels every pending execution older than the staleness window
// with ErrStaleSuperseded and returns how many were cancelled.
func (e *Engine[V]) ReapStale() int {
	now := e.cfg.Clock()
	stale := e.pending.collect(func(p *pendingRequest[V]) bool {
		return p.isStale(now, e.cfg.StalenessWindow)
	})

	for _, p := range stale {
		EngineStaleSuperseded.Inc()
		e.logger.Warn().
			Str("key", p.key).
			Dur("age", now.Sub(p.startedAt)).
			Msg("Reaping stale pending request")
		e.abort(p, ErrStaleSuperseded)
	}
	return len(stale)
}

// StartReaper runs ReapStale every interval until ctx is cancelled or
// StopReaper is called. Starting a running reaper is a no-op.
func (e *Engine[V]) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.StalenessWindow
	}

	e.reaperMu.Lock()
	defer e.reaperMu.Unlock()
	if e.reaperCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.reaperCancel = cancel
	e.reaperWG.Add(1)

	go func() {
		defer e.reaperWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		e.logger.Info().Dur("interval", interval).Msg("Stale request reaper started")
		for {
			select {
			case <-ctx.Done():
				e.logger.Info().Msg("Stale request reaper stopped")
				return
			case <-ticker.C:
				e.ReapStale()
			}
		}
	}()
}

// StopReaper stops the reaper and waits for it to exit. It is idempotent.
func (e *Engine[V]) StopReaper() {
	e.reaperMu.Lock()
	cancel := e.reaperCancel
	e.reaperCancel = nil
	e.reaperMu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.reaperWG.Wait()
}
