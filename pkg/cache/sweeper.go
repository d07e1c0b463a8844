package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// sweepable is the part of Cache the sweeper needs.
type sweepable interface {
	Sweep() int
	Name() string
}

// Sweeper periodically purges expired entries from a cache.
// The process owns it: Start once, Stop on shutdown.
type Sweeper struct {
	cache    sweepable
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSweeper creates a sweeper for c. interval <= 0 disables the timer; SweepNow still works.
func NewSweeper[V any](c *Cache[V], interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		cache:    c,
		interval: interval,
		logger:   logger.With().Str("cache", c.Name()).Logger(),
	}
}

// Start launches the background sweep loop. It stops when ctx is done or
// Stop is called. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.interval <= 0 {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(loopCtx)

	s.logger.Info().Dur("interval", s.interval).Msg("Cache sweeper started")
}

// Stop cancels the loop and waits for it to exit. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	// Cancel outside the lock so a concurrent SweepNow is never blocked.
	cancel()
	s.wg.Wait()

	s.logger.Info().Msg("Cache sweeper stopped")
}

// SweepNow runs one sweep synchronously and returns the number of purged entries.
func (s *Sweeper) SweepNow() int {
	purged := s.cache.Sweep()
	if purged > 0 {
		s.logger.Info().Int("purged", purged).Msg("Swept expired cache entries")
	} else {
		s.logger.Debug().Msg("Cache sweep found nothing to purge")
	}
	return purged
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepNow()
		}
	}
}
