package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Response headers read by the tracker.
const (
	HeaderRemainingRequests = "X-Ratelimit-Remaining-Requests"
	HeaderResetRequests     = "X-Ratelimit-Reset-Requests"
	HeaderRetryAfter        = "Retry-After"
)

// DefaultThrottleDelay is the pause applied in the warning range.
const DefaultThrottleDelay = 1 * time.Second

// Prometheus metrics for rate limit tracking.
var (
	requestsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ai_ratelimit_requests_remaining",
		Help: "Number of requests remaining in the current provider rate limit window",
	})

	waitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_ratelimit_waits_total",
		Help: "Total number of requests delayed by the rate limit tracker by reason",
	}, []string{"reason"})
)

// Tracker monitors the provider rate limit and gates requests.
type Tracker struct {
	store    Store
	logger   zerolog.Logger
	throttle time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a new rate limit tracker. A nil store keeps the state
// in memory.
func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:    store,
		logger:   logger,
		throttle: DefaultThrottleDelay,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// SetClockForTest replaces the clock and sleep function.
func (t *Tracker) SetClockForTest(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	t.now = now
	t.sleep = sleep
}

// SetThrottleDelay sets the pause applied in the warning range.
func (t *Tracker) SetThrottleDelay(d time.Duration) {
	t.throttle = d
}

// State returns the current rate limit state, or a default healthy state if
// none has been recorded.
func (t *Tracker) State(ctx context.Context) (*State, error) {
	state, err := t.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rate limit state: %w", err)
	}
	if state == nil {
		t.logger.Debug().Msg("No rate limit state recorded, returning default healthy state")
		return DefaultState(t.now()), nil
	}
	return state, nil
}

// UpdateFromHeaders parses the provider rate limit headers and stores the
// new state. Responses without rate limit headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	now := t.now()

	var state *State
	if remainStr := headers.Get(HeaderRemainingRequests); remainStr != "" {
		remain, err := strconv.Atoi(strings.TrimSpace(remainStr))
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderRemainingRequests, err)
		}

		var reset time.Duration
		if resetStr := headers.Get(HeaderResetRequests); resetStr != "" {
			reset, err = ParseResetDuration(resetStr)
			if err != nil {
				return fmt.Errorf("parse %s header: %w", HeaderResetRequests, err)
			}
		}

		state = &State{
			RequestsRemaining: remain,
			ResetAt:           now.Add(reset),
			LastUpdate:        now,
		}
	}

	if retryAfter, ok := ParseRetryAfter(headers.Get(HeaderRetryAfter), now); ok {
		if state == nil {
			state = &State{LastUpdate: now}
		}
		state.RequestsRemaining = 0
		if resetAt := now.Add(retryAfter); resetAt.After(state.ResetAt) {
			state.ResetAt = resetAt
		}
	}

	if state == nil {
		return nil
	}
	state.UpdateHealth()

	if err := t.store.Save(ctx, state); err != nil {
		return err
	}

	requestsRemaining.Set(float64(state.RequestsRemaining))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Warn().
			Int("requests_remaining", state.RequestsRemaining).
			Time("reset_at", state.ResetAt).
			Msg("Provider rate limit exhausted - requests will wait for reset")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("requests_remaining", state.RequestsRemaining).
			Msg("Provider rate limit low - requests will be throttled")
	default:
		t.logger.Debug().
			Int("requests_remaining", state.RequestsRemaining).
			Time("reset_at", state.ResetAt).
			Bool("is_healthy", state.IsHealthy).
			Msg("Provider rate limit state updated")
	}

	return nil
}

// Wait blocks until a request may be sent: until the window resets when the
// budget is exhausted, or for the throttle delay when it runs low. It returns
// the context error if ctx ends first.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.State(ctx)
	if err != nil {
		return err
	}

	var (
		delay  time.Duration
		reason string
	)
	switch {
	case state.NeedsCriticalBlock():
		delay, reason = state.TimeUntilReset(t.now()), "blocked"
	case state.NeedsThrottling():
		delay, reason = t.throttle, "throttled"
	}
	if delay <= 0 {
		return nil
	}

	waitsTotal.WithLabelValues(reason).Inc()
	t.logger.Debug().
		Str("reason", reason).
		Int("requests_remaining", state.RequestsRemaining).
		Dur("wait_duration", delay).
		Msg("Waiting for provider rate limit")

	return t.sleep(ctx, delay)
}

// ParseResetDuration parses x-ratelimit-reset-requests, which is either a Go
// style duration ("1s", "6m0s", "20ms") or a number of seconds.
func ParseResetDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative reset %q", v)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative reset %q", v)
	}
	return d, nil
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an HTTP
// date. It reports false for an empty or malformed value.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0), true
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
