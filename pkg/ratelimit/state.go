// Package ratelimit tracks the AI provider's request rate limit and gates
// outgoing requests. It reads the x-ratelimit-remaining-requests,
// x-ratelimit-reset-requests and Retry-After response headers so callers
// wait for the window to reset instead of collecting 429 responses.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRequestsRemaining = "ai:rate_limit:requests_remaining"
	RedisKeyResetTimestamp    = "ai:rate_limit:reset_timestamp"
	RedisKeyLastUpdate        = "ai:rate_limit:last_update"
)

// Thresholds for rate limit decisions.
const (
	// RemainingThresholdCritical blocks requests until the window resets when
	// the remaining request budget falls below this value.
	RemainingThresholdCritical = 1

	// RemainingThresholdWarning applies throttling when the remaining budget
	// falls below this value.
	RemainingThresholdWarning = 5

	// RemainingThresholdHealthy indicates normal operation.
	RemainingThresholdHealthy = 20
)

// State represents the provider's request rate limit as last reported.
type State struct {
	// RequestsRemaining is the number of requests allowed in the current window.
	// Extracted from the x-ratelimit-remaining-requests header.
	RequestsRemaining int `json:"requests_remaining"`

	// ResetAt is when the window resets.
	// Calculated from x-ratelimit-reset-requests or Retry-After.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was recorded.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when RequestsRemaining >= RemainingThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// DefaultState is assumed until the provider reports real data.
func DefaultState(now time.Time) *State {
	return &State{
		RequestsRemaining: 100,
		ResetAt:           now.Add(60 * time.Second),
		LastUpdate:        now,
		IsHealthy:         true,
	}
}

// IsStale returns true if the state is older than maxAge at now.
func (s *State) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should wait for the reset.
func (s *State) NeedsCriticalBlock() bool {
	return s.RequestsRemaining < RemainingThresholdCritical
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *State) NeedsThrottling() bool {
	return s.RequestsRemaining < RemainingThresholdWarning && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *State) TimeUntilReset(now time.Time) time.Duration {
	return max(s.ResetAt.Sub(now), 0)
}

// UpdateHealth updates the IsHealthy field based on RequestsRemaining.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.RequestsRemaining >= RemainingThresholdHealthy
}
