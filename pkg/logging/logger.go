// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"

	// LevelDisabled turns logging off.
	LevelDisabled LogLevel = "disabled"
)

// Component names used with NewLogger.
const (
	ComponentProxy     = "ai-proxy"
	ComponentCache     = "cache"
	ComponentEngine    = "engine"
	ComponentClient    = "provider-client"
	ComponentRateLimit = "ratelimit"
	ComponentSweeper   = "cache-sweeper"
	ComponentSnapshot  = "cache-snapshot"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Service and Version are attached to every event when set.
	Service string
	Version string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it. Loggers created
// afterwards with NewLogger inherit its output, level and fields.
func Setup(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	if cfg.Version != "" {
		ctx = ctx.Str("version", cfg.Version)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// ParseLevel converts LogLevel to zerolog.Level. Matching is case-insensitive;
// unknown levels map to Info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, key, TTL)
//   - Request coalescing (attach to pending request)
//   - Rate limit state updates (healthy)
//
// Info: Normal operation events
//   - Server startup/shutdown
//   - Sweeps that purged entries
//   - Snapshot flush/restore
//   - Requests that succeeded after retry
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts
//   - Values too large for the cache
//   - Stale pending requests superseded
//   - Rate limit throttling
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries)
//   - Snapshot flush failures
//   - Configuration errors
//
// Context Fields:
//   - key: request/cache key
//   - attempt: attempt number (1-indexed)
//   - error_class: error classification (client, server, rate_limit, network, timeout, cancelled)
//   - status_code: HTTP status code
//   - backoff: delay before the next attempt
//   - size_bytes: estimated entry size
//   - ttl: cache entry TTL
//   - requests_remaining: current provider rate limit budget
