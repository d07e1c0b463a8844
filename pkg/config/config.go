// Package config loads the proxy configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/ai-resilience/pkg/cache"
	"github.com/Sternrassler/ai-resilience/pkg/engine"
	"github.com/Sternrassler/ai-resilience/pkg/logging"
)

// ErrInvalid indicates a configuration value outside its allowed range.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every recognized option.
type Config struct {
	// Cache
	CacheMaxSizeBytes  int64
	CacheSweepInterval time.Duration
	Cacheable          bool
	CacheTTL           time.Duration

	// Engine
	DefaultTimeout         time.Duration
	RetryMaxRetries        int
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	RetryBackoffFactor     float64
	PendingStalenessWindow time.Duration
	BatchConcurrency       int

	// Process
	RedisURL    string
	Port        string
	UpstreamURL string
	APIKey      string
	LogLevel    logging.LogLevel
	LogPretty   bool
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	retry := engine.DefaultRetryPolicy()
	return Config{
		CacheMaxSizeBytes:      cache.DefaultConfig().MaxSizeBytes,
		CacheSweepInterval:     time.Minute,
		Cacheable:              true,
		CacheTTL:               engine.DefaultCacheTTL,
		DefaultTimeout:         engine.DefaultTimeout,
		RetryMaxRetries:        retry.MaxRetries,
		RetryBaseDelay:         retry.BaseDelay,
		RetryMaxDelay:          retry.MaxDelay,
		RetryBackoffFactor:     retry.BackoffFactor,
		PendingStalenessWindow: engine.DefaultStalenessWindow,
		BatchConcurrency:       engine.DefaultBatchConcurrency,
		Port:                   "8080",
		UpstreamURL:            "http://localhost:9000",
		LogLevel:               logging.LevelInfo,
	}
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through lookup, which returns "" for
// unset variables. Malformed values are errors; the result is validated.
func LoadFrom(lookup func(string) string) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	cfg.CacheMaxSizeBytes = p.getInt64("CACHE_MAX_SIZE_BYTES", cfg.CacheMaxSizeBytes)
	cfg.CacheSweepInterval = p.getDuration("CACHE_SWEEP_INTERVAL", cfg.CacheSweepInterval)
	cfg.Cacheable = p.getBool("CACHEABLE", cfg.Cacheable)
	cfg.CacheTTL = p.getDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.DefaultTimeout = p.getDuration("DEFAULT_TIMEOUT", cfg.DefaultTimeout)
	cfg.RetryMaxRetries = p.getInt("RETRY_MAX_RETRIES", cfg.RetryMaxRetries)
	cfg.RetryBaseDelay = p.getDuration("RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	cfg.RetryMaxDelay = p.getDuration("RETRY_MAX_DELAY", cfg.RetryMaxDelay)
	cfg.RetryBackoffFactor = p.getFloat("RETRY_BACKOFF_FACTOR", cfg.RetryBackoffFactor)
	cfg.PendingStalenessWindow = p.getDuration("PENDING_STALENESS_WINDOW", cfg.PendingStalenessWindow)
	cfg.BatchConcurrency = p.getInt("BATCH_CONCURRENCY", cfg.BatchConcurrency)

	cfg.RedisURL = p.getString("REDIS_URL", cfg.RedisURL)
	cfg.Port = p.getString("PORT", cfg.Port)
	cfg.UpstreamURL = p.getString("UPSTREAM_URL", cfg.UpstreamURL)
	cfg.APIKey = p.getString("API_KEY", cfg.APIKey)
	cfg.LogLevel = logging.LogLevel(p.getString("LOG_LEVEL", string(cfg.LogLevel)))
	cfg.LogPretty = p.getBool("LOG_PRETTY", cfg.LogPretty)

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects non-positive sizes and timeouts and backoff factors < 1.
func (c Config) Validate() error {
	if c.CacheMaxSizeBytes <= 0 {
		return fmt.Errorf("%w: CACHE_MAX_SIZE_BYTES must be > 0 (got %d)", ErrInvalid, c.CacheMaxSizeBytes)
	}
	if c.CacheSweepInterval <= 0 {
		return fmt.Errorf("%w: CACHE_SWEEP_INTERVAL must be > 0 (got %v)", ErrInvalid, c.CacheSweepInterval)
	}
	if c.PendingStalenessWindow <= 0 {
		return fmt.Errorf("%w: PENDING_STALENESS_WINDOW must be > 0 (got %v)", ErrInvalid, c.PendingStalenessWindow)
	}
	if c.BatchConcurrency <= 0 {
		return fmt.Errorf("%w: BATCH_CONCURRENCY must be > 0 (got %d)", ErrInvalid, c.BatchConcurrency)
	}
	if c.Port == "" {
		return fmt.Errorf("%w: PORT is required", ErrInvalid)
	}
	if c.UpstreamURL == "" {
		return fmt.Errorf("%w: UPSTREAM_URL is required", ErrInvalid)
	}
	if err := c.EngineOptions().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// RetryPolicy returns the retry policy described by the RETRY_* variables.
func (c Config) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxRetries:    c.RetryMaxRetries,
		BaseDelay:     c.RetryBaseDelay,
		MaxDelay:      c.RetryMaxDelay,
		BackoffFactor: c.RetryBackoffFactor,
		MaxJitter:     engine.DefaultRetryPolicy().MaxJitter,
	}
}

// EngineOptions returns the per-call defaults.
func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		Timeout:   c.DefaultTimeout,
		Retry:     c.RetryPolicy(),
		Cacheable: c.Cacheable,
		CacheTTL:  c.CacheTTL,
	}
}

// Engine returns the engine configuration.
func (c Config) Engine(logger zerolog.Logger) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Defaults = c.EngineOptions()
	cfg.StalenessWindow = c.PendingStalenessWindow
	cfg.BatchConcurrency = c.BatchConcurrency
	cfg.Logger = logger
	return cfg
}

// Cache returns the cache configuration.
func (c Config) Cache(name string, logger zerolog.Logger) cache.Config {
	cfg := cache.DefaultConfig()
	cfg.Name = name
	cfg.MaxSizeBytes = c.CacheMaxSizeBytes
	cfg.Logger = logger
	return cfg
}

// Logging returns the logger configuration.
func (c Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.LogLevel
	cfg.Pretty = c.LogPretty
	return cfg
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return ":" + c.Port
}

type parser struct {
	lookup func(string) string
	errs   []error
}

func (p *parser) getString(key, def string) string {
	if v := strings.TrimSpace(p.lookup(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) getInt(key string, def int) int {
	v := p.getString(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err))
		return def
	}
	return n
}

func (p *parser) getInt64(key string, def int64) int64 {
	v := p.getString(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err))
		return def
	}
	return n
}

func (p *parser) getFloat(key string, def float64) float64 {
	v := p.getString(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err))
		return def
	}
	return f
}

func (p *parser) getBool(key string, def bool) bool {
	v := p.getString(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err))
		return def
	}
	return b
}

// getDuration accepts Go durations ("1m30s") or bare seconds ("90").
func (p *parser) getDuration(key string, def time.Duration) time.Duration {
	v := p.getString(key, "")
	if v == "" {
		return def
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err))
		return def
	}
	return d
}
