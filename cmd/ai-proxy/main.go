// Command ai-proxy is a caching, deduplicating and retrying reverse proxy in
// front of an AI provider API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/ai-resilience/internal/buildinfo"
	"github.com/Sternrassler/ai-resilience/pkg/cache"
	"github.com/Sternrassler/ai-resilience/pkg/client"
	"github.com/Sternrassler/ai-resilience/pkg/config"
	"github.com/Sternrassler/ai-resilience/pkg/engine"
	"github.com/Sternrassler/ai-resilience/pkg/logging"
	"github.com/Sternrassler/ai-resilience/pkg/ratelimit"
)

const (
	productName     = "ai-proxy"
	responseCache   = "responses"
	shutdownTimeout = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("ai-proxy failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	port := flag.String("port", "", "listen port (overrides PORT)")
	upstream := flag.String("upstream", "", "provider base URL (overrides UPSTREAM_URL)")
	flag.Parse()
	if *port != "" {
		cfg.Port = *port
	}
	if *upstream != "" {
		cfg.UpstreamURL = *upstream
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := cfg.Logging()
	logCfg.Service = productName
	logCfg.Version = buildinfo.SemVer()
	logging.Setup(logCfg)
	logger := logging.NewLogger(logging.ComponentProxy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	respCache, err := cache.New(cfg.Cache(responseCache, logging.NewLogger(logging.ComponentCache)), client.ResponseSizer())
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}

	// Redis is optional: it backs the cache snapshot and shared rate limit state.
	var (
		redisClient *redis.Client
		snapshotter *cache.Snapshotter[client.Response]
		store       ratelimit.Store
	)
	if cfg.RedisURL != "" {
		redisClient, err = connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		logger.Info().Str("redis", cfg.RedisURL).Msg("Connected to Redis")

		snapshotter = cache.NewSnapshotter(redisClient, respCache, "", logging.NewLogger(logging.ComponentSnapshot))
		if n, err := snapshotter.Restore(ctx); err != nil {
			logger.Warn().Err(err).Msg("Cache restore failed, starting cold")
		} else {
			logger.Info().Int("entries", n).Msg("Cache restored from Redis")
		}
		store = ratelimit.NewRedisStore(redisClient)
	}

	sweeper := cache.NewSweeper(respCache, cfg.CacheSweepInterval, logging.NewLogger(logging.ComponentSweeper))
	sweeper.Start(ctx)
	defer sweeper.Stop()

	eng, err := engine.New(respCache, cfg.Engine(log.Logger))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	eng.StartReaper(ctx, 0)
	defer eng.Close()

	clientCfg := client.DefaultConfig(cfg.UpstreamURL, buildinfo.UserAgent(productName))
	clientCfg.RateLimiter = ratelimit.NewTracker(store, logging.NewLogger(logging.ComponentRateLimit))
	clientCfg.Logger = log.Logger
	if cfg.APIKey != "" {
		clientCfg.TokenSource = client.StaticToken(cfg.APIKey)
	}
	providerClient, err := client.New(clientCfg, eng)
	if err != nil {
		return fmt.Errorf("create provider client: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newServer(providerClient, respCache, redisClient, cfg.EngineOptions(), logger).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("upstream", cfg.UpstreamURL).
			Str("version", buildinfo.SemVer()).
			Msg("Starting AI proxy server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Dur("uptime", buildinfo.Uptime()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if snapshotter != nil {
		flushSnapshot(shutdownCtx, snapshotter, logger)
	}
	return nil
}

// connectRedis accepts a redis:// URL or a bare host:port.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", url, err)
	}
	return client, nil
}

func flushSnapshot(ctx context.Context, s *cache.Snapshotter[client.Response], logger zerolog.Logger) {
	n, err := s.Flush(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Cache flush to Redis failed")
		return
	}
	logger.Info().Int("entries", n).Msg("Cache flushed to Redis")
}
