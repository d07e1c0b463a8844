package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultSnapshotPrefix namespaces snapshot keys in Redis.
const DefaultSnapshotPrefix = "ai:cache:"

// snapshotRecord is the Redis representation of one entry.
type snapshotRecord[V any] struct {
	Value     V         `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// age reports how long ago the entry was first cached. Clock skew between
// the flushing and restoring process never yields a negative age.
func (r snapshotRecord[V]) age(now time.Time) time.Duration {
	if r.CreatedAt.IsZero() || now.Before(r.CreatedAt) {
		return 0
	}
	return now.Sub(r.CreatedAt)
}

// Snapshotter copies live cache entries to Redis and back. It never runs on
// its own: the cache stays in-memory unless a caller explicitly flushes.
type Snapshotter[V any] struct {
	redis  *redis.Client
	cache  *Cache[V]
	prefix string
	logger zerolog.Logger
}

// NewSnapshotter creates a snapshotter for c backed by redisClient.
func NewSnapshotter[V any](redisClient *redis.Client, c *Cache[V], prefix string, logger zerolog.Logger) *Snapshotter[V] {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if c == nil {
		panic("cache cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultSnapshotPrefix
	}
	return &Snapshotter[V]{
		redis:  redisClient,
		cache:  c,
		prefix: prefix + c.Name() + ":",
		logger: logger.With().Str("cache", c.Name()).Logger(),
	}
}

// Flush writes every live entry to Redis with its remaining TTL, so Redis
// expires the copy at the same instant the cache would have.
// Returns the number of entries written.
func (s *Snapshotter[V]) Flush(ctx context.Context) (int, error) {
	entries := s.cache.Snapshot()
	now := s.cache.now()

	pipe := s.redis.Pipeline()
	queued := 0
	for i := range entries {
		entry := &entries[i]
		remaining := entry.Remaining(now)
		if remaining <= 0 {
			continue
		}

		data, err := json.Marshal(snapshotRecord[V]{
			Value:     entry.Value,
			CreatedAt: entry.CreatedAt,
		})
		if err != nil {
			SnapshotErrors.WithLabelValues("flush").Inc()
			s.logger.Warn().Err(err).Str("key", entry.Key).Msg("Failed to marshal cache entry, skipping")
			continue
		}

		pipe.Set(ctx, s.prefix+entry.Key, data, remaining)
		queued++
	}

	if queued == 0 {
		return 0, nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		SnapshotErrors.WithLabelValues("flush").Inc()
		return 0, fmt.Errorf("redis pipeline exec: %w", err)
	}

	s.logger.Info().Int("entries", queued).Msg("Flushed cache snapshot to redis")
	return queued, nil
}

// Restore loads every snapshot entry from Redis into the cache using the TTL
// Redis still holds for it. Returns the number of entries restored.
func (s *Snapshotter[V]) Restore(ctx context.Context) (int, error) {
	restored := 0
	now := s.cache.now()

	iter := s.redis.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()

		data, err := s.redis.Get(ctx, redisKey).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Expired between SCAN and GET.
				continue
			}
			SnapshotErrors.WithLabelValues("restore").Inc()
			return restored, fmt.Errorf("redis get: %w", err)
		}

		ttl, err := s.redis.PTTL(ctx, redisKey).Result()
		if err != nil {
			SnapshotErrors.WithLabelValues("restore").Inc()
			return restored, fmt.Errorf("redis pttl: %w", err)
		}
		if ttl <= 0 {
			continue
		}

		var record snapshotRecord[V]
		if err := json.Unmarshal(data, &record); err != nil {
			SnapshotErrors.WithLabelValues("restore").Inc()
			s.logger.Warn().Err(err).Str("key", redisKey).Msg("Invalid snapshot entry, skipping")
			continue
		}

		key := strings.TrimPrefix(redisKey, s.prefix)
		if err := s.cache.Set(key, record.Value, ttl); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Failed to restore cache entry")
			continue
		}
		s.logger.Debug().
			Str("key", key).
			Dur("age", record.age(now)).
			Dur("ttl", ttl).
			Msg("Restored cache entry")
		restored++
	}
	if err := iter.Err(); err != nil {
		SnapshotErrors.WithLabelValues("restore").Inc()
		return restored, fmt.Errorf("redis scan: %w", err)
	}

	s.logger.Info().Int("entries", restored).Msg("Restored cache snapshot from redis")
	return restored, nil
}
