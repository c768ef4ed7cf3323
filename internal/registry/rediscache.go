package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kestrel-search/scripting/internal/script"
)

// DefaultCacheTTL bounds how stale a cached stored script may get on nodes
// that miss an invalidation message.
const DefaultCacheTTL = 5 * time.Minute

// RedisCache is a read-through cache of stored scripts. Cache failures are
// soft: the caller falls back to Postgres.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a cache from a Redis URL.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient wraps an existing client; used by tests.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl, prefix: "script:"}
}

// Get returns the cached script, if present.
func (c *RedisCache) Get(ctx context.Context, id string) (*script.Stored, bool) {
	data, err := c.client.Get(ctx, c.prefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		slog.Warn("script cache get failed", slog.String("script_id", id), slog.String("error", err.Error()))
		return nil, false
	}

	var stored script.Stored
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		slog.Warn("script cache entry corrupt", slog.String("script_id", id), slog.String("error", err.Error()))
		return nil, false
	}
	return &stored, true
}

// Set caches a stored script with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, stored *script.Stored) {
	data, err := json.Marshal(stored)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+stored.ID, data, c.ttl).Err(); err != nil {
		slog.Warn("script cache set failed", slog.String("script_id", stored.ID), slog.String("error", err.Error()))
	}
}

// Invalidate drops the cache entry for id.
func (c *RedisCache) Invalidate(ctx context.Context, id string) {
	if err := c.client.Del(ctx, c.prefix+id).Err(); err != nil {
		slog.Warn("script cache invalidate failed", slog.String("script_id", id), slog.String("error", err.Error()))
	}
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
