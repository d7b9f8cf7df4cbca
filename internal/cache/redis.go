package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"embedstream/internal/core"
)

const (
	// DefaultRedisKeyPrefix namespaces embedding keys.
	DefaultRedisKeyPrefix = "embedstream:emb:"

	// DefaultRedisTTL is applied when neither the call nor the config sets one.
	DefaultRedisTTL = 24 * time.Hour
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "redis://:password@host:6379/0")
	URL       string
	KeyPrefix string
	TTL       time.Duration
}

// RedisCache implements Cache on Redis strings holding packed float32 vectors.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := newRedisCache(client, cfg.KeyPrefix, cfg.TTL)
	slog.Info("redis cache connected", "prefix", c.prefix, "ttl", c.ttl)
	return c, nil
}

func newRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// GetMany implements Cache with a single MGET.
func (c *RedisCache) GetMany(ctx context.Context, keys []string) (map[string]core.Embedding, error) {
	found := make(map[string]core.Embedding, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}
	vals, err := c.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read embeddings from redis: %w", err)
	}

	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		e, err := decodeEmbedding([]byte(s))
		if err != nil {
			slog.Warn("skipping corrupt cache entry", "key", keys[i], "error", err)
			continue
		}
		found[keys[i]] = e
	}
	return found, nil
}

// SetMany implements Cache with one pipelined SET per entry.
func (c *RedisCache) SetMany(ctx context.Context, entries map[string]core.Embedding, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			pipe.Set(ctx, c.prefix+k, encodeEmbedding(v), ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write embeddings to redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
