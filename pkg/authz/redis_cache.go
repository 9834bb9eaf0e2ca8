package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache is a DecisionCache shared by every process using the same Redis.
//
// Keys are namespaced by a generation counter. Purge increments the
// counter, which orphans all earlier entries at once; they then expire on
// their own TTL. Set writes under the generation the caller read before
// its store lookup, so a decision racing a Purge lands in an orphaned
// namespace instead of the live one.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed decision cache
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "keystone:authz"
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *RedisCache) generationKey() string {
	return c.prefix + ":generation"
}

// Generation returns the current purge generation
func (c *RedisCache) Generation(ctx context.Context) (int64, error) {
	value, err := c.client.Get(ctx, c.generationKey()).Result()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("redis get generation failed: %w", err)
	}

	gen, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cache generation %q: %w", value, err)
	}
	return gen, nil
}

func (c *RedisCache) entryKey(gen int64, key string) string {
	return fmt.Sprintf("%s:%d:%s", c.prefix, gen, key)
}

// Get returns a cached decision
func (c *RedisCache) Get(ctx context.Context, gen int64, key string) (Decision, bool, error) {
	data, err := c.client.Get(ctx, c.entryKey(gen, key)).Bytes()
	if err == redis.Nil {
		return Decision{}, false, nil
	} else if err != nil {
		return Decision{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal(data, &decision); err != nil {
		c.client.Del(ctx, c.entryKey(gen, key))
		return Decision{}, false, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	return decision, true, nil
}

// Set caches a decision under generation gen
func (c *RedisCache) Set(ctx context.Context, gen int64, key string, decision Decision) error {
	data, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	if err := c.client.Set(ctx, c.entryKey(gen, key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Purge invalidates every cached decision across all processes
func (c *RedisCache) Purge(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.generationKey()).Err(); err != nil {
		return fmt.Errorf("redis incr generation failed: %w", err)
	}
	return nil
}

// Backend implements DecisionCache
func (c *RedisCache) Backend() string {
	return "redis"
}
