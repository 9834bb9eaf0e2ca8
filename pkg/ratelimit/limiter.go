package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config defines a rate limit
type Config struct {
	// Requests is the number of requests allowed per Window
	Requests int
	// Window is the period Requests refers to
	Window time.Duration
	// Burst allows temporary bursts above the rate. Only LocalLimiter uses it.
	Burst int
}

// DefaultConfig returns the default per-caller limit
func DefaultConfig() Config {
	return Config{
		Requests: 600,
		Window:   time.Minute,
		Burst:    60,
	}
}

// Limiter decides whether one more request for key fits the limit
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Config() Config
}

// LocalLimiter is an in-process token bucket per key
type LocalLimiter struct {
	config  Config
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewLocalLimiter creates an in-process limiter
func NewLocalLimiter(config Config) *LocalLimiter {
	return &LocalLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *LocalLimiter) capacity() float64 {
	return float64(l.config.Requests + l.config.Burst)
}

// Allow implements Limiter
func (l *LocalLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity(), lastUpdate: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastUpdate)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() * float64(l.config.Requests) / l.config.Window.Seconds()
		if b.tokens > l.capacity() {
			b.tokens = l.capacity()
		}
		b.lastUpdate = now
	}

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Config implements Limiter
func (l *LocalLimiter) Config() Config {
	return l.config
}

// Cleanup drops buckets idle for more than two windows
func (l *LocalLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastUpdate) > 2*l.config.Window {
			delete(l.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (l *LocalLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.config.Window)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RedisLimiter counts requests in fixed windows shared by every instance
type RedisLimiter struct {
	client *redis.Client
	config Config
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, config Config, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "keystone"
	}
	return &RedisLimiter{
		client: client,
		config: config,
		prefix: prefix + ":ratelimit",
	}
}

// Allow implements Limiter. On a Redis error the request is allowed and the
// error returned so the caller can log it.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.config.Window).Err(); err != nil {
			return true, fmt.Errorf("redis error: %w", err)
		}
	}

	return count <= int64(l.config.Requests), nil
}

// Config implements Limiter
func (l *RedisLimiter) Config() Config {
	return l.config
}
