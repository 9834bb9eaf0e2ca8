package authz

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DecisionCache stores recent decisions. Entries expire after the cache TTL
// and Purge drops everything at once.
//
// Every Purge moves the cache to a new generation. Callers read the
// generation before loading roles from the stores and hand it back to Set,
// which discards the decision if a Purge happened in between. A decision
// computed from pre-revocation state can therefore never be cached after
// the revocation's invalidation.
type DecisionCache interface {
	Generation(ctx context.Context) (int64, error)
	Get(ctx context.Context, gen int64, key string) (Decision, bool, error)
	Set(ctx context.Context, gen int64, key string, decision Decision) error
	Purge(ctx context.Context) error
	// Backend names the implementation for metrics.
	Backend() string
}

// LRUCache is an in-process DecisionCache.
type LRUCache struct {
	mu    sync.Mutex
	gen   int64
	cache *lru.LRU[string, Decision]
}

// NewLRUCache creates an in-process cache holding up to size decisions for
// ttl each.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 10000
	}
	return &LRUCache{
		cache: lru.NewLRU[string, Decision](size, nil, ttl),
	}
}

// Generation returns the current purge generation
func (c *LRUCache) Generation(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen, nil
}

// Get returns a cached decision. A stale generation is always a miss.
func (c *LRUCache) Get(ctx context.Context, gen int64, key string) (Decision, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return Decision{}, false, nil
	}
	decision, ok := c.cache.Get(key)
	return decision, ok, nil
}

// Set caches a decision unless the cache was purged after gen was read
func (c *LRUCache) Set(ctx context.Context, gen int64, key string, decision Decision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return nil
	}
	c.cache.Add(key, decision)
	return nil
}

// Purge drops every cached decision
func (c *LRUCache) Purge(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.cache.Purge()
	return nil
}

// Backend implements DecisionCache
func (c *LRUCache) Backend() string {
	return "lru"
}

// Len returns the number of cached decisions
func (c *LRUCache) Len() int {
	return c.cache.Len()
}
