package redis

import (
	"context"
	"errors"
	"time"

	"github.com/snowtrack/progress-engine/pkg/circuitbreaker"
)

// ProgressCache caches serialized progress views per student.
// All calls go through a circuit breaker so a failing Redis degrades reads
// to the database instead of slowing every request.
type ProgressCache struct {
	cache   *Cache
	breaker *circuitbreaker.CircuitBreaker
	ttl     time.Duration
}

// NewProgressCache creates a progress cache.
func NewProgressCache(cache *Cache, breaker *circuitbreaker.CircuitBreaker, ttl time.Duration) *ProgressCache {
	if ttl <= 0 {
		ttl = TTLProgressCache
	}
	if breaker == nil {
		breaker = circuitbreaker.CacheBreaker(nil)
	}
	return &ProgressCache{cache: cache, breaker: breaker, ttl: ttl}
}

// Get loads the cached view into dest. It returns ErrCacheMiss on a miss,
// on an undecodable entry and when Redis is failing.
func (c *ProgressCache) Get(ctx context.Context, studentID string, dest any) error {
	miss := false
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		err := c.cache.Get(ctx, ProgressKey(studentID), dest)
		if errors.Is(err, ErrCacheMiss) || errors.Is(err, ErrCacheSerialization) {
			miss = true
			return nil
		}
		return err
	})
	if err != nil || miss {
		return ErrCacheMiss
	}
	return nil
}

// Set stores a view.
func (c *ProgressCache) Set(ctx context.Context, studentID string, view any) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.cache.Set(ctx, ProgressKey(studentID), view, c.ttl)
	})
}

// Invalidate drops the cached view of a student.
func (c *ProgressCache) Invalidate(ctx context.Context, studentID string) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.cache.Delete(ctx, ProgressKey(studentID))
	})
}
