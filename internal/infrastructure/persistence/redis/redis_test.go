package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowtrack/progress-engine/internal/domain/shared"
	"github.com/snowtrack/progress-engine/pkg/circuitbreaker"
)

// unreachable returns a cache whose client dials a closed port.
func unreachable() *Cache {
	return NewCacheFromClient(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	}))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "progress:s1", ProgressKey("s1"))
	assert.Equal(t, "lock:evaluation:s1", LockKey("s1"))
	assert.Equal(t, "events:achievement.unlocked", PubSubChannel("achievement.unlocked"))
}

func TestConfig_Options(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "cache.internal"
	cfg.DB = 3

	opts := cfg.Options()
	assert.Equal(t, "cache.internal:6379", opts.Addr)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, cfg.PoolSize, opts.PoolSize)
}

func TestCache_ValidatesArguments(t *testing.T) {
	c := unreachable()
	defer c.Close()
	ctx := context.Background()

	assert.ErrorIs(t, c.Set(ctx, "", 1, time.Minute), ErrCacheKeyEmpty)
	assert.ErrorIs(t, c.Set(ctx, "k", nil, time.Minute), ErrCacheNilValue)
	assert.ErrorIs(t, c.Set(ctx, "k", 1, -time.Second), ErrCacheInvalidTTL)
	assert.ErrorIs(t, c.Set(ctx, "k", func() {}, time.Minute), ErrCacheSerialization)
	assert.ErrorIs(t, c.Get(ctx, "", new(int)), ErrCacheKeyEmpty)
	assert.NoError(t, c.Delete(ctx))
}

func TestDistributedLock_Unavailable(t *testing.T) {
	c := unreachable()
	defer c.Close()

	lock := NewDistributedLock(c, LockConfig{})
	_, err := lock.Lock(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, shared.IsTransient(err))
}

func TestProgressCache_DegradesToMiss(t *testing.T) {
	c := unreachable()
	defer c.Close()

	breaker := circuitbreaker.New("test-cache", circuitbreaker.WithFailureThreshold(1))
	pc := NewProgressCache(c, breaker, 0)
	ctx := context.Background()

	var dest map[string]any
	assert.ErrorIs(t, pc.Get(ctx, "s1", &dest), ErrCacheMiss)
	assert.True(t, breaker.IsOpen())

	assert.ErrorIs(t, pc.Get(ctx, "s1", &dest), ErrCacheMiss)
	assert.Error(t, pc.Invalidate(ctx, "s1"))
}
