package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/snowtrack/progress-engine/internal/domain/shared"
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockConfig configures DistributedLock.
type LockConfig struct {
	// TTL is the lease; a crashed holder frees the key after it expires.
	TTL time.Duration

	// RetryInterval is the pause between acquisition attempts.
	RetryInterval time.Duration
}

// DefaultLockConfig returns default lock configuration.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		TTL:           TTLDistributedLock,
		RetryInterval: 50 * time.Millisecond,
	}
}

// DistributedLock serializes evaluations of one student across replicas.
// It satisfies saga.Locker; waiting is bounded by the caller's context.
type DistributedLock struct {
	client redis.UniversalClient
	config LockConfig
}

// NewDistributedLock creates a lock backed by the cache client.
func NewDistributedLock(cache *Cache, cfg LockConfig) *DistributedLock {
	if cfg.TTL <= 0 {
		cfg.TTL = TTLDistributedLock
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultLockConfig().RetryInterval
	}
	return &DistributedLock{client: cache.Client(), config: cfg}
}

// Lock acquires the lock for studentID, polling until ctx is done.
func (l *DistributedLock) Lock(ctx context.Context, studentID string) (func(), error) {
	key := LockKey(studentID)
	token := uuid.NewString()

	ticker := time.NewTicker(l.config.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.config.TTL).Result()
		if err != nil {
			return nil, shared.WrapError("redis", "Lock", shared.ErrServiceUnavailable,
				fmt.Sprintf("lock %s", key), err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, shared.WrapError("redis", "Lock", shared.ErrLockNotAcquired,
				fmt.Sprintf("student %s is busy", studentID), ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
		})
	}, nil
}
