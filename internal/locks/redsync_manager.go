// Package locks provides distributed locks built on the Redlock implementation
// of go-redsync/redsync/v4.
//
// Locks are short-lived: they guard a single bounded operation such as one
// token refresh, so there is no background renewal. A holder that outlives the
// expiry simply loses the lock.
package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"metering-gateway/internal/common/errors"
	"metering-gateway/internal/redis"
)

// Lock is a held distributed lock.
type Lock interface {
	Key() string
	Release(ctx context.Context) error
	IsHeld() bool
}

// Manager hands out distributed locks.
type Manager interface {
	// AcquireLock blocks until the lock is obtained, the retry budget is spent
	// or ctx is done.
	AcquireLock(ctx context.Context, key string, expiration time.Duration) (Lock, error)
	Close() error
}

// RedsyncManager implements Manager with the Redlock algorithm.
type RedsyncManager struct {
	redsync    *redsync.Redsync
	retryDelay time.Duration
	localLocks map[string]*RedsyncLock
	mutex      sync.Mutex
}

// RedsyncLock wraps a redsync.Mutex.
type RedsyncLock struct {
	mutex    *redsync.Mutex
	key      string
	acquired time.Time
	released bool
	mu       sync.Mutex
	manager  *RedsyncManager
}

// NewRedsyncManager creates a lock manager on top of the shared Redis client.
// Waiters poll every retryDelay until the holder releases or the lock expires.
func NewRedsyncManager(redisClient *redis.Client, retryDelay time.Duration) (*RedsyncManager, error) {
	if redisClient == nil {
		return nil, errors.ConfigError("redis client is required")
	}
	if retryDelay <= 0 {
		retryDelay = 50 * time.Millisecond
	}

	pool := goredis.NewPool(redisClient.GetGoRedisClient())

	return &RedsyncManager{
		redsync:    redsync.New(pool),
		retryDelay: retryDelay,
		localLocks: make(map[string]*RedsyncLock),
	}, nil
}

// AcquireLock keeps trying for as long as one full expiration, which is the
// longest a healthy holder can keep the lock.
func (rm *RedsyncManager) AcquireLock(ctx context.Context, key string, expiration time.Duration) (Lock, error) {
	tries := int(expiration/rm.retryDelay) + 1

	mutex := rm.redsync.NewMutex(
		fmt.Sprintf("lock:%s", key),
		redsync.WithExpiry(expiration),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(rm.retryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, errors.TimeoutError("lock acquisition").WithContext("key", key)
		}
		return nil, errors.ConnectionError("failed to acquire distributed lock", err).WithContext("key", key)
	}

	lock := &RedsyncLock{
		mutex:    mutex,
		key:      key,
		acquired: time.Now(),
		manager:  rm,
	}

	rm.mutex.Lock()
	rm.localLocks[key] = lock
	rm.mutex.Unlock()

	return lock, nil
}

// Close releases every lock still held through this manager.
func (rm *RedsyncManager) Close() error {
	rm.mutex.Lock()
	held := make([]*RedsyncLock, 0, len(rm.localLocks))
	for _, lock := range rm.localLocks {
		held = append(held, lock)
	}
	rm.mutex.Unlock()

	for _, lock := range held {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = lock.Release(ctx)
		cancel()
	}
	return nil
}

func (rl *RedsyncLock) Key() string {
	return rl.key
}

// Release unlocks the mutex in Redis. Releasing twice is a no-op.
func (rl *RedsyncLock) Release(ctx context.Context) error {
	rl.mu.Lock()
	if rl.released {
		rl.mu.Unlock()
		return nil
	}
	rl.released = true
	rl.mu.Unlock()

	rl.manager.mutex.Lock()
	if rl.manager.localLocks[rl.key] == rl {
		delete(rl.manager.localLocks, rl.key)
	}
	rl.manager.mutex.Unlock()

	if _, err := rl.mutex.UnlockContext(ctx); err != nil {
		// The lock expired and may now belong to someone else.
		return errors.InternalError("failed to release distributed lock", err).WithContext("key", rl.key)
	}
	return nil
}

func (rl *RedsyncLock) IsHeld() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return !rl.released && time.Now().Before(rl.mutex.Until())
}

var _ Manager = (*RedsyncManager)(nil)
