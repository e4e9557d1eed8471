// Package lock serializes plan operations that touch the same user's shared
// collateral balance.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"installment-service/internal/redisclient"
	"installment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotAcquired is returned when a lock could not be taken before ctx ended
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker hands out exclusive per-key locks
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// UserKey is the lock key guarding a user's collateral balance
func UserKey(user string) string {
	return "user:" + user
}

// KeyedMutex is an in-process Locker
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an in-process Locker
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				k.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		k.release(key, s)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}
}

func (k *KeyedMutex) release(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

const defaultRetry = 50 * time.Millisecond

// RedisLocker is a distributed Locker shared by every service replica
type RedisLocker struct {
	client *redisclient.Client
	ttl    time.Duration
	retry  time.Duration
	logger *zap.Logger
}

// NewRedisLocker creates a Redis-backed Locker. ttl bounds how long a crashed
// holder can block others.
func NewRedisLocker(client *redisclient.Client, ttl, retry time.Duration) *RedisLocker {
	if retry <= 0 {
		retry = defaultRetry
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		retry:  retry,
		logger: util.GetLogger(),
	}
}

// Lock polls until the lock is acquired or ctx is done
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.AcquireLock(ctx, key, token, r.ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()

				released, err := r.client.ReleaseLock(releaseCtx, key, token)
				if err != nil {
					r.logger.Error("Failed to release lock", zap.String("key", key), zap.Error(err))
					return
				}
				if !released {
					r.logger.Warn("Lock expired before release", zap.String("key", key))
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Bounded limits how long Lock waits on a contended key
type Bounded struct {
	next Locker
	wait time.Duration
}

// NewBounded wraps next so that Lock gives up after wait. wait <= 0 disables the bound.
func NewBounded(next Locker, wait time.Duration) *Bounded {
	return &Bounded{next: next, wait: wait}
}

func (b *Bounded) Lock(ctx context.Context, key string) (func(), error) {
	if b.wait <= 0 {
		return b.next.Lock(ctx, key)
	}
	ctx, cancel := context.WithTimeout(ctx, b.wait)
	defer cancel()
	return b.next.Lock(ctx, key)
}
