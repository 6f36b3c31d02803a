// Package lock provides a Redis-backed mutual exclusion lock owned by a
// random token, so only the holder can release or extend it.
package lock

import (
	"context"
	stderrors "errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/license-sync/pkg/errors"
)

// ErrLockHeld is returned when another owner holds the lock
var ErrLockHeld = stderrors.New("lock is already held")

// ErrNotHolder is returned when releasing or extending a lock this owner no longer holds
var ErrNotHolder = stderrors.New("lock expired or is held by another owner")

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"

	maxPollInterval = 100 * time.Millisecond
)

// Locker guards a single key
type Locker struct {
	client redis.UniversalClient
	key    string
	value  string
}

// NewLocker creates a locker for key with a fresh owner token
func NewLocker(client redis.UniversalClient, key string) *Locker {
	return &Locker{
		client: client,
		key:    key,
		value:  uuid.NewString(),
	}
}

// Key returns the guarded key
func (l *Locker) Key() string {
	return l.key
}

// Lock acquires the lock for ttl or returns ErrLockHeld
func (l *Locker) Lock(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.value, ttl).Result()
	if err != nil {
		return errors.NewExternalError("redis", "failed to acquire lock "+l.key).WithCause(err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Unlock releases the lock if this owner still holds it
func (l *Locker) Unlock(ctx context.Context) error {
	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return errors.NewExternalError("redis", "failed to release lock "+l.key).WithCause(err)
	}
	if result == int64(0) {
		return ErrNotHolder
	}
	return nil
}

// Extend resets the expiry of a held lock to ttl
func (l *Locker) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.value, strconv.FormatInt(ttl.Milliseconds(), 10)).Result()
	if err != nil {
		return errors.NewExternalError("redis", "failed to extend lock "+l.key).WithCause(err)
	}
	if result == int64(0) {
		return ErrNotHolder
	}
	return nil
}

// WaitLock polls for the lock until it is acquired, wait elapses or ctx is done
func (l *Locker) WaitLock(ctx context.Context, ttl, wait time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := l.Lock(waitCtx, ttl)
		switch {
		case err == nil:
			return nil
		case waitCtx.Err() != nil && ctx.Err() == nil:
			return ErrLockHeld
		case !stderrors.Is(err, ErrLockHeld):
			return err
		}

		timer := time.NewTimer(time.Duration(rand.Int63n(int64(maxPollInterval))) + time.Millisecond)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrLockHeld
		case <-timer.C:
		}
	}
}
