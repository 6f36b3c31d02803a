package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLocker_LockUnlock(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	first := NewLocker(client, "license_sync:lock")
	second := NewLocker(client, "license_sync:lock")

	require.NoError(t, first.Lock(ctx, time.Minute))
	assert.ErrorIs(t, second.Lock(ctx, time.Minute), ErrLockHeld)
	assert.ErrorIs(t, second.Unlock(ctx), ErrNotHolder)
	assert.True(t, mr.Exists("license_sync:lock"))

	require.NoError(t, first.Unlock(ctx))
	assert.False(t, mr.Exists("license_sync:lock"))
	require.NoError(t, second.Lock(ctx, time.Minute))
}

func TestLocker_Expiry(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	first := NewLocker(client, "k")
	require.NoError(t, first.Lock(ctx, time.Second))

	mr.FastForward(2 * time.Second)
	assert.ErrorIs(t, first.Unlock(ctx), ErrNotHolder)
	require.NoError(t, NewLocker(client, "k").Lock(ctx, time.Second))
}

func TestLocker_Extend(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	l := NewLocker(client, "k")
	require.NoError(t, l.Lock(ctx, time.Second))
	require.NoError(t, l.Extend(ctx, time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	other := NewLocker(client, "k")
	assert.ErrorIs(t, other.Extend(ctx, time.Hour), ErrNotHolder)
}

func TestLocker_WaitLock(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	holder := NewLocker(client, "k")
	require.NoError(t, holder.Lock(ctx, time.Minute))

	waiter := NewLocker(client, "k")
	err := waiter.WaitLock(ctx, time.Minute, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockHeld)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = holder.Unlock(ctx)
	}()
	require.NoError(t, waiter.WaitLock(ctx, time.Minute, 2*time.Second))
}

func TestLocker_WaitLockCanceled(t *testing.T) {
	_, client := setupRedis(t)

	holder := NewLocker(client, "k")
	require.NoError(t, holder.Lock(context.Background(), time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewLocker(client, "k").WaitLock(ctx, time.Minute, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocker_RedisDown(t *testing.T) {
	mr, client := setupRedis(t)
	mr.Close()

	err := NewLocker(client, "k").Lock(context.Background(), time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockHeld)
}
