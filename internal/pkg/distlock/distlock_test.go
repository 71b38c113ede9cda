package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLock_AcquireAndRelease(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	first := NewRedisLock(client, "orchestrator-tick", time.Minute)
	second := NewRedisLock(client, "orchestrator-tick", time.Minute)

	acquired, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired, "a held lock cannot be taken by another worker")

	require.NoError(t, first.Release(ctx))

	acquired, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "a released lock is free again")
}

func TestRedisLock_ReleaseOnlyByOwner(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	owner := NewRedisLock(client, "tick", time.Minute)
	intruder := NewRedisLock(client, "tick", time.Minute)

	acquired, err := owner.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	// A non-owner release is a no-op; the owner still holds the lock.
	require.NoError(t, intruder.Release(ctx))
	acquired, err = intruder.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestRedisLock_TTLExpiry(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	lock := NewRedisLock(client, "tick", time.Second)
	acquired, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	srv.FastForward(2 * time.Second)

	other := NewRedisLock(client, "tick", time.Second)
	acquired, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "an expired lock is free for the next worker")
}

func TestRedisLock_Extend(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	lock := NewRedisLock(client, "tick", time.Second)
	acquired, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, lock.Extend(ctx, time.Minute))
	srv.FastForward(2 * time.Second)

	other := NewRedisLock(client, "tick", time.Second)
	acquired, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired, "the extended lock outlives the original TTL")
}

func TestNewLock_BackendSelection(t *testing.T) {
	client := newTestRedis(t)

	lock := NewLock(client, nil, "tick", time.Minute)
	_, isRedis := lock.(*RedisLock)
	assert.True(t, isRedis)

	lock = NewLock(nil, nil, "tick", time.Minute)
	_, isPG := lock.(*PGAdvisoryLock)
	assert.True(t, isPG)
}
