package joblock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLockerExclusiveAndExpiring(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRedisLocker(client, "")
	ctx := context.Background()

	release, ok, err := l.TryAcquire(ctx, "collect", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx, "collect", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "same job type must not run twice")

	_, ok, err = l.TryAcquire(ctx, "rewrite", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "different job types may run concurrently")

	release()
	release2, ok, err := l.TryAcquire(ctx, "collect", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = l.TryAcquire(ctx, "collect", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is free")

	// A stale holder must not delete the new owner's lock.
	release2()
	assert.True(t, mr.Exists(DefaultPrefix+":collect"))
}

func TestMemoryLocker(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLocker(func() time.Time { return now })
	ctx := context.Background()

	release, ok, _ := l.TryAcquire(ctx, "audit", time.Minute)
	require.True(t, ok)
	_, ok, _ = l.TryAcquire(ctx, "audit", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = l.TryAcquire(ctx, "audit", time.Minute)
	assert.True(t, ok)

	release()
	_, ok, _ = l.TryAcquire(ctx, "audit", time.Minute)
	assert.False(t, ok, "stale release leaves the newer lock in place")
}
