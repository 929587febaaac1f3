package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imgharvest/internal/crawler"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestRedisLockMutualExclusion(t *testing.T) {
	t.Parallel()

	_, client := newMiniredis(t)
	ctx := context.Background()
	a := NewRedisLock(client, "lock:catA")
	b := NewRedisLock(client, "lock:catA")

	ok, err := a.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Release(ctx))
	require.NoError(t, a.Release(ctx))
	require.NoError(t, a.Release(ctx))

	ok, err = b.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpiresAndRefreshes(t *testing.T) {
	t.Parallel()

	srv, client := newMiniredis(t)
	ctx := context.Background()
	a := NewRedisLock(client, "lock:catA")

	ok, err := a.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(50 * time.Second)
	require.NoError(t, a.Refresh(ctx))
	srv.FastForward(50 * time.Second)
	assert.True(t, srv.Exists("lock:catA"))

	srv.FastForward(time.Minute)
	ok, err = NewRedisLock(client, "lock:catA").TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is reclaimable")

	assert.ErrorIs(t, a.Refresh(ctx), crawler.ErrLockHeld)
}

func TestRedisLockReleaseKeepsForeignToken(t *testing.T) {
	t.Parallel()

	srv, client := newMiniredis(t)
	ctx := context.Background()
	a := NewRedisLock(client, "lock:catA")
	ok, err := a.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate expiry followed by another holder.
	require.NoError(t, srv.Set("lock:catA", "other"))
	require.NoError(t, a.Release(ctx))
	got, err := srv.Get("lock:catA")
	require.NoError(t, err)
	assert.Equal(t, "other", got)
}
