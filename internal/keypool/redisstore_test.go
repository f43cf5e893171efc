package keypool_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/routecore/internal/keypool"
)

func newTestRedisStore(t *testing.T) *keypool.RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return keypool.NewRedisStore(client, "test:cooldown:")
}

func TestRedisStoreSetAndGetCooldown(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	until, err := store.GetCooldown(ctx, "openai", 0)
	require.NoError(t, err)
	require.True(t, until.IsZero())

	deadline := time.Now().Add(30 * time.Second).Truncate(time.Second)
	require.NoError(t, store.SetCooldown(ctx, "openai", 0, deadline, time.Minute))

	got, err := store.GetCooldown(ctx, "openai", 0)
	require.NoError(t, err)
	require.Equal(t, deadline.Unix(), got.Unix())
}

func TestRedisStoreCooldownIsolatedPerKeyIndex(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	deadline := time.Now().Add(10 * time.Second)
	require.NoError(t, store.SetCooldown(ctx, "openai", 1, deadline, time.Minute))

	other, err := store.GetCooldown(ctx, "openai", 2)
	require.NoError(t, err)
	require.True(t, other.IsZero())
}

func TestPoolWithStoreHonorsRemoteCooldown(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	deadline := time.Now().Add(time.Minute)
	require.NoError(t, store.SetCooldown(ctx, "anthropic", 0, deadline, time.Minute))

	pool := keypool.NewPool("anthropic", 2, 1).WithStore(store)
	require.False(t, pool.Acquire(0), "remote cooldown should block acquisition")
	require.True(t, pool.Acquire(1), "unaffected key index should remain acquirable")
}
