package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_MarkProcessed(t *testing.T) {
	store := NewMemory()
	defer store.Close()

	ctx := context.Background()

	t.Run("first delivery is new", func(t *testing.T) {
		isNew, err := store.MarkProcessed(ctx, "evt_1", time.Hour)
		require.NoError(t, err)
		assert.True(t, isNew)
	})

	t.Run("redelivery is a duplicate", func(t *testing.T) {
		_, err := store.MarkProcessed(ctx, "evt_2", time.Hour)
		require.NoError(t, err)

		isNew, err := store.MarkProcessed(ctx, "evt_2", time.Hour)
		require.NoError(t, err)
		assert.False(t, isNew)
	})

	t.Run("expired key is processed again", func(t *testing.T) {
		_, err := store.MarkProcessed(ctx, "evt_3", 10*time.Millisecond)
		require.NoError(t, err)

		time.Sleep(20 * time.Millisecond)

		isNew, err := store.MarkProcessed(ctx, "evt_3", time.Hour)
		require.NoError(t, err)
		assert.True(t, isNew)
	})

	t.Run("forgotten key is processed again", func(t *testing.T) {
		_, err := store.MarkProcessed(ctx, "evt_4", time.Hour)
		require.NoError(t, err)
		require.NoError(t, store.Forget(ctx, "evt_4"))

		isNew, err := store.MarkProcessed(ctx, "evt_4", time.Hour)
		require.NoError(t, err)
		assert.True(t, isNew)
	})
}

func TestMemory_Cleanup(t *testing.T) {
	store := NewMemory()
	defer store.Close()

	ctx := context.Background()
	_, _ = store.MarkProcessed(ctx, "short", time.Millisecond)
	_, _ = store.MarkProcessed(ctx, "long", time.Hour)
	time.Sleep(5 * time.Millisecond)

	store.cleanup()
	assert.Equal(t, 1, store.Size())
}

func TestMemory_CloseTwice(t *testing.T) {
	store := NewMemory()
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}

func TestRedis_MarkProcessed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedis(client, "")
	defer store.Close()

	ctx := context.Background()

	isNew, err := store.MarkProcessed(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.True(t, mr.Exists(DefaultKeyPrefix+"evt_1"))

	isNew, err = store.MarkProcessed(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.False(t, isNew)

	mr.FastForward(2 * time.Hour)

	isNew, err = store.MarkProcessed(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, isNew, "key should be reusable after its TTL")

	require.NoError(t, store.Forget(ctx, "evt_1"))
	assert.False(t, mr.Exists(DefaultKeyPrefix+"evt_1"))
}

func TestRedis_ConnectionError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	store := NewRedis(client, "test:")
	defer store.Close()

	mr.Close()

	_, err := store.MarkProcessed(context.Background(), "evt", time.Hour)
	assert.Error(t, err)
}
