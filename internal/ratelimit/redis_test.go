package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"awards-be/pkg/redis"
)

func setupRedisLimiter(t *testing.T) (*miniredis.Miniredis, *RedisLimiter) {
	mr := miniredis.RunT(t)

	client, err := redis.NewClient("redis://"+mr.Addr(), "test", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	l, err := NewRedisLimiter(client, smallConfig())
	require.NoError(t, err)
	return mr, l
}

func TestRedisLimiter_ShortWindow(t *testing.T) {
	mr, l := setupRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, wait, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)

	mr.FastForward(time.Minute)

	ok, _, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiter_RejectionDoesNotCount(t *testing.T) {
	mr, l := setupRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, _ = l.Allow(ctx, "k")
	}
	for i := 0; i < 10; i++ {
		ok, _, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	mr.FastForward(time.Minute)
	admitted := 0
	for i := 0; i < 3; i++ {
		if ok, _, _ := l.Allow(ctx, "k"); ok {
			admitted++
		}
	}
	assert.Equal(t, 2, admitted, "long window allows 5 admitted requests in total")

	ok, wait, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 59*time.Minute, wait)
}

func TestRedisLimiter_KeysArePrefixedAndHashed(t *testing.T) {
	mr, l := setupRedisLimiter(t)

	_, _, err := l.Allow(context.Background(), "203.0.113.9")
	require.NoError(t, err)

	keys := mr.Keys()
	require.Len(t, keys, 2)
	for _, k := range keys {
		assert.Contains(t, k, "test:ratelimit:")
		assert.NotContains(t, k, "203.0.113.9")
	}
}

func TestRedisLimiter_BackendDown(t *testing.T) {
	mr, l := setupRedisLimiter(t)
	mr.Close()

	_, _, err := l.Allow(context.Background(), "k")
	assert.Error(t, err)
}
