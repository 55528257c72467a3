package service

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"awards-be/internal/domain"
	"awards-be/pkg/logger"
	"awards-be/pkg/redis"
)

func newTestCache(t *testing.T) (*CacheService, *miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client, err := redis.NewClient("redis://"+mr.Addr(), "test", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheService(client, logger.NewNop()), mr, client
}

type countingLookup struct {
	calls int
	err   error
}

func (l *countingLookup) category(_ context.Context, id string) (*domain.Category, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return &domain.Category{ID: id, Name: "Best Newcomer", Active: true}, nil
}

func TestCacheService_ReadThroughThenHit(t *testing.T) {
	cache, mr, client := newTestCache(t)
	lookup := &countingLookup{}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c, err := cache.GetCategoryWithCache(ctx, "C1", lookup.category)
		require.NoError(t, err)
		assert.Equal(t, "C1", c.ID)
		assert.True(t, c.Active)
	}
	assert.Equal(t, 1, lookup.calls)

	key := client.KeyBuilder.KeyCategory("C1")
	assert.True(t, mr.Exists(key))
	assert.Equal(t, redis.TTLCategory, mr.TTL(key))

	cache.InvalidateCategory(ctx, "C1")
	assert.False(t, mr.Exists(key))

	_, err := cache.GetCategoryWithCache(ctx, "C1", lookup.category)
	require.NoError(t, err)
	assert.Equal(t, 2, lookup.calls)
}

func TestCacheService_NotFoundIsNotCached(t *testing.T) {
	cache, mr, client := newTestCache(t)
	lookup := &countingLookup{err: domain.ErrNotFound}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cache.GetCategoryWithCache(ctx, "C9", lookup.category)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
	assert.Equal(t, 2, lookup.calls)
	assert.False(t, mr.Exists(client.KeyBuilder.KeyCategory("C9")))
}

func TestCacheService_CorruptedEntryFallsBack(t *testing.T) {
	cache, mr, client := newTestCache(t)
	lookup := &countingLookup{}
	ctx := context.Background()

	require.NoError(t, mr.Set(client.KeyBuilder.KeyCategory("C1"), "{not json"))

	c, err := cache.GetCategoryWithCache(ctx, "C1", lookup.category)
	require.NoError(t, err)
	assert.Equal(t, "C1", c.ID)
	assert.Equal(t, 1, lookup.calls)

	// the corrupted entry was overwritten
	_, err = cache.GetCategoryWithCache(ctx, "C1", lookup.category)
	require.NoError(t, err)
	assert.Equal(t, 1, lookup.calls)
}

func TestCacheService_RedisDownReadsThrough(t *testing.T) {
	cache, mr, _ := newTestCache(t)
	lookup := &countingLookup{}
	mr.Close()

	c, err := cache.GetCategoryWithCache(context.Background(), "C1", lookup.category)
	require.NoError(t, err)
	assert.Equal(t, "C1", c.ID)
	assert.Equal(t, 1, lookup.calls)
}

func TestCacheService_NilIsReadThrough(t *testing.T) {
	var cache *CacheService
	lookup := &countingLookup{}
	ctx := context.Background()

	_, err := cache.GetCategoryWithCache(ctx, "C1", lookup.category)
	require.NoError(t, err)
	_, err = cache.GetCategoryWithCache(ctx, "C1", lookup.category)
	require.NoError(t, err)
	assert.Equal(t, 2, lookup.calls)

	cache.InvalidateNomination(ctx, "N1")
	cache.InvalidateCategory(ctx, "C1")
}
