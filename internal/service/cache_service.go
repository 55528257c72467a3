package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"awards-be/internal/domain"
	"awards-be/pkg/logger"
	"awards-be/pkg/redis"
)

// CacheService is a cache-aside layer for the lookups done on every vote.
// A nil CacheService, or one without a Redis client, always reads through.
type CacheService struct {
	redis  *redis.Client
	logger *logger.Logger
}

// NewCacheService creates a new cache service
func NewCacheService(redisClient *redis.Client, log *logger.Logger) *CacheService {
	return &CacheService{
		redis:  redisClient,
		logger: log.Component("cache"),
	}
}

func (c *CacheService) enabled() bool {
	return c != nil && c.redis != nil
}

// getWithCache reads key, falling back to dbFallback on a miss, a cache error
// or a corrupted entry. Fallback errors (including not found) are never cached.
func getWithCache[T any](ctx context.Context, c *CacheService, key string, ttl time.Duration, dbFallback func(ctx context.Context) (*T, error)) (*T, error) {
	if !c.enabled() {
		return dbFallback(ctx)
	}

	cached, err := c.redis.Get(ctx, key)
	if err == nil && cached != "" {
		var v T
		if unmarshalErr := json.Unmarshal([]byte(cached), &v); unmarshalErr == nil {
			c.logger.Debug("Cache hit", zap.String("key", key))
			return &v, nil
		} else {
			c.logger.Warn("Cache entry corrupted, falling back to database",
				zap.String("key", key),
				zap.Error(unmarshalErr))
		}
	} else if err != nil && !redis.IsNil(err) {
		c.logger.Warn("Cache error, falling back to database",
			zap.String("key", key),
			zap.Error(err))
	}

	v, err := dbFallback(ctx)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return v, nil
	}
	if err := c.redis.Set(ctx, key, data, ttl); err != nil {
		c.logger.Warn("Failed to populate cache", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

// GetCategoryWithCache retrieves a category with cache-aside
func (c *CacheService) GetCategoryWithCache(ctx context.Context, categoryID string, dbFallback func(ctx context.Context, id string) (*domain.Category, error)) (*domain.Category, error) {
	key := ""
	if c.enabled() {
		key = c.redis.KeyBuilder.KeyCategory(categoryID)
	}
	return getWithCache(ctx, c, key, redis.TTLCategory, func(ctx context.Context) (*domain.Category, error) {
		return dbFallback(ctx, categoryID)
	})
}

// GetNominationWithCache retrieves a nomination with cache-aside. The cached
// counts may be stale; callers only rely on the category and state.
func (c *CacheService) GetNominationWithCache(ctx context.Context, nominationID string, dbFallback func(ctx context.Context, id string) (*domain.Nomination, error)) (*domain.Nomination, error) {
	key := ""
	if c.enabled() {
		key = c.redis.KeyBuilder.KeyNomination(nominationID)
	}
	return getWithCache(ctx, c, key, redis.TTLNomination, func(ctx context.Context) (*domain.Nomination, error) {
		return dbFallback(ctx, nominationID)
	})
}

// InvalidateNomination drops a cached nomination after a moderation change
func (c *CacheService) InvalidateNomination(ctx context.Context, nominationID string) {
	if !c.enabled() {
		return
	}
	if err := c.redis.Delete(ctx, c.redis.KeyBuilder.KeyNomination(nominationID)); err != nil {
		c.logger.Error("Failed to invalidate nomination cache",
			zap.String("nomination_id", nominationID),
			zap.Error(err))
	}
}

// InvalidateCategory drops a cached category
func (c *CacheService) InvalidateCategory(ctx context.Context, categoryID string) {
	if !c.enabled() {
		return
	}
	if err := c.redis.Delete(ctx, c.redis.KeyBuilder.KeyCategory(categoryID)); err != nil {
		c.logger.Error("Failed to invalidate category cache",
			zap.String("category_id", categoryID),
			zap.Error(err))
	}
}
