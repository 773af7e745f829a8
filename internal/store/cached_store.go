package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache is the part of the Redis API CachedStore uses. *redis.Client
// satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedStore serves snapshot reads from Redis and writes through to the
// wrapped store. Run history is not cached.
type CachedStore struct {
	Store
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedStore(inner Store, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedStore{Store: inner, cache: cache, ttl: ttl, logger: logger}
}

func snapshotCacheKey(key Key) string {
	return fmt.Sprintf("usage:snapshot:%s:%s", key.EnrollmentID, key.BillingPeriod)
}

func (s *CachedStore) GetSnapshot(ctx context.Context, key Key) (*Snapshot, error) {
	cacheKey := snapshotCacheKey(key)

	var snap Snapshot
	err := s.cache.Get(ctx, cacheKey).Scan(&snap)
	if err == nil {
		return &snap, nil
	} else if err != redis.Nil {
		s.logger.Warn("store: redis get failed", zap.String("key", cacheKey), zap.Error(err))
	}

	found, err := s.Store.GetSnapshot(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, cacheKey, found, s.ttl).Err(); err != nil {
		s.logger.Warn("store: redis set failed", zap.String("key", cacheKey), zap.Error(err))
	}
	return found, nil
}

func (s *CachedStore) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	if err := s.Store.PutSnapshot(ctx, snap); err != nil {
		return err
	}

	cacheKey := snapshotCacheKey(snap.Key)
	if err := s.cache.Set(ctx, cacheKey, snap, s.ttl).Err(); err != nil {
		// A stale entry would hand out an outdated ETag, so drop it instead.
		s.logger.Warn("store: redis set failed, evicting", zap.String("key", cacheKey), zap.Error(err))
		_ = s.cache.Del(ctx, cacheKey).Err()
	}
	return nil
}
