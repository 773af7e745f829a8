package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-sync/config"
)

// Open builds the configured backend, migrates it and, when a Redis client
// is given, fronts it with a CachedStore. The returned func releases the
// underlying connections.
func Open(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (Store, func(), error) {
	var (
		s       Store
		closeFn func()
	)

	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		pg := NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("PostgreSQL connected")
		s, closeFn = pg, pool.Close

	default:
		lite, err := OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("SQLite opened", zap.String("path", cfg.SQLitePath))
		s, closeFn = lite, func() { _ = lite.Close() }
	}

	if rdb != nil {
		s = NewCachedStore(s, rdb, 0, logger)
	}
	return s, closeFn, nil
}
