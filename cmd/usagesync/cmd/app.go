package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-sync/config"
	"github.com/vnmchuo/usage-sync/internal/logging"
	"github.com/vnmchuo/usage-sync/internal/metering"
	"github.com/vnmchuo/usage-sync/internal/store"
	"github.com/vnmchuo/usage-sync/internal/syncer"
	"github.com/vnmchuo/usage-sync/internal/telemetry"
	"github.com/vnmchuo/usage-sync/internal/usage"
)

// app holds everything a command needs once the environment is wired up.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	tracer trace.Tracer
	rdb    *redis.Client
	store  store.Store
	runner *syncer.Runner

	closers []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Format = cfg.LogFormat
	if verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init logging: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	tracer, shutdownTracer, err := telemetry.InitTracer(serviceName, Version, cfg, os.Stderr)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to init tracer: %w", err)
	}
	a.tracer = tracer
	a.closers = append(a.closers, shutdownTracer)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			a.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		logger.Info("Redis connected", zap.String("addr", cfg.RedisAddr))
		a.rdb = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}

	st, closeStore, err := store.Open(ctx, cfg, a.rdb, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, closeStore)

	mode, err := usage.ParseMode(cfg.ReconcileMode)
	if err != nil {
		a.Close()
		return nil, err
	}

	client, err := metering.New(metering.NewHTTPClient(cfg.MeteringHTTPTimeout), cfg.MeteringBaseURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	fetcher := metering.NewBreakerFetcher(client, "metering", 5, 30*time.Second)

	service := syncer.NewService(fetcher, mode, logger, tracer)
	a.runner = syncer.NewRunner(service, st, logger, syncer.WithMaxAttempts(cfg.SyncMaxAttempts))
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
