package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"imageflow/internal/blobstore"
	"imageflow/internal/config"
	"imageflow/internal/imaging"
	"imageflow/internal/intake"
	"imageflow/internal/logging"
	"imageflow/internal/metastore"
	"imageflow/internal/metrics"
	"imageflow/internal/notifications"
	"imageflow/internal/statuscache"
	"imageflow/internal/steps"
	"imageflow/internal/workflow"
)

// dependencies collects everything the daemon owns and must release on exit.
type dependencies struct {
	Engine *workflow.Engine
	Source intake.Source

	store metastore.Store
	cache statuscache.Cache
}

func buildDependencies(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*dependencies, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	blobs, err := blobstore.NewFSStore(cfg.Paths.BlobRoot)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	transformer, err := imaging.NewMagick()
	if err != nil {
		store.Close()
		return nil, err
	}
	logger.Info("imagemagick resolved", logging.String("binary", transformer.Binary()))

	cache := openCache(ctx, cfg, logger)

	source, err := openSource(cfg, logger)
	if err != nil {
		store.Close()
		cache.Close()
		return nil, err
	}

	executors := []steps.Executor{
		steps.NewValidator(blobs, cfg.Steps, logger),
		steps.NewResizer(blobs, transformer, nil, logger),
		steps.NewWatermarker(blobs, transformer, cfg.Steps, logger),
	}

	engine, err := workflow.New(cfg, store, blobs, executors,
		notifications.NewService(cfg), cache, m, logger)
	if err != nil {
		store.Close()
		cache.Close()
		source.Close()
		return nil, err
	}

	return &dependencies{Engine: engine, Source: source, store: store, cache: cache}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (metastore.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return metastore.OpenPostgres(ctx, cfg.Store.PostgresURL, cfg.Store.MaxConns)
	case "sqlite", "":
		return metastore.OpenSQLite(ctx, cfg.QueueDatabasePath())
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// openCache degrades to a noop cache when Redis is unconfigured or down;
// status reads then always hit the store.
func openCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) statuscache.Cache {
	if cfg.Cache.RedisURL == "" {
		return statuscache.Noop{}
	}
	cache, err := statuscache.DialRedis(ctx, cfg.Cache.RedisURL,
		time.Duration(cfg.Cache.TTLSeconds)*time.Second, logger)
	if err != nil {
		logger.Warn("redis unavailable, running without status cache", logging.Error(err))
		return statuscache.Noop{}
	}
	return cache
}

func openSource(cfg *config.Config, logger *slog.Logger) (intake.Source, error) {
	switch cfg.Intake.Backend {
	case "amqp":
		return intake.DialAMQP(cfg.Intake.AMQPURL, cfg.Intake.Queue, cfg.Intake.Prefetch, logger)
	case "memory", "":
		return intake.NewMemorySource(0), nil
	default:
		return nil, fmt.Errorf("unknown intake backend %q", cfg.Intake.Backend)
	}
}

// Close releases daemon-owned resources in reverse construction order.
func (d *dependencies) Close(logger *slog.Logger) {
	if err := d.Source.Close(); err != nil {
		logger.Warn("close intake source", logging.Error(err))
	}
	if err := d.cache.Close(); err != nil {
		logger.Warn("close status cache", logging.Error(err))
	}
	if err := d.store.Close(); err != nil {
		logger.Warn("close metadata store", logging.Error(err))
	}
}
