package main

import (
	"context"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"imageflow/internal/config"
	"imageflow/internal/daemon"
	"imageflow/internal/logging"
	"imageflow/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		FilePath: filepath.Join(cfg.Paths.LogDir, "imageflowd.log"),
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	m := metrics.New()
	deps, err := buildDependencies(ctx, cfg, m, logger)
	if err != nil {
		logger.Error("bootstrap failed", logging.Error(err))
		return
	}
	defer deps.Close(logger)

	d, err := daemon.New(cfg, deps.Engine, deps.Source, m, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		return
	}

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("daemon exited with error", logging.Error(err))
	}
}
