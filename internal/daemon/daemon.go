package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gofrs/flock"

	"imageflow/internal/config"
	"imageflow/internal/intake"
	"imageflow/internal/logging"
	"imageflow/internal/metrics"
	"imageflow/internal/workflow"
)

// Daemon runs the orchestrator as a long-lived process.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  *workflow.Engine
	source  intake.Source
	metrics *metrics.Metrics

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, engine *workflow.Engine, source intake.Source, m *metrics.Metrics, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || engine == nil || source == nil {
		return nil, errors.New("daemon requires config, engine, and intake source")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockFilePath()
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		engine:   engine,
		source:   source,
		metrics:  m,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Run acquires the single-instance lock and processes intake until ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon already running")
	}
	defer d.running.Store(false)

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another imageflow daemon already holds %s", d.lockPath)
	}
	defer func() {
		if unlockErr := d.lock.Unlock(); unlockErr != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(unlockErr))
		}
	}()

	d.logger.Info("daemon started",
		logging.String("lock", d.lockPath),
		logging.String("store_backend", d.cfg.Store.Backend),
		logging.String("intake_backend", d.cfg.Intake.Backend),
	)

	if d.cfg.Metrics.Enabled && d.metrics != nil {
		go func() {
			if err := d.metrics.Serve(ctx, d.cfg.Metrics.Bind, d.logger); err != nil {
				d.logger.Error("metrics server failed", logging.Error(err))
			}
		}()
	}

	err = d.engine.Run(ctx, d.source)
	d.logger.Info("daemon shutting down")
	return err
}
