package testsupport

import (
	"path/filepath"
	"testing"

	"imageflow/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.BlobRoot = filepath.Join(base, "blobs")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Intake.Backend = "memory"
	cfg.Metrics.Enabled = false
	cfg.Retry.BaseDelay = 0
	cfg.Workflow.Workers = 1
	cfg.Workflow.ErrorRetryInterval = 1

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return &cfg
}

// WithRetry overrides the retry budget on the test config.
func WithRetry(maxAttempts, baseDelaySeconds int, multiplier float64) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Retry.MaxAttempts = maxAttempts
		cfg.Retry.BaseDelay = baseDelaySeconds
		cfg.Retry.Multiplier = multiplier
	}
}

// WithWorkers overrides the worker count on the test config.
func WithWorkers(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.Workers = n
	}
}
