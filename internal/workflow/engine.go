package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"imageflow/internal/blobstore"
	"imageflow/internal/config"
	"imageflow/internal/intake"
	"imageflow/internal/job"
	"imageflow/internal/logging"
	"imageflow/internal/metastore"
	"imageflow/internal/metrics"
	"imageflow/internal/notifications"
	"imageflow/internal/retry"
	"imageflow/internal/statuscache"
	"imageflow/internal/steps"
)

// ErrUnknownStep signals a job whose status maps to no registered executor.
var ErrUnknownStep = errors.New("no executor for step")

// Engine owns job admission and step orchestration.
type Engine struct {
	cfg         *config.Config
	store       metastore.Store
	blobs       blobstore.Store
	executors   map[string]steps.Executor
	notifier    notifications.Service
	cache       statuscache.Cache
	metrics     *metrics.Metrics
	logger      *slog.Logger
	policy      retry.Policy
	stepTimeout time.Duration
	now         func() time.Time
}

// New wires an engine from its collaborators. Executors are indexed by step
// name; registering two executors for the same step is a programming error.
func New(
	cfg *config.Config,
	store metastore.Store,
	blobs blobstore.Store,
	executors []steps.Executor,
	notifier notifications.Service,
	cache statuscache.Cache,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Engine, error) {
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	if cache == nil {
		cache = statuscache.Noop{}
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	index := make(map[string]steps.Executor, len(executors))
	for _, executor := range executors {
		if _, dup := index[executor.Step()]; dup {
			return nil, fmt.Errorf("duplicate executor for step %q", executor.Step())
		}
		index[executor.Step()] = executor
	}
	for _, name := range job.StepNames() {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("missing executor for step %q", name)
		}
	}

	stepTimeout := time.Duration(cfg.Steps.ExecutionTimeout) * time.Second
	if stepTimeout <= 0 {
		stepTimeout = time.Minute
	}

	return &Engine{
		cfg:       cfg,
		store:     store,
		blobs:     blobs,
		executors: index,
		notifier:  notifier,
		cache:     cache,
		metrics:   m,
		logger:    logging.NewComponentLogger(logger, "workflow"),
		policy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelay) * time.Second,
			Multiplier:  cfg.Retry.Multiplier,
		},
		stepTimeout: stepTimeout,
		now:         time.Now,
	}, nil
}

// Submit admits a submission. The idempotency key decides identity: the
// first call creates a queued record, every duplicate returns the existing
// record untouched regardless of its current status. The boolean reports
// whether a new record was created.
func (e *Engine) Submit(ctx context.Context, msg intake.Message) (*job.Job, bool, error) {
	if err := msg.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid submission: %w", err)
	}

	candidate := &job.Job{
		ID:             uuid.NewString(),
		OwnerID:        strings.TrimSpace(msg.OwnerID),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		Source: job.SourceRef{
			Store: strings.TrimSpace(msg.SourceStore),
			Key:   strings.TrimSpace(msg.SourceKey),
		},
		Filename:  strings.TrimSpace(msg.Filename),
		SizeBytes: msg.SizeBytes,
		Status:    job.StatusQueued,
	}

	record, created, err := e.store.CreateIfAbsent(ctx, candidate)
	if err != nil {
		return nil, false, err
	}
	if created {
		e.metrics.JobsAdmitted.Inc()
		e.logger.Info("job admitted",
			logging.String(logging.FieldJobID, record.ID),
			logging.String(logging.FieldEventType, "job_admitted"),
			logging.String("source_key", record.Source.Key),
			logging.String("owner", record.OwnerID),
		)
	} else {
		e.metrics.JobsDeduplicated.Inc()
		e.logger.Info("submission deduplicated",
			logging.String(logging.FieldJobID, record.ID),
			logging.String(logging.FieldEventType, "job_deduplicated"),
			logging.String("status", string(record.Status)),
		)
	}
	return record, created, nil
}

// GetStatus returns the current job record. Terminal records are answered
// from the cache when possible and cached on the way out.
func (e *Engine) GetStatus(ctx context.Context, jobID string) (*job.Job, error) {
	if cached, ok := e.cache.Get(ctx, jobID); ok {
		return cached, nil
	}
	record, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record.IsTerminal() {
		e.cache.Put(ctx, record)
	}
	return record, nil
}
