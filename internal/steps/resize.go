package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"imageflow/internal/blobstore"
	"imageflow/internal/imaging"
	"imageflow/internal/job"
	"imageflow/internal/logging"
	"imageflow/internal/services"
)

// Resizer produces one rendition per configured target from the original
// upload. Outputs land under deterministic job-scoped keys so a retried or
// redelivered job overwrites its own renditions instead of duplicating them.
type Resizer struct {
	blobs       blobstore.Store
	transformer imaging.Transformer
	targets     []ResizeTarget
	logger      *slog.Logger
}

// NewResizer builds the resize step executor. Passing no targets selects
// DefaultResizeTargets.
func NewResizer(blobs blobstore.Store, transformer imaging.Transformer, targets []ResizeTarget, logger *slog.Logger) *Resizer {
	if len(targets) == 0 {
		targets = DefaultResizeTargets
	}
	return &Resizer{
		blobs:       blobs,
		transformer: transformer,
		targets:     targets,
		logger:      logging.NewComponentLogger(logger, "resize"),
	}
}

// Step implements Executor.
func (r *Resizer) Step() string {
	return job.StepResize
}

// Execute implements Executor.
func (r *Resizer) Execute(ctx context.Context, req Request) (Result, error) {
	record := req.Job
	data, err := loadSource(ctx, r.blobs, r.Step(), record)
	if err != nil {
		return Result{}, err
	}

	format, _, _, err := sniffFormat(data)
	if err != nil {
		return Result{}, services.Permanent(r.Step(), "decode header", "not a decodable image", err)
	}

	keys := make([]string, 0, len(r.targets))
	for _, target := range r.targets {
		if err := ctx.Err(); err != nil {
			return Result{}, services.Wrap(services.ErrTimeout, r.Step(), "resize", target.Label(), err)
		}
		resized, err := r.transformer.Resize(ctx, data, format, target.Width, target.Height)
		if err != nil {
			return Result{}, classifyTransformError(r.Step(), "resize "+target.Label(), err)
		}
		key := ResizedKey(record.ID, target, record.Filename)
		if _, err := r.blobs.Put(ctx, key, resized, blobstore.Metadata{
			"job_id":    record.ID,
			"rendition": target.Label(),
			"format":    format,
		}); err != nil {
			return Result{}, services.Wrap(services.ErrStoreUnavailable, r.Step(), "store rendition", key, err)
		}
		keys = append(keys, key)
		r.logger.Info("rendition stored",
			logging.String(logging.FieldJobID, record.ID),
			logging.String("key", key),
			logging.Int("size_bytes", len(resized)),
		)
	}

	return Result{
		OutputKeys: keys,
		Detail:     fmt.Sprintf("%d renditions from %s source", len(keys), format),
	}, nil
}

// classifyTransformError keeps the executor's classification in one place.
// Context expiry counts against the attempt as a timeout; everything else
// from the transformer is assumed transient so validated images get the full
// retry budget against tool flakiness.
func classifyTransformError(step, operation string, err error) error {
	if ctxErr := contextCause(err); ctxErr != nil {
		return services.Wrap(services.ErrTimeout, step, operation, "attempt timed out", ctxErr)
	}
	return services.Transient(step, operation, "transform failed", err)
}

func contextCause(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
