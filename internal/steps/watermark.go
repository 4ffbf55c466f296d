package steps

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"imageflow/internal/blobstore"
	"imageflow/internal/config"
	"imageflow/internal/imaging"
	"imageflow/internal/job"
	"imageflow/internal/logging"
	"imageflow/internal/services"
)

// Watermarker stamps the original upload with the configured text plus the
// processing date and stores the result under a job-scoped key.
type Watermarker struct {
	blobs       blobstore.Store
	transformer imaging.Transformer
	cfg         config.Steps
	logger      *slog.Logger
	now         func() time.Time
}

// NewWatermarker builds the watermark step executor.
func NewWatermarker(blobs blobstore.Store, transformer imaging.Transformer, cfg config.Steps, logger *slog.Logger) *Watermarker {
	return &Watermarker{
		blobs:       blobs,
		transformer: transformer,
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "watermark"),
		now:         time.Now,
	}
}

// Step implements Executor.
func (w *Watermarker) Step() string {
	return job.StepWatermark
}

// Text returns the rendered watermark line for the given moment.
func (w *Watermarker) Text(at time.Time) string {
	label := strings.TrimSpace(w.cfg.WatermarkText)
	if label == "" {
		label = "PROCESSED"
	}
	return fmt.Sprintf("%s - %s", label, at.UTC().Format("2006-01-02"))
}

// Execute implements Executor.
func (w *Watermarker) Execute(ctx context.Context, req Request) (Result, error) {
	record := req.Job
	data, err := loadSource(ctx, w.blobs, w.Step(), record)
	if err != nil {
		return Result{}, err
	}

	format, _, _, err := sniffFormat(data)
	if err != nil {
		return Result{}, services.Permanent(w.Step(), "decode header", "not a decodable image", err)
	}

	text := w.Text(w.now())
	stamped, err := w.transformer.Watermark(ctx, data, format, text)
	if err != nil {
		return Result{}, classifyTransformError(w.Step(), "annotate", err)
	}

	key := WatermarkedKey(record.ID, record.Filename)
	if _, err := w.blobs.Put(ctx, key, stamped, blobstore.Metadata{
		"job_id":    record.ID,
		"format":    format,
		"watermark": text,
	}); err != nil {
		return Result{}, services.Wrap(services.ErrStoreUnavailable, w.Step(), "store output", key, err)
	}

	w.logger.Info("watermarked output stored",
		logging.String(logging.FieldJobID, record.ID),
		logging.String("key", key),
		logging.Int("size_bytes", len(stamped)),
	)
	return Result{
		OutputKeys: []string{key},
		Detail:     fmt.Sprintf("stamped %q onto %s source", text, format),
	}, nil
}
