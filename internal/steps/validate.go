package steps

import (
	"context"
	"fmt"
	"log/slog"

	"imageflow/internal/blobstore"
	"imageflow/internal/config"
	"imageflow/internal/job"
	"imageflow/internal/logging"
	"imageflow/internal/services"
)

// Validator checks that the uploaded object is an image the pipeline can
// process. It rejects on size, format, and minimum dimensions; every
// rejection is permanent because the upload itself is at fault.
type Validator struct {
	blobs  blobstore.Store
	cfg    config.Steps
	logger *slog.Logger
}

// NewValidator builds the validate step executor.
func NewValidator(blobs blobstore.Store, cfg config.Steps, logger *slog.Logger) *Validator {
	return &Validator{blobs: blobs, cfg: cfg, logger: logging.NewComponentLogger(logger, "validate")}
}

// Step implements Executor.
func (v *Validator) Step() string {
	return job.StepValidate
}

// Execute implements Executor.
func (v *Validator) Execute(ctx context.Context, req Request) (Result, error) {
	record := req.Job
	data, err := loadSource(ctx, v.blobs, v.Step(), record)
	if err != nil {
		return Result{}, err
	}

	if len(data) == 0 {
		return Result{}, services.Permanent(v.Step(), "check size", "source object is empty", nil)
	}
	if max := v.cfg.MaxFileBytes; max > 0 && int64(len(data)) > max {
		return Result{}, services.Permanent(v.Step(), "check size",
			fmt.Sprintf("file is %d bytes, limit is %d", len(data), max), nil)
	}

	format, width, height, err := sniffFormat(data)
	if err != nil {
		return Result{}, services.Permanent(v.Step(), "decode header", "not a decodable image", err)
	}
	if !v.formatAllowed(format) {
		return Result{}, services.Permanent(v.Step(), "check format",
			fmt.Sprintf("format %q is not allowed", format), nil)
	}
	if width < v.cfg.MinWidth || height < v.cfg.MinHeight {
		return Result{}, services.Permanent(v.Step(), "check dimensions",
			fmt.Sprintf("image is %dx%d, minimum is %dx%d", width, height, v.cfg.MinWidth, v.cfg.MinHeight), nil)
	}

	v.logger.Info("source validated",
		logging.String(logging.FieldJobID, record.ID),
		logging.String("format", format),
		logging.Int("width", width),
		logging.Int("height", height),
		logging.Int("size_bytes", len(data)),
	)
	return Result{Detail: fmt.Sprintf("%s %dx%d, %d bytes", format, width, height, len(data))}, nil
}

func (v *Validator) formatAllowed(format string) bool {
	if len(v.cfg.AllowedFormats) == 0 {
		return true
	}
	for _, allowed := range v.cfg.AllowedFormats {
		if allowed == format {
			return true
		}
	}
	return false
}
