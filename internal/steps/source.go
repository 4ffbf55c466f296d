package steps

import (
	"bytes"
	"context"
	"errors"
	"image"
	"strings"

	// Register the decoders used for header inspection.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"imageflow/internal/blobstore"
	"imageflow/internal/job"
	"imageflow/internal/services"
)

// loadSource fetches the original upload for a job. A missing source is a
// permanent failure: the upload is gone and no retry will bring it back. Any
// other store error is a retryable outage.
func loadSource(ctx context.Context, blobs blobstore.Store, step string, record *job.Job) ([]byte, error) {
	data, err := blobs.Get(ctx, record.Source.Key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, services.Permanent(step, "fetch source", "source object missing: "+record.Source.Key, nil)
		}
		return nil, services.Wrap(services.ErrStoreUnavailable, step, "fetch source", record.Source.Key, err)
	}
	return data, nil
}

// sniffFormat inspects the image header and returns the decoded format name
// and dimensions. It never reads pixel data.
func sniffFormat(data []byte) (format string, width, height int, err error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", 0, 0, err
	}
	return strings.ToLower(format), cfg.Width, cfg.Height, nil
}
