package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"imageflow/internal/job"
)

// ErrVersionConflict signals that a conditional update observed a stale
// version (or a terminal record). Callers reload and re-evaluate; this error
// is never surfaced to status-polling clients.
var ErrVersionConflict = errors.New("version conflict")

// ErrNotFound signals a missing job record.
var ErrNotFound = errors.New("job not found")

// Store is the durable job record store the orchestrator mutates through
// compare-and-swap writes.
type Store interface {
	// CreateIfAbsent inserts the job keyed by its idempotency key. When a
	// record with that key already exists, the existing record is returned
	// and created is false. The insert is atomic: concurrent calls with the
	// same key yield exactly one record.
	CreateIfAbsent(ctx context.Context, record *job.Job) (result *job.Job, created bool, err error)

	// Get fetches a job by identifier.
	Get(ctx context.Context, jobID string) (*job.Job, error)

	// GetByIdempotencyKey fetches a job by its admission key.
	GetByIdempotencyKey(ctx context.Context, key string) (*job.Job, error)

	// ConditionalUpdate persists record's mutable fields if and only if the
	// stored version equals expectedVersion and the stored status is not
	// terminal. On success the stored version is incremented and the fresh
	// record returned. On a stale version (or terminal record) it returns
	// ErrVersionConflict.
	ConditionalUpdate(ctx context.Context, record *job.Job, expectedVersion int64) (*job.Job, error)

	// List returns jobs filtered by status set (or all jobs when no status
	// is provided), ordered by creation time.
	List(ctx context.Context, statuses ...job.Status) ([]*job.Job, error)

	// Stats returns a count of jobs grouped by status.
	Stats(ctx context.Context) (map[job.Status]int, error)

	Close() error
}

func marshalStepResults(results map[string]job.StepResult) (string, error) {
	if len(results) == 0 {
		return "", nil
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("marshal step results: %w", err)
	}
	return string(data), nil
}

func unmarshalStepResults(raw string) (map[string]job.StepResult, error) {
	if raw == "" {
		return nil, nil
	}
	var results map[string]job.StepResult
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return nil, fmt.Errorf("unmarshal step results: %w", err)
	}
	return results, nil
}

func marshalFailure(failure *job.FailureDetail) (string, error) {
	if failure == nil {
		return "", nil
	}
	data, err := json.Marshal(failure)
	if err != nil {
		return "", fmt.Errorf("marshal failure detail: %w", err)
	}
	return string(data), nil
}

func unmarshalFailure(raw string) (*job.FailureDetail, error) {
	if raw == "" {
		return nil, nil
	}
	var failure job.FailureDetail
	if err := json.Unmarshal([]byte(raw), &failure); err != nil {
		return nil, fmt.Errorf("unmarshal failure detail: %w", err)
	}
	return &failure, nil
}
