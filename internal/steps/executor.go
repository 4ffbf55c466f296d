package steps

import (
	"context"

	"imageflow/internal/job"
)

// Request carries the job snapshot an executor works from. Executors treat
// the snapshot as read-only; the engine owns all record mutation.
type Request struct {
	Job *job.Job
}

// Result reports what a successful execution produced.
type Result struct {
	// OutputKeys lists object store keys written by this step, recorded on
	// the job so failure cleanup knows what to remove.
	OutputKeys []string
	// Detail is a short human-readable summary persisted in the step result.
	Detail string
}

// Executor performs one workflow step. Execute must be idempotent: a
// redelivered or retried job may run the same step again, and outputs are
// written under deterministic job-scoped keys so reruns overwrite rather
// than duplicate.
type Executor interface {
	Step() string
	Execute(ctx context.Context, req Request) (Result, error)
}
