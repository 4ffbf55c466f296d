// Package statuscache is a read-through cache for status polling. Only
// terminal jobs are cached: their records are frozen, so a cached copy can
// never go stale, and terminal jobs are what clients poll hardest.
package statuscache

import (
	"context"

	"imageflow/internal/job"
)

// Cache answers status lookups ahead of the metadata store.
type Cache interface {
	// Get returns the cached record and true on a hit. Misses and cache
	// errors both report false; the caller falls through to the store.
	Get(ctx context.Context, jobID string) (*job.Job, bool)

	// Put stores a terminal record. Non-terminal records are ignored.
	Put(ctx context.Context, record *job.Job)

	Close() error
}

// Noop disables caching. Every lookup is a miss.
type Noop struct{}

func (Noop) Get(context.Context, string) (*job.Job, bool) { return nil, false }
func (Noop) Put(context.Context, *job.Job)                {}
func (Noop) Close() error                                 { return nil }
