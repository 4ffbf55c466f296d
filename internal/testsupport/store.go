package testsupport

import (
	"context"
	"testing"

	"imageflow/internal/blobstore"
	"imageflow/internal/config"
	"imageflow/internal/job"
	"imageflow/internal/metastore"

	"github.com/google/uuid"
)

// MustOpenStore opens a SQLite metastore for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *metastore.SQLiteStore {
	t.Helper()

	store, err := metastore.OpenSQLite(context.Background(), cfg.QueueDatabasePath())
	if err != nil {
		t.Fatalf("metastore.OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenBlobs opens a filesystem blob store rooted at the test config's
// blob directory.
func MustOpenBlobs(t testing.TB, cfg *config.Config) *blobstore.FSStore {
	t.Helper()

	blobs, err := blobstore.NewFSStore(cfg.Paths.BlobRoot)
	if err != nil {
		t.Fatalf("blobstore.NewFSStore: %v", err)
	}
	return blobs
}

// NewJob builds an unsaved queued job with sensible defaults.
func NewJob(t testing.TB, sourceKey string) *job.Job {
	t.Helper()

	return &job.Job{
		ID:             uuid.NewString(),
		OwnerID:        "user-1",
		IdempotencyKey: uuid.NewString(),
		Source:         job.SourceRef{Store: "local", Key: sourceKey},
		Filename:       "photo.png",
		SizeBytes:      0,
		Status:         job.StatusQueued,
	}
}

// SeedJob persists a queued job through the idempotent admission path.
func SeedJob(t testing.TB, store metastore.Store, sourceKey string) *job.Job {
	t.Helper()

	record, created, err := store.CreateIfAbsent(context.Background(), NewJob(t, sourceKey))
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if !created {
		t.Fatalf("expected fresh record for key %s", sourceKey)
	}
	return record
}
