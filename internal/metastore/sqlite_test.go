package metastore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"imageflow/internal/job"
	"imageflow/internal/metastore"
)

func openStore(t *testing.T) *metastore.SQLiteStore {
	t.Helper()
	store, err := metastore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newJob(key string) *job.Job {
	return &job.Job{
		ID:             uuid.NewString(),
		OwnerID:        "user-1",
		IdempotencyKey: key,
		Source:         job.SourceRef{Store: "uploads", Key: "uploads/user-1/cat.png"},
		Filename:       "cat.png",
		SizeBytes:      2048,
	}
}

func TestCreateIfAbsentAssignsInitialState(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	created, fresh, err := store.CreateIfAbsent(ctx, newJob("key-1"))
	if err != nil {
		t.Fatalf("CreateIfAbsent failed: %v", err)
	}
	if !fresh {
		t.Fatal("expected first insert to create the record")
	}
	if created.Status != job.StatusQueued {
		t.Fatalf("status = %s, want %s", created.Status, job.StatusQueued)
	}
	if created.Version != 1 {
		t.Fatalf("version = %d, want 1", created.Version)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be set")
	}
}

func TestCreateIfAbsentDeduplicates(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first, fresh, err := store.CreateIfAbsent(ctx, newJob("dup-key"))
	if err != nil || !fresh {
		t.Fatalf("first insert: %v fresh=%v", err, fresh)
	}

	second, fresh, err := store.CreateIfAbsent(ctx, newJob("dup-key"))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if fresh {
		t.Fatal("expected duplicate key to return existing record")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate admission produced a different job: %s vs %s", second.ID, first.ID)
	}

	jobs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(jobs))
	}
}

func TestCreateIfAbsentRequiresKey(t *testing.T) {
	store := openStore(t)
	record := newJob("")
	if _, _, err := store.CreateIfAbsent(context.Background(), record); err == nil {
		t.Fatal("expected error for missing idempotency key")
	}
}

func TestConditionalUpdateAdvancesVersion(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	record, _, err := store.CreateIfAbsent(ctx, newJob("key-cas"))
	if err != nil {
		t.Fatalf("CreateIfAbsent failed: %v", err)
	}

	record.Status = job.StatusValidating
	updated, err := store.ConditionalUpdate(ctx, record, record.Version)
	if err != nil {
		t.Fatalf("ConditionalUpdate failed: %v", err)
	}
	if updated.Version != record.Version+1 {
		t.Fatalf("version = %d, want %d", updated.Version, record.Version+1)
	}
	if updated.Status != job.StatusValidating {
		t.Fatalf("status = %s, want validating", updated.Status)
	}
}

func TestConditionalUpdateRejectsStaleVersion(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	record, _, err := store.CreateIfAbsent(ctx, newJob("key-stale"))
	if err != nil {
		t.Fatalf("CreateIfAbsent failed: %v", err)
	}

	// First writer wins.
	winner := record.Clone()
	winner.Status = job.StatusValidating
	if _, err := store.ConditionalUpdate(ctx, winner, record.Version); err != nil {
		t.Fatalf("winning update failed: %v", err)
	}

	// Second writer holds the stale version.
	loser := record.Clone()
	loser.Status = job.StatusValidating
	_, err = store.ConditionalUpdate(ctx, loser, record.Version)
	if !errors.Is(err, metastore.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestConditionalUpdateFreezesTerminalRecords(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	record, _, err := store.CreateIfAbsent(ctx, newJob("key-terminal"))
	if err != nil {
		t.Fatalf("CreateIfAbsent failed: %v", err)
	}

	record.Status = job.StatusValidating
	record, err = store.ConditionalUpdate(ctx, record, record.Version)
	if err != nil {
		t.Fatalf("move to validating: %v", err)
	}

	record.Status = job.StatusFailed
	record.Failure = &job.FailureDetail{FailedStep: job.StepValidate, Reason: "unsupported format", Attempts: 1}
	record, err = store.ConditionalUpdate(ctx, record, record.Version)
	if err != nil {
		t.Fatalf("move to failed: %v", err)
	}

	// Even a correct version must not move a terminal record.
	record.Status = job.StatusCompleted
	if _, err := store.ConditionalUpdate(ctx, record, record.Version); !errors.Is(err, metastore.ErrVersionConflict) {
		t.Fatalf("expected terminal record to be frozen, got %v", err)
	}

	reloaded, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if reloaded.Status != job.StatusFailed {
		t.Fatalf("terminal status mutated to %s", reloaded.Status)
	}
	if reloaded.Failure == nil || reloaded.Failure.Reason != "unsupported format" {
		t.Fatalf("failure detail lost: %+v", reloaded.Failure)
	}
}

func TestConditionalUpdateMissingJob(t *testing.T) {
	store := openStore(t)
	record := newJob("key-missing")
	record.Status = job.StatusValidating
	_, err := store.ConditionalUpdate(context.Background(), record, 1)
	if !errors.Is(err, metastore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStepResultsRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	record, _, err := store.CreateIfAbsent(ctx, newJob("key-results"))
	if err != nil {
		t.Fatalf("CreateIfAbsent failed: %v", err)
	}

	record.Status = job.StatusValidating
	record, err = store.ConditionalUpdate(ctx, record, record.Version)
	if err != nil {
		t.Fatalf("move to validating: %v", err)
	}

	record.Status = job.StatusResizing
	record.RecordStepResult(job.StepValidate, job.StepResult{
		Outcome:  job.OutcomeSuccess,
		Detail:   "png 640x480",
		Attempts: 1,
	})
	record, err = store.ConditionalUpdate(ctx, record, record.Version)
	if err != nil {
		t.Fatalf("advance with step result: %v", err)
	}

	reloaded, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	result, ok := reloaded.StepResults[job.StepValidate]
	if !ok {
		t.Fatal("validate step result missing after reload")
	}
	if result.Outcome != job.OutcomeSuccess || result.Detail != "png 640x480" {
		t.Fatalf("unexpected step result: %+v", result)
	}
}

func TestStatsGroupsByStatus(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	for i, key := range []string{"s1", "s2", "s3"} {
		record, _, err := store.CreateIfAbsent(ctx, newJob(key))
		if err != nil {
			t.Fatalf("CreateIfAbsent failed: %v", err)
		}
		if i == 0 {
			record.Status = job.StatusValidating
			if _, err := store.ConditionalUpdate(ctx, record, record.Version); err != nil {
				t.Fatalf("ConditionalUpdate failed: %v", err)
			}
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats[job.StatusQueued] != 2 || stats[job.StatusValidating] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := openStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, metastore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
