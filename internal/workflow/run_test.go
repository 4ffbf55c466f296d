package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"imageflow/internal/intake"
	"imageflow/internal/job"
	"imageflow/internal/logging"
	"imageflow/internal/metastore"
	"imageflow/internal/services"
	"imageflow/internal/steps"
	"imageflow/internal/testsupport"
	"imageflow/internal/workflow"

	"github.com/google/uuid"
)

func waitForStatus(t *testing.T, h *testHarness, key string, want job.Status) *job.Job {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		record, err := h.store.GetByIdempotencyKey(ctx, key)
		if err == nil && record.Status == want {
			return record
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job with key %s never reached %s", key, want)
	return nil
}

func TestRunProcessesIntakeMessages(t *testing.T) {
	h := newHarness(t, testsupport.WithWorkers(2))
	source := intake.NewMemorySource(16)
	defer source.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.engine.Run(ctx, source)
	}()

	keys := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	for _, key := range keys {
		if err := source.Publish(ctx, submission(key)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for _, key := range keys {
		waitForStatus(t, h, key, job.StatusCompleted)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestRunRedeliveredDuplicateIsAbsorbed(t *testing.T) {
	h := newHarness(t)
	source := intake.NewMemorySource(16)
	defer source.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.engine.Run(ctx, source) }()

	key := uuid.NewString()
	// Simulate an at-least-once queue delivering the same message twice.
	if err := source.Publish(ctx, submission(key)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := source.Publish(ctx, submission(key)); err != nil {
		t.Fatalf("Publish duplicate: %v", err)
	}

	record := waitForStatus(t, h, key, job.StatusCompleted)

	// Give the duplicate time to be consumed, then confirm nothing changed.
	time.Sleep(100 * time.Millisecond)
	fresh, err := h.store.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fresh.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", fresh.Status)
	}
	completed, failed := h.notifier.counts()
	if completed != 1 || failed != 0 {
		t.Fatalf("notifications = (%d, %d), want exactly one completion", completed, failed)
	}
}

func TestRunDrivesFailuresToFailedStatus(t *testing.T) {
	h := newHarness(t)
	h.watermark.fn = func(call int, req steps.Request) (steps.Result, error) {
		return steps.Result{}, services.Permanent(job.StepWatermark, "annotate", "corrupt pixel data", nil)
	}
	source := intake.NewMemorySource(16)
	defer source.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.engine.Run(ctx, source) }()

	key := uuid.NewString()
	if err := source.Publish(ctx, submission(key)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	record := waitForStatus(t, h, key, job.StatusFailed)
	if record.Failure == nil || record.Failure.FailedStep != job.StepWatermark {
		t.Fatalf("unexpected failure detail: %+v", record.Failure)
	}
}

// flakyStore fails a scripted number of ConditionalUpdate calls before
// delegating, standing in for a metadata store that drops out mid-drive.
type flakyStore struct {
	metastore.Store

	mu       sync.Mutex
	failures int
}

func (f *flakyStore) ConditionalUpdate(ctx context.Context, record *job.Job, expectedVersion int64) (*job.Job, error) {
	f.mu.Lock()
	inject := f.failures > 0
	if inject {
		f.failures--
	}
	f.mu.Unlock()
	if inject {
		return nil, services.Wrap(services.ErrStoreUnavailable, "", "conditional_update", "store connection lost", nil)
	}
	return f.Store.ConditionalUpdate(ctx, record, expectedVersion)
}

func TestRunResumesJobAfterStoreOutageMidDrive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	sqlite := testsupport.MustOpenStore(t, cfg)
	blobs := testsupport.MustOpenBlobs(t, cfg)
	store := &flakyStore{Store: sqlite, failures: 1}
	notifier := &recordingNotifier{}

	executors := []steps.Executor{
		&scriptedExecutor{step: job.StepValidate},
		&scriptedExecutor{step: job.StepResize},
		&scriptedExecutor{step: job.StepWatermark},
	}
	engine, err := workflow.New(cfg, store, blobs, executors, notifier, nil, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("workflow.New: %v", err)
	}

	source := intake.NewMemorySource(16)
	defer source.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx, source) }()

	key := uuid.NewString()
	if err := source.Publish(ctx, submission(key)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// The first status transition fails. The delivery must stay in the
	// queue and the redelivery must drive the job the rest of the way.
	deadline := time.Now().Add(10 * time.Second)
	for {
		record, getErr := sqlite.GetByIdempotencyKey(context.Background(), key)
		if getErr == nil && record.Status == job.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			status := job.Status("missing")
			if getErr == nil {
				status = record.Status
			}
			t.Fatalf("job stuck in %q after store outage", status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	completed, failed := notifier.counts()
	if completed != 1 || failed != 0 {
		t.Fatalf("notifications = (%d, %d), want exactly one completion", completed, failed)
	}
}
