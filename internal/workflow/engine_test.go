package workflow_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"imageflow/internal/blobstore"
	"imageflow/internal/config"
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

type scriptedExecutor struct {
	step string

	mu    sync.Mutex
	calls int
	fn    func(call int, req steps.Request) (steps.Result, error)
}

func (s *scriptedExecutor) Step() string { return s.step }

func (s *scriptedExecutor) Execute(ctx context.Context, req steps.Request) (steps.Result, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return steps.Result{Detail: s.step + " ok"}, nil
	}
	return fn(call, req)
}

func (s *scriptedExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	workers   int
}

func (r *recordingNotifier) NotifyJobCompleted(_ context.Context, record *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, record.ID)
	return nil
}

func (r *recordingNotifier) NotifyJobFailed(_ context.Context, record *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, record.ID)
	return nil
}

func (r *recordingNotifier) NotifyWorkersStarted(_ context.Context, workers int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = workers
	return nil
}

func (r *recordingNotifier) NotifyError(context.Context, error, string) error { return nil }
func (r *recordingNotifier) TestNotification(context.Context) error           { return nil }

func (r *recordingNotifier) counts() (completed, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed), len(r.failed)
}

type testHarness struct {
	cfg       *config.Config
	store     *metastore.SQLiteStore
	blobs     *blobstore.FSStore
	engine    *workflow.Engine
	notifier  *recordingNotifier
	validate  *scriptedExecutor
	resize    *scriptedExecutor
	watermark *scriptedExecutor
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *testHarness {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	blobs := testsupport.MustOpenBlobs(t, cfg)
	notifier := &recordingNotifier{}

	h := &testHarness{
		cfg:       cfg,
		store:     store,
		blobs:     blobs,
		notifier:  notifier,
		validate:  &scriptedExecutor{step: job.StepValidate},
		resize:    &scriptedExecutor{step: job.StepResize},
		watermark: &scriptedExecutor{step: job.StepWatermark},
	}

	engine, err := workflow.New(cfg, store, blobs,
		[]steps.Executor{h.validate, h.resize, h.watermark},
		notifier, nil, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("workflow.New: %v", err)
	}
	h.engine = engine
	return h
}

func submission(key string) intake.Message {
	return intake.Message{
		IdempotencyKey: key,
		OwnerID:        "user-1",
		SourceStore:    "local",
		SourceKey:      "uploads/user-1/photo.png",
		Filename:       "photo.png",
		SizeBytes:      2048,
	}
}

func (h *testHarness) submitAndDrive(t *testing.T, key string) *job.Job {
	t.Helper()
	ctx := context.Background()
	record, created, err := h.engine.Submit(ctx, submission(key))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !created {
		t.Fatalf("expected fresh record for key %s", key)
	}
	if err := h.engine.Drive(ctx, record.ID); err != nil {
		t.Fatalf("Drive: %v", err)
	}
	final, err := h.store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get after drive: %v", err)
	}
	return final
}

func TestDriveHappyPath(t *testing.T) {
	h := newHarness(t)
	final := h.submitAndDrive(t, uuid.NewString())

	if final.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	for _, step := range job.StepNames() {
		result, ok := final.StepResults[step]
		if !ok {
			t.Fatalf("missing step result for %s", step)
		}
		if result.Outcome != job.OutcomeSuccess {
			t.Fatalf("step %s outcome = %s", step, result.Outcome)
		}
		if result.Attempts != 1 {
			t.Fatalf("step %s attempts = %d, want 1", step, result.Attempts)
		}
		if result.CompletedAt.Before(result.StartedAt) {
			t.Fatalf("step %s completed before it started", step)
		}
	}
	if final.Failure != nil {
		t.Fatalf("unexpected failure record: %+v", final.Failure)
	}

	completed, failed := h.notifier.counts()
	if completed != 1 || failed != 0 {
		t.Fatalf("notifications = (%d completed, %d failed), want (1, 0)", completed, failed)
	}
}

func TestDriveRetriesTransientFailureWithinBudget(t *testing.T) {
	h := newHarness(t)
	h.resize.fn = func(call int, req steps.Request) (steps.Result, error) {
		if call < 2 {
			return steps.Result{}, services.Transient(job.StepResize, "transform", "flaky tool", nil)
		}
		return steps.Result{Detail: "resize ok"}, nil
	}

	final := h.submitAndDrive(t, uuid.NewString())
	if final.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if got := final.StepResults[job.StepResize].Attempts; got != 2 {
		t.Fatalf("resize attempts = %d, want 2", got)
	}
	if h.resize.callCount() != 2 {
		t.Fatalf("resize executions = %d, want 2", h.resize.callCount())
	}
}

func TestDriveFailsAfterRetryExhaustion(t *testing.T) {
	h := newHarness(t)
	h.resize.fn = func(call int, req steps.Request) (steps.Result, error) {
		return steps.Result{}, services.Transient(job.StepResize, "transform", "tool keeps crashing", nil)
	}

	final := h.submitAndDrive(t, uuid.NewString())
	if final.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.Failure == nil {
		t.Fatal("missing failure detail")
	}
	if final.Failure.FailedStep != job.StepResize {
		t.Fatalf("failed step = %s, want resize", final.Failure.FailedStep)
	}
	if final.Failure.Attempts != h.cfg.Retry.MaxAttempts {
		t.Fatalf("failure attempts = %d, want %d", final.Failure.Attempts, h.cfg.Retry.MaxAttempts)
	}
	if h.resize.callCount() != h.cfg.Retry.MaxAttempts {
		t.Fatalf("resize executions = %d, want %d", h.resize.callCount(), h.cfg.Retry.MaxAttempts)
	}
	if h.watermark.callCount() != 0 {
		t.Fatal("watermark must not run after resize failed")
	}

	completed, failed := h.notifier.counts()
	if completed != 0 || failed != 1 {
		t.Fatalf("notifications = (%d completed, %d failed), want (0, 1)", completed, failed)
	}
}

func TestDrivePermanentFailureSkipsRetries(t *testing.T) {
	h := newHarness(t)
	h.validate.fn = func(call int, req steps.Request) (steps.Result, error) {
		return steps.Result{}, services.Permanent(job.StepValidate, "check format", "format \"bmp\" is not allowed", nil)
	}

	final := h.submitAndDrive(t, uuid.NewString())
	if final.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if h.validate.callCount() != 1 {
		t.Fatalf("validate executions = %d, want 1", h.validate.callCount())
	}
	if final.Failure.Attempts != 1 {
		t.Fatalf("failure attempts = %d, want 1", final.Failure.Attempts)
	}
	if final.Failure.Reason == "" {
		t.Fatal("failure reason must be populated")
	}
	if h.resize.callCount() != 0 {
		t.Fatal("resize must not run after validate failed")
	}
}

func TestDriveCleansUpIntermediateArtifactsOnFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.resize.fn = func(call int, req steps.Request) (steps.Result, error) {
		key := steps.ResizedKey(req.Job.ID, steps.DefaultResizeTargets[0], req.Job.Filename)
		if _, err := h.blobs.Put(ctx, key, []byte("rendition"), nil); err != nil {
			return steps.Result{}, err
		}
		return steps.Result{OutputKeys: []string{key}, Detail: "1 rendition"}, nil
	}
	h.watermark.fn = func(call int, req steps.Request) (steps.Result, error) {
		return steps.Result{}, services.Permanent(job.StepWatermark, "annotate", "corrupt pixel data", nil)
	}

	final := h.submitAndDrive(t, uuid.NewString())
	if final.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}

	renditionKey := steps.ResizedKey(final.ID, steps.DefaultResizeTargets[0], final.Filename)
	if _, err := h.blobs.Get(ctx, renditionKey); !errors.Is(err, blobstore.ErrNotFound) {
		t.Fatalf("expected rendition %s to be cleaned up, got %v", renditionKey, err)
	}
}

func TestSubmitDeduplicatesByIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := uuid.NewString()

	first, created, err := h.engine.Submit(ctx, submission(key))
	if err != nil || !created {
		t.Fatalf("first submit: created=%v err=%v", created, err)
	}
	second, created, err := h.engine.Submit(ctx, submission(key))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if created {
		t.Fatal("duplicate submission must not create a record")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned different job: %s vs %s", second.ID, first.ID)
	}
}

func TestResubmitAfterCompletionDoesNotReprocess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := uuid.NewString()

	final := h.submitAndDrive(t, key)
	if final.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	callsBefore := h.validate.callCount()

	record, created, err := h.engine.Submit(ctx, submission(key))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if created {
		t.Fatal("resubmit created a new record")
	}
	if record.Status != job.StatusCompleted {
		t.Fatalf("resubmit returned status %s, want completed", record.Status)
	}
	if err := h.engine.Drive(ctx, record.ID); err != nil {
		t.Fatalf("Drive on terminal job: %v", err)
	}
	if h.validate.callCount() != callsBefore {
		t.Fatal("terminal job must not re-run steps")
	}
}

func TestConcurrentDriversConvergeWithOneTerminalTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	record, _, err := h.engine.Submit(ctx, submission(uuid.NewString()))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	const drivers = 4
	var wg sync.WaitGroup
	errs := make([]error, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.engine.Drive(ctx, record.ID)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("driver %d: %v", i, err)
		}
	}

	final, err := h.store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	completed, failed := h.notifier.counts()
	if completed != 1 || failed != 0 {
		t.Fatalf("terminal side effects ran %d+%d times, want exactly once", completed, failed)
	}
}

func TestStaleFailureDoesNotOverwriteAdvancedStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	record, _, err := h.engine.Submit(ctx, submission(uuid.NewString()))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// While the first validate attempt is in flight, a concurrent worker
	// records the step as successful and advances the job to resizing. The
	// slow attempt's failure is then stale and must not land.
	h.validate.fn = func(call int, req steps.Request) (steps.Result, error) {
		if call == 1 {
			advanced := req.Job.Clone()
			advanced.Status = job.StatusResizing
			advanced.RecordStepResult(job.StepValidate, job.StepResult{
				StartedAt:   time.Now().UTC(),
				CompletedAt: time.Now().UTC(),
				Outcome:     job.OutcomeSuccess,
				Detail:      "png 640x480",
				Attempts:    1,
			})
			if _, casErr := h.store.ConditionalUpdate(ctx, advanced, req.Job.Version); casErr != nil {
				t.Errorf("concurrent advance: %v", casErr)
			}
			return steps.Result{}, services.Permanent(job.StepValidate, "decode", "corrupt header", nil)
		}
		return steps.Result{Detail: "validate ok"}, nil
	}

	if err := h.engine.Drive(ctx, record.ID); err != nil {
		t.Fatalf("Drive: %v", err)
	}

	final, err := h.store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.Failure != nil {
		t.Fatalf("stale failure was recorded: %+v", final.Failure)
	}
	if result := final.StepResults[job.StepValidate]; result.Outcome != job.OutcomeSuccess {
		t.Fatalf("validate outcome = %s, want the concurrent worker's success to stand", result.Outcome)
	}
	completed, failed := h.notifier.counts()
	if completed != 1 || failed != 0 {
		t.Fatalf("notifications = (%d, %d), want one completion and no failure", completed, failed)
	}
}

type stubCache struct {
	mu      sync.Mutex
	records map[string]*job.Job
	puts    int
}

func (c *stubCache) Get(_ context.Context, jobID string) (*job.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[jobID]
	return record, ok
}

func (c *stubCache) Put(_ context.Context, record *job.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.records == nil {
		c.records = make(map[string]*job.Job)
	}
	c.records[record.ID] = record
	c.puts++
}

func (c *stubCache) Close() error { return nil }

func TestGetStatusCachesTerminalRecords(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	blobs := testsupport.MustOpenBlobs(t, cfg)
	cache := &stubCache{}

	engine, err := workflow.New(cfg, store, blobs,
		[]steps.Executor{
			&scriptedExecutor{step: job.StepValidate},
			&scriptedExecutor{step: job.StepResize},
			&scriptedExecutor{step: job.StepWatermark},
		},
		&recordingNotifier{}, cache, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("workflow.New: %v", err)
	}

	ctx := context.Background()
	record, _, err := engine.Submit(ctx, submission(uuid.NewString()))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Queued records never enter the cache.
	if _, err := engine.GetStatus(ctx, record.ID); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if cache.puts != 0 {
		t.Fatalf("non-terminal record was cached (%d puts)", cache.puts)
	}

	if err := engine.Drive(ctx, record.ID); err != nil {
		t.Fatalf("Drive: %v", err)
	}
	status, err := engine.GetStatus(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetStatus after completion: %v", err)
	}
	if status.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", status.Status)
	}
	if cache.puts == 0 {
		t.Fatal("terminal record was not cached")
	}
	if cached, ok := cache.Get(ctx, record.ID); !ok || cached.Status != job.StatusCompleted {
		t.Fatal("cache does not answer with the terminal record")
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.GetStatus(context.Background(), uuid.NewString())
	if !errors.Is(err, metastore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitRejectsInvalidMessage(t *testing.T) {
	h := newHarness(t)
	msg := submission(uuid.NewString())
	msg.SourceKey = ""
	if _, _, err := h.engine.Submit(context.Background(), msg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestNewRequiresAllStepExecutors(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	blobs := testsupport.MustOpenBlobs(t, cfg)

	_, err := workflow.New(cfg, store, blobs,
		[]steps.Executor{&scriptedExecutor{step: job.StepValidate}},
		&recordingNotifier{}, nil, nil, logging.NewNop())
	if err == nil {
		t.Fatal("expected error for missing executors")
	}
	if !strings.Contains(err.Error(), job.StepResize) {
		t.Fatalf("error should name the missing step, got %v", err)
	}
}
