package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imageflow/internal/job"
	"imageflow/internal/logging"
	"imageflow/internal/metastore"
	"imageflow/internal/retry"
	"imageflow/internal/services"
	"imageflow/internal/steps"
)

// Drive processes one job until it reaches a terminal status or ctx ends.
// It is safe to call concurrently for the same job from multiple workers:
// every transition is a compare-and-swap, and a worker that loses a race
// reloads the record and converges on whatever the winner did.
func (e *Engine) Drive(ctx context.Context, jobID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := e.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if record.IsTerminal() {
			return nil
		}

		stage, ok := job.StageForStatus(record.Status)
		if !ok {
			return fmt.Errorf("job %s has no stage for status %q", record.ID, record.Status)
		}
		executor, ok := e.executors[stage.Step]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStep, stage.Step)
		}

		if record.Status != stage.Active {
			claim := record.Clone()
			claim.Status = stage.Active
			claimed, err := e.store.ConditionalUpdate(ctx, claim, record.Version)
			if errors.Is(err, metastore.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return err
			}
			record = claimed
			e.logger.Info("step started",
				logging.String(logging.FieldJobID, record.ID),
				logging.String(logging.FieldStep, stage.Step),
				logging.String(logging.FieldEventType, "step_start"),
			)
		}

		started := e.now().UTC()
		result, attempts, execErr := e.executeWithRetry(ctx, record, stage, executor)
		e.metrics.StepDuration.WithLabelValues(stage.Step).Observe(time.Since(started).Seconds())

		switch {
		case execErr == nil:
			if err := e.advance(ctx, record, stage, started, attempts, result); err != nil {
				return err
			}
		case errors.Is(execErr, retry.ErrAborted):
			// Another worker moved the job; reload and converge.
		case ctx.Err() != nil:
			return execErr
		default:
			if err := e.failJob(ctx, record, stage, started, attempts, execErr); err != nil {
				return err
			}
		}
	}
}

// executeWithRetry runs one step's bounded attempt sequence. Between
// attempts it peeks at the stored record and aborts if the job is no longer
// ours to drive.
func (e *Engine) executeWithRetry(ctx context.Context, record *job.Job, stage job.Stage, executor steps.Executor) (steps.Result, int, error) {
	var result steps.Result
	attempts, err := retry.Do(ctx, e.policy, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()

		res, execErr := executor.Execute(attemptCtx, steps.Request{Job: record.Clone()})
		if execErr != nil {
			if attemptCtx.Err() != nil && ctx.Err() == nil {
				execErr = services.Wrap(services.ErrTimeout, stage.Step, "execute", "attempt timed out", execErr)
			}
			e.metrics.StepAttempts.WithLabelValues(stage.Step, "failure").Inc()
			e.logger.Warn("step attempt failed",
				logging.String(logging.FieldJobID, record.ID),
				logging.String(logging.FieldStep, stage.Step),
				logging.Int(logging.FieldAttempt, attempt),
				logging.Error(execErr),
			)
			return execErr
		}
		e.metrics.StepAttempts.WithLabelValues(stage.Step, "success").Inc()
		result = res
		return nil
	}, func(ctx context.Context) bool {
		fresh, getErr := e.store.Get(ctx, record.ID)
		if getErr != nil {
			return false
		}
		return fresh.IsTerminal() || fresh.Status != stage.Active
	})
	return result, attempts, err
}

// advance records the step result and moves the job to the stage's next
// status. A version conflict is not an error: the caller reloads and
// converges.
func (e *Engine) advance(ctx context.Context, record *job.Job, stage job.Stage, started time.Time, attempts int, result steps.Result) error {
	next := record.Clone()
	next.Status = stage.Next
	next.RecordStepResult(stage.Step, job.StepResult{
		StartedAt:   started,
		CompletedAt: e.now().UTC(),
		Outcome:     job.OutcomeSuccess,
		Detail:      result.Detail,
		Attempts:    attempts,
		OutputKeys:  result.OutputKeys,
	})

	updated, err := e.store.ConditionalUpdate(ctx, next, record.Version)
	if errors.Is(err, metastore.ErrVersionConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	e.logger.Info("step completed",
		logging.String(logging.FieldJobID, updated.ID),
		logging.String(logging.FieldStep, stage.Step),
		logging.String(logging.FieldEventType, "step_complete"),
		logging.String("next_status", string(updated.Status)),
		logging.Int(logging.FieldAttempt, attempts),
		logging.Duration("step_duration", e.now().UTC().Sub(started)),
	)

	if updated.Status == job.StatusCompleted {
		e.finishCompleted(ctx, updated)
	}
	return nil
}

// finishCompleted runs the completion side effects. Only the worker whose
// compare-and-swap landed the terminal transition gets here, so the
// notification fires at most once per job.
func (e *Engine) finishCompleted(ctx context.Context, record *job.Job) {
	e.metrics.JobsCompleted.Inc()
	e.cache.Put(ctx, record)
	e.logger.Info("job completed",
		logging.String(logging.FieldJobID, record.ID),
		logging.String(logging.FieldEventType, "job_complete"),
	)
	if err := e.notifier.NotifyJobCompleted(ctx, record); err != nil {
		e.logger.Warn("completion notification failed",
			logging.String(logging.FieldJobID, record.ID),
			logging.Error(err),
		)
	}
}

// failJob lands the exactly-once transition to failed and then runs the
// best-effort side effects: notification and artifact cleanup. Neither side
// effect can change the outcome; the failure record is already durable.
func (e *Engine) failJob(ctx context.Context, record *job.Job, stage job.Stage, started time.Time, attempts int, execErr error) error {
	for {
		failed := record.Clone()
		failed.Status = job.StatusFailed
		failed.Failure = &job.FailureDetail{
			FailedStep: stage.Step,
			Reason:     services.Reason(execErr),
			Attempts:   attempts,
			LastError:  execErr.Error(),
		}
		failed.RecordStepResult(stage.Step, job.StepResult{
			StartedAt:   started,
			CompletedAt: e.now().UTC(),
			Outcome:     job.OutcomeFailure,
			Detail:      services.Reason(execErr),
			Attempts:    attempts,
		})

		updated, err := e.store.ConditionalUpdate(ctx, failed, record.Version)
		if errors.Is(err, metastore.ErrVersionConflict) {
			fresh, getErr := e.store.Get(ctx, record.ID)
			if getErr != nil {
				return getErr
			}
			if fresh.IsTerminal() {
				// Someone else landed a terminal transition; they own the
				// side effects.
				return nil
			}
			if fresh.Status != stage.Active {
				// Another worker advanced the job past this step, so the
				// failure is stale. Its recorded result must stand; the
				// caller reloads and drives the new active step.
				return nil
			}
			record = fresh
			continue
		}
		if err != nil {
			return err
		}

		e.metrics.JobsFailed.Inc()
		e.cache.Put(ctx, updated)
		e.logger.Error("job failed",
			logging.String(logging.FieldJobID, updated.ID),
			logging.String(logging.FieldStep, stage.Step),
			logging.String(logging.FieldEventType, "job_failed"),
			logging.Int(logging.FieldAttempt, attempts),
			logging.String("reason", updated.Failure.Reason),
		)
		if notifyErr := e.notifier.NotifyJobFailed(ctx, updated); notifyErr != nil {
			e.logger.Warn("failure notification failed",
				logging.String(logging.FieldJobID, updated.ID),
				logging.Error(notifyErr),
			)
		}
		e.cleanupArtifacts(ctx, updated)
		return nil
	}
}

// cleanupArtifacts deletes the intermediate outputs recorded by earlier
// steps of a failed job. Deletes are idempotent and best effort; a blob that
// outlives the job is an inefficiency, not a correctness problem.
func (e *Engine) cleanupArtifacts(ctx context.Context, record *job.Job) {
	for _, step := range job.StepNames() {
		result, ok := record.StepResults[step]
		if !ok {
			continue
		}
		for _, key := range result.OutputKeys {
			if err := e.blobs.Delete(ctx, key); err != nil {
				e.logger.Warn("artifact cleanup failed",
					logging.String(logging.FieldJobID, record.ID),
					logging.String("key", key),
					logging.Error(err),
				)
			}
		}
	}
}
