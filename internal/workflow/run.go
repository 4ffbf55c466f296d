package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"imageflow/internal/intake"
	"imageflow/internal/logging"
	"imageflow/internal/services"
)

// Run consumes the intake source with the configured number of workers
// until ctx ends or the source closes. Each worker admits, drives, and acks
// one delivery at a time; prefetch on the source bounds how much work the
// daemon takes on.
func (e *Engine) Run(ctx context.Context, source intake.Source) error {
	workers := e.cfg.Workflow.Workers
	if workers < 1 {
		workers = 1
	}

	if err := e.notifier.NotifyWorkersStarted(ctx, workers); err != nil {
		e.logger.Warn("startup notification failed", logging.Error(err))
	}
	e.logger.Info("workers started",
		logging.Int("workers", workers),
		logging.String(logging.FieldEventType, "workers_started"),
	)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.runWorker(ctx, source, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (e *Engine) runWorker(ctx context.Context, source intake.Source, id int) {
	logger := e.logger.With(logging.Int("worker", id))
	for {
		delivery, err := source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, intake.ErrClosed) {
				return
			}
			logger.Error("intake receive failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "intake_receive_failed"),
			)
			if !e.pause(ctx) {
				return
			}
			continue
		}
		e.handleDelivery(ctx, logger, delivery)
	}
}

// handleDelivery is the at-least-once admission path. The message is acked
// only once the job has been driven to a settled outcome; a store outage
// during admission or mid-drive requeues the message instead, and the
// idempotency key absorbs the eventual redelivery.
func (e *Engine) handleDelivery(ctx context.Context, logger *slog.Logger, delivery *intake.Delivery) {
	record, _, err := e.Submit(ctx, delivery.Message)
	if err != nil {
		if errors.Is(err, services.ErrStoreUnavailable) {
			e.requeue(ctx, logger, delivery, err)
			return
		}
		logger.Warn("dropping rejected submission",
			logging.String("idempotency_key", delivery.Message.IdempotencyKey),
			logging.Error(err),
		)
		if ackErr := delivery.Ack(); ackErr != nil {
			logger.Warn("ack failed for rejected submission", logging.Error(ackErr))
		}
		return
	}

	if err := e.Drive(ctx, record.ID); err != nil {
		// The record is durable but not terminal. Keep the message in the
		// queue so a redelivery resumes the job from its stored status.
		if ctx.Err() == nil {
			logger.Error("job drive failed",
				logging.String(logging.FieldJobID, record.ID),
				logging.Error(err),
				logging.String(logging.FieldEventType, "job_drive_failed"),
			)
		}
		e.requeue(ctx, logger, delivery, err)
		return
	}

	if ackErr := delivery.Ack(); ackErr != nil {
		// The job is already terminal, so a redelivered message dedupes
		// cleanly and the next drive is a no-op.
		logger.Warn("ack failed after drive",
			logging.String(logging.FieldJobID, record.ID),
			logging.Error(ackErr),
		)
	}
}

func (e *Engine) requeue(ctx context.Context, logger *slog.Logger, delivery *intake.Delivery, cause error) {
	e.metrics.IntakeRequeued.Inc()
	logger.Warn("requeueing delivery",
		logging.String("idempotency_key", delivery.Message.IdempotencyKey),
		logging.Error(cause),
	)
	if rqErr := delivery.Requeue(); rqErr != nil {
		logger.Error("requeue failed, message will redeliver on channel recovery", logging.Error(rqErr))
	}
	if ctx.Err() == nil {
		e.pause(ctx)
	}
}

// pause sleeps for the configured error retry interval. It returns false
// when ctx ended during the sleep.
func (e *Engine) pause(ctx context.Context) bool {
	interval := time.Duration(e.cfg.Workflow.ErrorRetryInterval) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(interval):
		return true
	}
}
