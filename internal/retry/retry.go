// Package retry bounds the number and pacing of attempts for transient step
// failures. The orchestrator owns all retry policy; executors just classify
// their errors.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"imageflow/internal/services"
)

// ErrAborted signals that the retry loop stopped early because the caller's
// abort check fired, typically because a concurrent worker already moved the
// job to a terminal state. It is not a failure.
var ErrAborted = errors.New("retry aborted")

// Policy bounds retries for a single step-attempt sequence.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultPolicy mirrors the operational retry configuration: three attempts,
// two-second base delay, doubling between attempts.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2.0}
}

// Delay returns the backoff before retry n (1-based): BaseDelay * Multiplier^(n-1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	scaled := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if scaled > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(scaled)
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	return p
}

// AbortFunc reports whether the attempt sequence should stop early. It is
// consulted between attempts, never mid-attempt.
type AbortFunc func(ctx context.Context) bool

// Do invokes fn until it succeeds, fails permanently, or the attempt budget
// is exhausted. Transient failures sleep Delay(attempt) before the next try.
// No lock is held across the sleep; the job record stays in its current
// state until the sequence resolves.
//
// The returned attempt count is the number of invocations made. The error is
// nil on success, ErrAborted when abort fired, the permanent error verbatim,
// or the final transient error after exhaustion.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error, abort AbortFunc) (int, error) {
	policy = policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if services.IsPermanent(lastErr) {
			return attempt, lastErr
		}
		if attempt == policy.MaxAttempts {
			return attempt, lastErr
		}

		if err := sleep(ctx, policy.Delay(attempt)); err != nil {
			return attempt, err
		}
		if abort != nil && abort(ctx) {
			return attempt, ErrAborted
		}
	}
	return policy.MaxAttempts, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
