package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"imageflow/internal/retry"
	"imageflow/internal/services"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2.0}
}

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	attempts, err := retry.Do(context.Background(), fastPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("expected single attempt, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	attempts, err := retry.Do(context.Background(), fastPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return services.Transient("resize", "transform", "upstream flake", errors.New("connection reset"))
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permErr := services.Permanent("validate", "decode", "unsupported format", nil)
	calls := 0
	attempts, err := retry.Do(context.Background(), fastPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		return permErr
	}, nil)
	if !errors.Is(err, services.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("permanent error must not retry, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestDoExhaustsAttemptBudget(t *testing.T) {
	calls := 0
	attempts, err := retry.Do(context.Background(), fastPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		return services.Transient("watermark", "render", "timeout", context.DeadlineExceeded)
	}, nil)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestDoAbortsBetweenAttempts(t *testing.T) {
	calls := 0
	attempts, err := retry.Do(context.Background(), fastPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		return services.Transient("resize", "transform", "flaky", nil)
	}, func(ctx context.Context) bool { return true })
	if !errors.Is(err, retry.ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("abort should stop after first attempt, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := retry.Policy{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 2.0}
	_, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		cancel()
		return services.Transient("resize", "transform", "flaky", nil)
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDelaySequence(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2.0}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, expected := range want {
		if got := policy.Delay(i + 1); got != expected {
			t.Fatalf("Delay(%d) = %v, want %v", i+1, got, expected)
		}
	}
}
