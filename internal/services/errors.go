package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks failures worth retrying: network hiccups,
	// throttling, dependency timeouts.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks failures that retrying cannot fix: malformed
	// input, policy violations, unsupported formats.
	ErrPermanent = errors.New("permanent failure")
	// ErrStoreUnavailable marks metadata or object store outages. Intake
	// messages hitting this are requeued rather than failed.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound marks missing records or blobs.
	ErrNotFound = errors.New("not found")
	// ErrTimeout marks bounded step executions that ran out of time.
	// Timeouts classify as transient.
	ErrTimeout = errors.New("timeout")
)

// Kind is the retry classification of a failure.
type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

// Wrap builds an error message that includes step context while tagging it
// with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, step, operation, message string, err error) error {
	detail := buildDetail(step, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Transient wraps err as a retryable failure.
func Transient(step, operation, message string, err error) error {
	return Wrap(ErrTransient, step, operation, message, err)
}

// Permanent wraps err as a non-retryable failure.
func Permanent(step, operation, message string, err error) error {
	return Wrap(ErrPermanent, step, operation, message, err)
}

// Classify maps an error to its retry classification. Timeouts and store
// outages are transient; anything not explicitly tagged is treated as
// transient so that unknown conditions get the bounded retry budget rather
// than failing a job outright.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindTransient
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindTransient
	}
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return Classify(err) == KindPermanent
}

// Reason extracts a human-readable failure reason from a tagged error,
// stripping the sentinel prefix so callers can persist a message that reads
// well in a status response.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	message := strings.TrimSpace(err.Error())
	for _, marker := range []error{ErrTransient, ErrPermanent, ErrStoreUnavailable, ErrNotFound, ErrTimeout} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(message, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(message, prefix))
		}
	}
	return message
}

func buildDetail(step, operation, message string) string {
	parts := make([]string, 0, 3)
	if step = strings.TrimSpace(step); step != "" {
		parts = append(parts, step)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
