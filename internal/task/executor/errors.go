package executor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoExecutor is returned when a task type has no registered handler.
	ErrNoExecutor  = errors.New("no executor registered")
	ErrUnknownType = errors.New("unknown task type")
)

// Permanent marks an error as non-retryable.
//
// Executors wrap malformed payloads or other failures that will never succeed
// so the dispatcher dead-letters the task instead of burning retries.
//
// Example:
//
//	return executor.Permanent(fmt.Errorf("payload.messageId: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter attaches a minimum retry delay to a transient error, e.g. the
// Retry-After value of an HTTP 429.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterHint returns the delay carried by a RetryAfter error, or 0.
func RetryAfterHint(err error) time.Duration {
	var e retryAfterError
	if errors.As(err, &e) {
		return e.after
	}
	return 0
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error { return e.err }
