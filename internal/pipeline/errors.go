package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// NoRetry marks an error as non-retryable.
//
// Executors wrap permanent failures (item gone upstream, invalid mapping)
// with NoRetry so the scheduler fails the job terminally instead of burning
// retry slots.
//
// Example:
//
//	return pipeline.Result{}, pipeline.NoRetry(fmt.Errorf("item removed: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt, e.g. from an
// upstream Retry-After header. The scheduler passes the hint to the queue,
// which uses it instead of its own exponential backoff for that attempt.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryHint extracts a RetryAfter delay from err, if any.
func RetryHint(err error) (time.Duration, bool) {
	var e retryAfterError
	if errors.As(err, &e) {
		return e.after, true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error { return e.err }
