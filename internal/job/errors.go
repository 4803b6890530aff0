package job

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrInvalidRecurrenceRule = errors.New("invalid recurrence rule")
	// ErrClaimConflict means another writer changed the entry first. It is expected and non-fatal.
	ErrClaimConflict        = errors.New("claim conflict")
	ErrStoreUnavailable     = errors.New("job store unavailable")
	ErrLifecycleHookTimeout = errors.New("lifecycle hook timeout")
	ErrNotFound             = errors.New("job not found")
	ErrUnknownHandler       = errors.New("unknown job handler")
	ErrLeaseExpired         = errors.New("lease expired before completion")
)

// Unavailable wraps a backend error so callers can match ErrStoreUnavailable
// while keeping the driver error in the chain.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}

// PayloadFailure records that a job body failed. It is stored on the entry,
// never returned to the submitter.
type PayloadFailure struct {
	JobID   string
	Attempt int
	Err     error
}

func (e *PayloadFailure) Error() string {
	return fmt.Sprintf("job %s attempt %d: %v", e.JobID, e.Attempt, e.Err)
}

func (e *PayloadFailure) Unwrap() error { return e.Err }

// NoRetry marks an error as non-retryable.
//
// Handlers wrap validation errors or other permanent failures with NoRetry
// so the retry policy won't schedule another attempt.
//
// Example:
//
//	return job.NoRetry(fmt.Errorf("bad input: %w", err))
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

// RetryAfter provides a suggested delay before retrying.
//
// Useful when a downstream system returns a Retry-After value (e.g. HTTP 429).
// Retry policies respect the hint (bounded by their max delay).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
