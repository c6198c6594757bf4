package executor

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("executor disabled")
	ErrStopped     = errors.New("executor stopped")
	ErrQueueFull   = errors.New("executor queue full")
	ErrUnknownType = errors.New("no handler for task type")
)

// NoRetry marks an error as permanent: the task fails without further
// attempts.
//
//	return nil, executor.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter asks for the next attempt to wait at least after, bounded by
// the configured maximum delay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return fmt.Sprintf("%v (retry after %s)", e.err, e.after) }
func (e retryAfterError) Unwrap() error { return e.err }
