package retry

import (
	"errors"
	"fmt"
	"time"
)

// An operation passed to Do steers the loop through the error it returns.
// A plain error is retried under the Policy. The two wrappers below change
// that, and both stay transparent to errors.Is and errors.As.

// NoRetry stops Do after the current attempt. Do hands back err itself,
// not the wrapper, so callers never see it.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

// IsNoRetry reports whether NoRetry appears anywhere in err's chain.
func IsNoRetry(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type permanentError struct{ cause error }

func (e *permanentError) Error() string { return e.cause.Error() + " (permanent)" }
func (e *permanentError) Unwrap() error { return e.cause }

// RetryAfterError is satisfied by any error that names its own wait
// before the next attempt, such as an HTTP 429 with a Retry-After header.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter asks Do to wait d before retrying instead of the computed
// backoff. MaxDelay still caps the wait and jitter is still added. A
// negative d means retry at once.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &delayedError{cause: err, wait: max(d, 0)}
}

type delayedError struct {
	cause error
	wait  time.Duration
}

func (e *delayedError) Error() string {
	return fmt.Sprintf("%v (retry in %s)", e.cause, e.wait)
}

func (e *delayedError) Unwrap() error              { return e.cause }
func (e *delayedError) RetryAfter() time.Duration { return e.wait }
