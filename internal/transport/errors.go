package transport

import (
	"errors"
	"fmt"
	"time"
)

// Permanent marks a send failure as permanent for the addressed recipient:
// retrying within the same campaign cannot succeed (blocked, deactivated,
// chat gone, payload rejected).
//
// Example:
//
//	return transport.Permanent(fmt.Errorf("blocked by user: %w", err))
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

// RetryAfter provides a suggested delay before retrying.
//
// This is used when the platform returns an explicit flood-wait value.
// The engine respects the hint instead of its default backoff.
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
