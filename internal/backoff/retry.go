package backoff

import (
	"context"
	"errors"
)

// ErrExhausted is returned when every retry attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. Retry stops immediately and returns
// the wrapped error instead of sleeping for another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Result holds the outcome of a Retry call.
type Result[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of attempts made, starting at 1.
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// Retry executes fn with exponential backoff until it succeeds, returns a
// Permanent error, exhausts maxAttempts, or the context is canceled.
// fn receives the current attempt number starting at 1.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	fn func(attempt int) (T, error),
) (Result[T], error) {
	var result Result[T]

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}
		result.LastError = err

		var perm *permanentError
		if errors.As(err, &perm) {
			result.LastError = perm.err
			return result, perm.err
		}

		if attempt < maxAttempts {
			if err := SleepWithBackoff(ctx, policy, attempt); err != nil {
				return result, err
			}
		}
	}

	return result, ErrExhausted
}
