package supervisor

import (
	"errors"
	"fmt"
)

// ErrAttemptTimedOut is the cause of an attempt stopped by its deadline.
var ErrAttemptTimedOut = errors.New("install attempt timed out")

// RetryExhaustedError is returned when no attempt completed, either because
// every attempt failed or because the run was cancelled.
type RetryExhaustedError struct {
	Attempts int
	Last     Outcome
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	msg := fmt.Sprintf("install did not complete after %d attempt(s)", e.Attempts)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(": last attempt %s (exit code %d), image kept at %s",
			e.Last.State, e.Last.ExitCode, e.Last.ImagePath)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}
