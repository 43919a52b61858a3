package types

import (
	"errors"
	"fmt"
)

var (
	ErrInitialization     = errors.New("initialization failed")
	ErrAuthorizationQuery = errors.New("commit authorization query failed")
	ErrCommit             = errors.New("commit failed")
	ErrAbort              = errors.New("abort failed")
	ErrTelemetry          = errors.New("telemetry flush failed")

	// ErrCommitCancelled is returned when the authorization wait was stopped
	// by cancellation of the surrounding context.
	ErrCommitCancelled = errors.New("commit authorization cancelled")
	// ErrCommitDenied is returned when the configured ceiling of negative
	// authorization answers was reached.
	ErrCommitDenied = errors.New("commit authorization denied")
	ErrAlreadyDone  = errors.New("attempt already done")
	ErrNotReady     = errors.New("attempt not initialized")
)

// AttemptError ties a failure to the attempt and step that produced it.
// It unwraps to both Kind and Err.
type AttemptError struct {
	Kind    error
	Attempt string
	Op      string
	Err     error
}

func (e *AttemptError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Attempt != "" {
		msg = e.Attempt + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AttemptError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewAttemptError(kind error, attempt, op string, err error) *AttemptError {
	return &AttemptError{Kind: kind, Attempt: attempt, Op: op, Err: err}
}
