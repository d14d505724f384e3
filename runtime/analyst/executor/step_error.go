package executor

import (
	"errors"
	"fmt"
)

// StepError is a typed step failure. It preserves the message and causal
// chain of the underlying failure and supports errors.Is/As.
type StepError struct {
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying failure.
	Cause *StepError
	// err is the original error when the StepError was converted from one, so
	// errors.Is keeps matching sentinels such as context.DeadlineExceeded.
	err error
}

// NewStepError constructs a StepError with the provided message.
func NewStepError(message string) *StepError {
	if message == "" {
		message = "step failed"
	}
	return &StepError{Message: message}
}

// StepErrorf formats a StepError message.
func StepErrorf(format string, args ...any) *StepError {
	return NewStepError(fmt.Sprintf(format, args...))
}

// WrapStepError constructs a StepError wrapping cause.
func WrapStepError(message string, cause error) *StepError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &StepError{Message: message, Cause: AsStepError(cause)}
}

// AsStepError converts an arbitrary error into a StepError chain. Existing
// StepErrors in the chain are returned as is.
func AsStepError(err error) *StepError {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return &StepError{
		Message: err.Error(),
		Cause:   AsStepError(errors.Unwrap(err)),
		err:     err,
	}
}

// Error implements error.
func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the cause.
func (e *StepError) Unwrap() error {
	if e == nil {
		return nil
	}
	if e.err != nil {
		return e.err
	}
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}
