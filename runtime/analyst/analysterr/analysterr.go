// Package analysterr defines the error taxonomy surfaced by the analyst
// runtime. Every collaborator, executor and store failure is converted into an
// *Error at the orchestrator boundary so callers can branch on Kind without
// parsing free-form text.
//
// Error.Message is short and safe to return to end users. The wrapped Cause
// carries full diagnostics and is only ever logged.
package analysterr

import (
	"errors"
	"fmt"
)

type (
	// Kind classifies an error for routing and presentation.
	Kind string

	// Error is a classified runtime failure.
	Error struct {
		// Kind is the taxonomy classification.
		Kind Kind
		// Message is the user-facing description.
		Message string
		// Cause is the underlying error retained for logs.
		Cause error
	}
)

const (
	// PlanInvalid reports a structurally invalid plan. It is recovered locally
	// by the revision loop and never surfaced as a terminal error.
	PlanInvalid Kind = "plan_invalid"
	// PlanAmbiguous reports a plan that requires user clarification.
	PlanAmbiguous Kind = "plan_ambiguous"
	// QuotaExceeded reports a thread that exhausted its message window.
	QuotaExceeded Kind = "quota_exceeded"
	// StepExecution reports a failing step executor call.
	StepExecution Kind = "step_execution"
	// MissingInput reports a node whose declared input was never produced.
	MissingInput Kind = "missing_input"
	// ResolverExhausted reports a node still failing after all repair attempts.
	ResolverExhausted Kind = "resolver_exhausted"
	// ResolverAbort reports a resolver that declared a failure unrecoverable.
	ResolverAbort Kind = "resolver_abort"
	// ExecutionTimeout reports a run that exceeded its wall-clock budget.
	ExecutionTimeout Kind = "execution_timeout"
	// UnknownSession reports a reference to a missing or expired session.
	UnknownSession Kind = "unknown_session"
	// UnknownObject reports a reference to a missing or expired artifact.
	UnknownObject Kind = "unknown_object"
	// NotWaiting reports a clarification sent to a session that is not
	// waiting for one.
	NotWaiting Kind = "not_waiting"
	// InvalidRequest reports malformed caller input.
	InvalidRequest Kind = "invalid_request"
	// Internal reports any unclassified failure.
	Internal Kind = "internal"
)

// New returns an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Errorf returns an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements error. It only includes the user-facing message and kind.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error of the same kind. This lets callers
// write errors.Is(err, analysterr.New(analysterr.QuotaExceeded, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// UserMessage returns the user-facing message for err. Unclassified errors
// collapse to a generic message so raw diagnostics never reach clients.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "An internal error occurred while processing the request."
}

// As converts err into an *Error, classifying unknown errors as Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(Internal, "An internal error occurred while processing the request.", err)
}
