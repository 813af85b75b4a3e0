// Package fault defines the closed error taxonomy shared by the tool
// registry, planner, and orchestrator. Business failures are carried as
// Kind values on step and execution records; only unexpected bugs
// propagate as plain errors or panics.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The set is closed; callers switch on it to
// decide retry and abort behavior.
type Kind string

const (
	// KindConfig marks agent/tool misconfiguration (unknown tool id,
	// invalid schema). Fatal for the execution.
	KindConfig Kind = "config_error"

	// KindToolNotPermitted marks a risk-ceiling or allow-list violation.
	// Fatal for the execution.
	KindToolNotPermitted Kind = "tool_not_permitted"

	// KindToolArgument marks arguments that do not satisfy the tool's
	// JSON Schema. The step fails and its on_error policy applies.
	KindToolArgument Kind = "tool_argument_error"

	// KindTransient marks I/O, rate-limit, or single-call timeout
	// failures. Retried with backoff.
	KindTransient Kind = "transient_error"

	// KindPermanent marks a non-retryable provider failure. The step
	// fails and its on_error policy applies.
	KindPermanent Kind = "permanent_error"

	// KindTimeout marks an execution-level deadline overrun.
	KindTimeout Kind = "timeout"

	// KindCancelled marks an external cancellation.
	KindCancelled Kind = "cancelled"
)

// Retryable reports whether a failure of this kind may be retried.
func (k Kind) Retryable() bool { return k == KindTransient }

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, or KindPermanent if err carries none.
// A nil err has no kind; callers must not pass one.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindPermanent
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
