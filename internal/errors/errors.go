// Package errors defines the error kinds shared by the orchestrator, the
// store, the drivers and the HTTP API.
//
// Submission errors (Conflict, InvalidTransition, NotFound, Validation) are
// returned synchronously to callers. Execution errors (Timeout,
// DriverFailure, Interrupted, InvalidTransition) are recorded on the job
// record and surfaced through job status.
//
// Checking errors:
//
//	if errors.IsKind(err, errors.Conflict) { ... }
//
//	var e *errors.Error
//	if errors.As(err, &e) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Re-exported so callers only import one errors package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Kind classifies an error.
type Kind string

const (
	// Conflict means an overlapping job is queued or running.
	Conflict Kind = "Conflict"
	// InvalidTransition means the entity state does not permit the operation.
	InvalidTransition Kind = "InvalidTransition"
	// NotFound means the bench, site or job does not exist.
	NotFound Kind = "NotFound"
	// Timeout means the driver did not report an outcome in time.
	Timeout Kind = "Timeout"
	// DriverFailure means the runtime driver reported an error.
	DriverFailure Kind = "DriverFailure"
	// Interrupted means the process stopped while the job was running.
	Interrupted Kind = "Interrupted"
	// Validation means the request itself is malformed.
	Validation Kind = "Validation"
	// Internal is anything else.
	Internal Kind = "Internal"
)

// Sentinels usable with errors.Is. Any *Error matches the sentinel of its kind.
var (
	ErrConflict          = &Error{Kind: Conflict, Msg: "conflicting job in flight"}
	ErrInvalidTransition = &Error{Kind: InvalidTransition, Msg: "invalid state transition"}
	ErrNotFound          = &Error{Kind: NotFound, Msg: "not found"}
	ErrTimeout           = &Error{Kind: Timeout, Msg: "timed out"}
	ErrDriverFailure     = &Error{Kind: DriverFailure, Msg: "driver failure"}
	ErrInterrupted       = &Error{Kind: Interrupted, Msg: "interrupted"}
	ErrValidation        = &Error{Kind: Validation, Msg: "invalid request"}
)

// Error is a classified error with an optional operation name and cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// E builds a classified error. The message is formatted with fmt.Sprintf.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping err as the cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return msg + ": " + e.Err.Error()
	}
	if msg == "" {
		return string(e.Kind)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind when the target carries no cause,
// which is what the sentinels look like.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Op == "" && t.Kind == e.Kind
}

// WithOp returns a copy of e tagged with the operation name.
func (e *Error) WithOp(op string) *Error {
	c := *e
	c.Op = op
	return &c
}

// KindOf returns the kind of the first classified error in err's chain, or
// Internal for unclassified errors. A nil error has no kind.
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

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the human-readable message of err without its kind prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
