// Package fault defines the error kinds shared by the sequence and update
// subsystems. Callers branch on Kind, never on diagnostic text.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// Conflict means another sequence or update already holds the guard.
	Conflict Kind = "conflict"
	// NotFound means a referenced recipe or channel does not exist.
	NotFound Kind = "not_found"
	// Invalid means the caller supplied malformed input.
	Invalid Kind = "invalid"
	// ExternalCommand means a host command exited non-zero or could not start.
	ExternalCommand Kind = "external_command"
	// Integrity means the source tree is corrupt and cannot be repaired.
	Integrity Kind = "integrity"
	// HealthCheck means updated code failed its post-update self-check.
	HealthCheck Kind = "health_check"
	// Preflight means the update preconditions (disk, network) were not met.
	Preflight Kind = "preflight"
	// Internal covers everything else.
	Internal Kind = "internal"
)

// Error carries a Kind along with the operation that failed and any captured
// command output.
type Error struct {
	Kind   Kind
	Op     string
	Err    error
	Output string
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithOutput attaches captured command output to the error.
func WithOutput(kind Kind, op string, err error, output string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err, Output: output}
}

// KindOf reports the kind of err, or Internal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// OutputOf returns captured command output attached anywhere in the chain.
func OutputOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Output
	}
	return ""
}
