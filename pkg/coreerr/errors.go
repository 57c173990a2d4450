// Package coreerr defines the closed error-kind taxonomy the execution core
// raises (spec.md §7). Grounded on the teacher's pkg/services/errors.go
// (sentinel errors + a typed wrapper, errors.As helpers).
package coreerr

import (
	"errors"
	"fmt"
)

// Kind is a closed vocabulary of error categories (spec.md §7).
type Kind string

const (
	NotFound          Kind = "not_found"
	Forbidden         Kind = "forbidden"
	SecurityViolation Kind = "security_violation"
	InvalidConfig     Kind = "invalid_config"
	InvalidTransition Kind = "invalid_transition"
	AlreadyExists     Kind = "already_exists"
	Overloaded        Kind = "overloaded"
	Timeout           Kind = "timeout"
	Upstream          Kind = "upstream"
	Internal          Kind = "internal"
)

// Error wraps a Kind with a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a new Error of the given kind.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
