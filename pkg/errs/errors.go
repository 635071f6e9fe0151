// Package errs provides the single error type used across tap-node.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the categories tap-node needs to
// dispatch on.
type Kind int

const (
	Unknown Kind = iota
	Validation
	Cryptography
	Serialization
	KeyNotFound
	DidResolution
	Storage
	Dispatch
	InvalidTransition
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Cryptography:
		return "cryptography"
	case Serialization:
		return "serialization"
	case KeyNotFound:
		return "key_not_found"
	case DidResolution:
		return "did_resolution"
	case Storage:
		return "storage"
	case Dispatch:
		return "dispatch"
	case InvalidTransition:
		return "invalid_transition"
	default:
		return "unknown"
	}
}

// Error is the one error type tap-node returns from its public APIs. It
// carries a Kind for callers that need to branch on category, and wraps an
// optional underlying cause.
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

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, returning Unknown if err is not (or
// does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
