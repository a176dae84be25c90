// Package apperr provides standardized domain error types for the application.
// Consumers return these typed errors, and the queue worker layer maps them to
// redelivery outcomes: transient errors stay pending for reclaim, data integrity
// errors are dead-lettered immediately, no-handler errors are acknowledged.
package apperr

import (
	"errors"
	"fmt"
)

// Kind represents the category of error.
type Kind int

const (
	// KindUnknown is the default error kind when none is specified.
	KindUnknown Kind = iota
	// KindTransient indicates infrastructure (store/CRM) is temporarily unreachable.
	// The message stays pending and is retried via reclaim.
	KindTransient
	// KindDataIntegrity indicates a malformed payload or violated invariant.
	// Retrying cannot help; the message is dead-lettered on first failure.
	KindDataIntegrity
	// KindNoHandler indicates no eligible handler exists for an assignment.
	// A business condition, not a crash: the message is acknowledged and the
	// opportunity is left unassigned for operator attention.
	KindNoHandler
	// KindNotFound indicates a referenced record was not found.
	KindNotFound
	// KindValidation indicates invalid input data.
	KindValidation
	// KindConflict indicates a conflict with existing state (e.g., duplicate).
	KindConflict
	// KindInternal indicates an unexpected internal error.
	KindInternal
)

// Error is a domain error with a typed Kind for redelivery mapping.
type Error struct {
	Kind    Kind
	Message string
	Op      string // Operation that failed (optional)
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new domain error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a new domain error wrapping an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithOp returns a copy of the error with the operation set.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// Convenience constructors for common error types.

// Transient creates a transient infrastructure error.
func Transient(message string, err error) *Error {
	return Wrap(KindTransient, message, err)
}

// DataIntegrity creates a data integrity error.
func DataIntegrity(message string) *Error {
	return New(KindDataIntegrity, message)
}

// NoHandler creates a no-available-handler error.
func NoHandler(message string) *Error {
	return New(KindNoHandler, message)
}

// NotFound creates a not found error.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Conflict creates a conflict error (e.g., duplicate resource).
func Conflict(message string) *Error {
	return New(KindConflict, message)
}

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(KindInternal, message)
}

// GetKind extracts the error kind from an error, unwrapping as needed.
// Returns KindUnknown if no *Error is found in the chain.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is checks if err is an *Error with the given kind.
func Is(err error, kind Kind) bool {
	return GetKind(err) == kind
}
