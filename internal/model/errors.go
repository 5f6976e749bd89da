package model

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned by session operations invoked before Init succeeded.
var ErrNotReady = errors.New("session not initialized")

// ValidationError reports input rejected before any state was touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error (including wrapped errors).
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// NotFoundError reports an operation on an unknown memory, trait or record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NewNotFoundError constructs NotFoundError.
func NewNotFoundError(kind, id string) NotFoundError {
	return NotFoundError{Kind: kind, ID: id}
}

// IsNotFoundError checks if error is NotFoundError.
func IsNotFoundError(err error) bool {
	var ne NotFoundError
	return errors.As(err, &ne)
}

// PersistenceError wraps a failure of the persistence collaborator.
// In-memory state is left untouched whenever one is returned from a write.
type PersistenceError struct {
	Op   string
	Kind string
	ID   string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("persistence: %s %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("persistence: %s %s %s: %v", e.Op, e.Kind, e.ID, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// WrapPersistence wraps err with operation context. Nil stays nil.
func WrapPersistence(op, kind, id string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Kind: kind, ID: id, Err: err}
}

// IsPersistenceError checks if error is a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
