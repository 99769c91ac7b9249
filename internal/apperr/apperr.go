// Package apperr defines the error taxonomy shared by the intake pipeline.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a reference or record is unknown, already
	// promoted, rejected or expired.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an operation is not allowed from
	// the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConflict is returned when a write would violate a uniqueness rule.
	ErrConflict = errors.New("conflict")

	// ErrOCRDegraded marks a partially extracted document. It is not fatal.
	ErrOCRDegraded = errors.New("ocr degraded")
)

// ValidationError reports invalid user-supplied data.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for constructing a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StorageError represents a failed read, write or delete against a storage backend
type StorageError struct {
	// Op is the operation that failed
	Op string
	// Path is the storage path involved, if any
	Path string
	// Err is the underlying error
	Err error
}

// Error returns a string representation of the error
func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsStorage reports whether err is or wraps a StorageError.
func IsStorage(err error) bool {
	var s *StorageError
	return errors.As(err, &s)
}
