// Package domain defines core types, interfaces, and errors for the cached
// results service.
package domain

import "fmt"

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// AccessDeniedError indicates the caller does not own the query.
type AccessDeniedError struct {
	Message string
}

func (e *AccessDeniedError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// LockedError indicates the per-query lock could not be obtained, or that a
// conflicting operation is already in progress for the query.
type LockedError struct {
	Message string
}

func (e *LockedError) Error() string { return e.Message }

// NoContentError indicates a row request that matched zero rows. It is
// distinct from an empty success so callers can stop paging.
type NoContentError struct {
	Message string
}

func (e *NoContentError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrAccessDenied creates an AccessDeniedError with a formatted message.
func ErrAccessDenied(format string, args ...interface{}) *AccessDeniedError {
	return &AccessDeniedError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrLocked creates a LockedError with a formatted message.
func ErrLocked(format string, args ...interface{}) *LockedError {
	return &LockedError{Message: fmt.Sprintf(format, args...)}
}

// ErrNoContent creates a NoContentError with a formatted message.
func ErrNoContent(format string, args ...interface{}) *NoContentError {
	return &NoContentError{Message: fmt.Sprintf(format, args...)}
}
