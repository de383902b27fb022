// Package services holds the error taxonomy shared by the kernel's service
// layers. HTTP and JSON-RPC mappings live with their transports.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity does not exist — and, for
	// per-user resources, when it exists but the caller may not see it.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned on duplicate IDs, rename collisions and
	// already-initialized state.
	ErrConflict = errors.New("conflict")

	// ErrBusy is returned when a context session already has an active
	// message.
	ErrBusy = errors.New("context session busy")

	// ErrUnauthorized is returned when no valid credential is presented.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when a valid user is denied by policy on an
	// explicitly admin-only operation. Elsewhere prefer ErrNotFound so the
	// existence of the target does not leak.
	ErrForbidden = errors.New("forbidden")

	// ErrUnavailable is returned when a required collaborator (store,
	// vector index, model backend) is down.
	ErrUnavailable = errors.New("service unavailable")

	// ErrAlreadyRunning is returned when a singleton background operation
	// (reindex, test run) is already in flight.
	ErrAlreadyRunning = errors.New("already running")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ReadOnlyDomainError is returned for any write against a read-only domain.
type ReadOnlyDomainError struct {
	DomainID string
	SymbolID string
}

func (e *ReadOnlyDomainError) Error() string {
	if e.SymbolID != "" {
		return fmt.Sprintf("domain '%s' is read-only (symbol '%s')", e.DomainID, e.SymbolID)
	}
	return fmt.Sprintf("domain '%s' is read-only", e.DomainID)
}

// IsReadOnlyDomainError checks if an error is a read-only domain rejection.
func IsReadOnlyDomainError(err error) bool {
	var ro *ReadOnlyDomainError
	return errors.As(err, &ro)
}
