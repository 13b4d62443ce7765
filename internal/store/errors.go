package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations. Each sentinel
// corresponds to one of the orchestrator's error kinds: not-found, conflict,
// validation, persistence.
var (
	// ErrNotFound is returned when a requested entity does not exist in the
	// store. This is the generic version of the entity-specific not found
	// errors (e.g. ErrTaskNotFound).
	ErrNotFound = errors.New("entity not found")

	// ErrFinalState is returned when a state transition is attempted on a
	// task whose stored status is terminal. Finality is a one-way gate: a
	// completed, failed, cancelled or skipped task can never be reopened.
	ErrFinalState = errors.New("task is already in a final state")

	// ErrActiveTaskExists is returned when creating a task for a user who
	// already has a non-terminal task in flight.
	ErrActiveTaskExists = errors.New("user already has an active task")

	// ErrEmptyUpdate is returned when an update carries no fields. No-op
	// updates are rejected, not silently accepted.
	ErrEmptyUpdate = errors.New("no values to update")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrNoRowsAffected is returned when a write did not touch the expected
	// rows, a defensive check against silent no-op inserts.
	ErrNoRowsAffected = errors.New("write affected no rows")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// Entity-specific "not found" errors

	// ErrTaskNotFound indicates that the requested task does not exist in the store.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)

	// ErrUserNotFound indicates that the referenced task owner does not exist.
	ErrUserNotFound = fmt.Errorf("%w: user", ErrNotFound)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks if the error represents a conflict: a transition
// attempted on a terminal task, or a duplicate active-task guard failure.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrFinalState) || errors.Is(err, ErrActiveTaskExists)
}

// IsValidationError checks if the error represents malformed input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrEmptyUpdate) || errors.Is(err, ErrInvalidEntity)
}

// StoreError is a custom error type for store-specific errors with additional context.
type StoreError struct {
	Entity    string // The entity type (e.g. "task", "task_log")
	Operation string // The operation that failed (e.g. "create", "update")
	Message   string // Error message
	Err       error  // Original error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf(
			"%s operation on %s failed: %s: %v",
			e.Operation,
			e.Entity,
			e.Message,
			e.Err,
		)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Entity, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError with the given entity, operation,
// message, and wrapped error.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
