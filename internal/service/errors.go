package service

import (
	"errors"
	"fmt"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/store"
)

// Sentinel errors callers check with errors.Is. The API maps them to status
// codes.
var (
	// ErrEngineUnknown is returned for an engine name outside the closed set.
	ErrEngineUnknown = fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrUnknownEngine)

	// ErrEngineDisabled is returned for a known engine that is not configured.
	ErrEngineDisabled = fmt.Errorf("%w: engine is not enabled", domain.ErrValidation)

	// ErrNoChildren is returned when none of a parent's media could be acquired.
	ErrNoChildren = fmt.Errorf("%w: parent has no acquirable children", domain.ErrValidation)

	// ErrTaskNotFound indicates that the task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrResultNotFound indicates that the task has no result yet.
	ErrResultNotFound = errors.New("result not found")

	// ErrParentNotFound indicates that no relation exists for the parent key.
	ErrParentNotFound = errors.New("parent not found")

	// ErrNotResettable is returned when a reset targets a task that is
	// Pending or Processing.
	ErrNotResettable = errors.New("task cannot be reset in its current status")
)

// Error wraps unexpected failures with the operation that hit them.
type Error struct {
	// Operation is the operation that failed (e.g., "submit_task").
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError maps store sentinels onto service sentinels and wraps anything
// else. Validation errors are returned unchanged.
func NewError(operation, message string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrTaskNotFound):
		return ErrTaskNotFound
	case errors.Is(err, store.ErrResultNotFound):
		return ErrResultNotFound
	case errors.Is(err, store.ErrRelationNotFound):
		return ErrParentNotFound
	case errors.Is(err, store.ErrConflict) && operation == "reset_task":
		return ErrNotResettable
	case errors.Is(err, domain.ErrValidation):
		return err
	}
	return &Error{Operation: operation, Message: message, Err: err}
}
