package store

import (
	"errors"
	"fmt"
)

// Error classes. Every store error wraps exactly one of these, so callers
// branch with errors.Is on the class rather than on a specific entity.
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("already exists")
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrConflict means a conditional write found the task in a different
	// status than expected. Re-read before retrying.
	ErrConflict = errors.New("status conflict")
)

var (
	ErrTaskNotFound     = fmt.Errorf("task %w", ErrNotFound)
	ErrResultNotFound   = fmt.Errorf("result %w", ErrNotFound)
	ErrRelationNotFound = fmt.Errorf("relation %w", ErrNotFound)

	// ErrNoPendingTask is returned by a claim when nothing is eligible.
	ErrNoPendingTask = fmt.Errorf("pending task %w", ErrNotFound)

	// ErrResultExists rejects a second result for the same task.
	ErrResultExists = fmt.Errorf("result %w", ErrDuplicate)
)
