package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/domain"
)

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status domain.TaskStatus
	Engine domain.Engine
	Limit  int
	Offset int
}

// TaskStore defines persistence for tasks and their results.
type TaskStore interface {
	// CreateTask saves a new task.
	// Returns ErrInvalidEntity if the task fails validation.
	CreateTask(ctx context.Context, task *domain.Task) error

	// GetTask retrieves a task by id.
	// Returns ErrTaskNotFound if it does not exist.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ListTasks returns tasks ordered oldest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)

	// ClaimNextPending atomically moves the oldest pending task whose engine
	// is in engines and whose AvailableAt is not after now to Processing, and
	// returns it. Concurrent claimers, in this or another process, never
	// receive the same task. Returns ErrNoPendingTask when nothing is eligible.
	ClaimNextPending(ctx context.Context, engines []domain.Engine, now time.Time) (*domain.Task, error)

	// UpdateTask writes the mutable fields of task provided the stored status
	// still equals expected. Returns ErrConflict otherwise and ErrTaskNotFound
	// when the task is gone.
	UpdateTask(ctx context.Context, task *domain.Task, expected domain.TaskStatus) error

	// CompleteTask is UpdateTask to Completed plus CreateResult, in one
	// transaction. Returns ErrConflict without writing anything if the task
	// is no longer in expected.
	CompleteTask(ctx context.Context, task *domain.Task, expected domain.TaskStatus, result *domain.Result) error

	// CreateResult stores the result of a completed task.
	// Returns ErrResultExists when the task already has one.
	CreateResult(ctx context.Context, result *domain.Result) error

	// GetResult retrieves the result for a task.
	// Returns ErrResultNotFound if there is none.
	GetResult(ctx context.Context, taskID uuid.UUID) (*domain.Result, error)

	// ListStatuses returns the current status of each requested task.
	// Missing ids are absent from the map.
	ListStatuses(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.TaskStatus, error)

	// ResetTask is the external reset: a Completed, Failed or WaitingOnRemote
	// task returns to Pending with attempt 0, its job id and error cleared
	// and any prior result removed. Returns ErrConflict for other statuses.
	ResetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ListProcessingBefore returns Processing tasks last updated before cutoff.
	ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]*domain.Task, error)
}

// RelationStore defines persistence for parent relation snapshots.
type RelationStore interface {
	// GetRelation returns the newest snapshot for parentKey.
	// Returns ErrRelationNotFound if none exists.
	GetRelation(ctx context.Context, parentKey string) (*domain.ParentRelation, error)

	// UpsertRelation records a new snapshot for parentKey with the given
	// children. Earlier snapshots are never modified.
	UpsertRelation(ctx context.Context, parentKey string, children domain.ChildSet) (*domain.ParentRelation, error)

	// ListRelations returns the newest snapshot of every parent key.
	ListRelations(ctx context.Context, limit, offset int) ([]*domain.ParentRelation, error)

	// FindRelationsByTask returns the newest snapshots that list taskID.
	FindRelationsByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.ParentRelation, error)
}

// Store is the full task record store.
type Store interface {
	TaskStore
	RelationStore
}
