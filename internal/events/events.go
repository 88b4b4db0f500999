package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/domain"
)

// Event types
const (
	// TypeTaskSettled is emitted when a task reaches Completed or Failed.
	TypeTaskSettled = "task.settled"

	// TypeTaskReset is emitted when a task is reset to Pending.
	TypeTaskReset = "task.reset"
)

// TaskEvent records a task status change. It carries plain values so
// handlers need no dependency on the task package.
type TaskEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Type is one of the Type* constants
	Type string `json:"type"`

	TaskID uuid.UUID         `json:"task_id"`
	Engine domain.Engine     `json:"engine"`
	Status domain.TaskStatus `json:"status"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// NewTaskEvent creates an event for the task's current status.
func NewTaskEvent(eventType string, task *domain.Task) *TaskEvent {
	return &TaskEvent{
		ID:        uuid.New(),
		Type:      eventType,
		TaskID:    task.ID,
		Engine:    task.Engine,
		Status:    task.Status,
		CreatedAt: time.Now().UTC(),
	}
}

// EventHandler defines an interface for components that can handle events.
// Handlers are responsible for processing events and taking appropriate actions.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *TaskEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *TaskEvent) error

// HandleEvent implements EventHandler.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *TaskEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
// The state machine publishes through it without knowing the subscribers.
type EventEmitter interface {
	// EmitEvent delivers event to every interested subscriber.
	EmitEvent(ctx context.Context, event *TaskEvent) error
}

// NopEmitter discards every event.
type NopEmitter struct{}

// EmitEvent implements EventEmitter.
func (NopEmitter) EmitEvent(context.Context, *TaskEvent) error { return nil }
