package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/phrazzld/mediatext/internal/events"
	"github.com/phrazzld/mediatext/internal/platform/logger"
	"github.com/phrazzld/mediatext/internal/store"
)

// StateMachine owns every task status change. Each method computes the next
// task value from the one the caller holds, checks the edge against the
// lifecycle, and writes it with the caller's status as the expected prior
// state. A store.ErrConflict means the task moved on in the meantime; the
// caller's outcome must then be discarded.
type StateMachine struct {
	store   store.TaskStore
	retry   RetryPolicy
	emitter events.EventEmitter
	now     func() time.Time
}

// MachineOption configures a StateMachine.
type MachineOption func(*StateMachine)

// WithClock replaces the time source.
func WithClock(now func() time.Time) MachineOption {
	return func(m *StateMachine) { m.now = now }
}

// WithEmitter publishes settled and reset events to e.
func WithEmitter(e events.EventEmitter) MachineOption {
	return func(m *StateMachine) { m.emitter = e }
}

// NewStateMachine creates a state machine over s.
func NewStateMachine(s store.TaskStore, retry RetryPolicy, opts ...MachineOption) *StateMachine {
	m := &StateMachine{
		store:   s,
		retry:   retry,
		emitter: events.NopEmitter{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Claim takes the oldest eligible pending task for one of engines.
func (m *StateMachine) Claim(ctx context.Context, engines []domain.Engine) (*domain.Task, error) {
	return m.store.ClaimNextPending(ctx, engines, m.now())
}

// Complete records text as the task's result and moves it to Completed.
func (m *StateMachine) Complete(ctx context.Context, t *domain.Task, text, resultPath string) (*domain.Task, error) {
	next := t.Clone()
	next.Status = domain.TaskStatusCompleted
	next.ExternalJobID = ""
	next.SubmittedAt = nil
	next.ErrorMessage = ""
	if err := domain.ValidateTransition(t.Status, next.Status); err != nil {
		return nil, err
	}

	result, err := domain.NewResult(t.ID, text, resultPath)
	if err != nil {
		return nil, err
	}
	if err := m.store.CompleteTask(ctx, next, t.Status, result); err != nil {
		return nil, fmt.Errorf("failed to complete task %s: %w", t.ID, err)
	}

	logger.FromContext(ctx).Info("task completed",
		"task_id", t.ID,
		"engine", t.Engine,
		"attempt", next.Attempt,
		"text_length", len(result.TextContent))
	m.emit(ctx, events.TypeTaskSettled, next)
	return next, nil
}

// AwaitRemote records the job handle of an accepted asynchronous submission.
func (m *StateMachine) AwaitRemote(ctx context.Context, t *domain.Task, handle string) (*domain.Task, error) {
	if handle == "" {
		return nil, ErrEmptyJobHandle
	}
	next := t.Clone()
	next.Status = domain.TaskStatusWaitingOnRemote
	next.ExternalJobID = handle
	submitted := m.now()
	next.SubmittedAt = &submitted
	if err := m.write(ctx, t, next); err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("task waiting on remote job",
		"task_id", t.ID,
		"engine", t.Engine,
		"external_job_id", handle)
	return next, nil
}

// HandleFailure applies the outcome of a failed attempt on a Processing
// task. Permanent failures fail the task at once. Transient failures send it
// back to Pending after a backoff delay until the engine's attempt budget is
// spent, at which point it fails.
func (m *StateMachine) HandleFailure(ctx context.Context, t *domain.Task, cause error) (*domain.Task, error) {
	log := logger.FromContext(ctx)

	if engine.IsPermanent(cause) {
		log.Warn("task failed permanently", "task_id", t.ID, "engine", t.Engine, "error", cause)
		return m.Fail(ctx, t, cause.Error())
	}

	attempts := t.Attempt + 1
	maxAttempts := m.retry.MaxAttempts(t.Engine)
	if attempts >= maxAttempts || t.Status != domain.TaskStatusProcessing {
		log.Warn("task retries exhausted",
			"task_id", t.ID,
			"engine", t.Engine,
			"attempt", attempts,
			"error", cause)
		failed := t.Clone()
		failed.Attempt = attempts
		return m.Fail(ctx, failed, fmt.Sprintf("retries exhausted after %d attempts: %v", attempts, cause))
	}

	delay := m.retry.Backoff(t.Engine, t.Attempt)
	next := t.Clone()
	next.Status = domain.TaskStatusPending
	next.Attempt = attempts
	next.AvailableAt = m.now().Add(delay)
	if err := m.write(ctx, t, next); err != nil {
		return nil, err
	}

	log.Info("task scheduled for retry",
		"task_id", t.ID,
		"engine", t.Engine,
		"attempt", attempts,
		"backoff", delay,
		"error", cause)
	return next, nil
}

// Fail moves a Processing or WaitingOnRemote task to Failed with reason.
func (m *StateMachine) Fail(ctx context.Context, t *domain.Task, reason string) (*domain.Task, error) {
	if reason == "" {
		reason = "unknown failure"
	}
	next := t.Clone()
	next.Status = domain.TaskStatusFailed
	next.ErrorMessage = reason
	next.ExternalJobID = ""
	next.SubmittedAt = nil
	if err := m.write(ctx, t, next); err != nil {
		return nil, err
	}
	m.emit(ctx, events.TypeTaskSettled, next)
	return next, nil
}

// Release hands a Processing task back to Pending without charging an
// attempt. Workers use it when shut down mid-call.
func (m *StateMachine) Release(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	next := t.Clone()
	next.Status = domain.TaskStatusPending
	next.AvailableAt = m.now()
	if err := m.write(ctx, t, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Reset is the external reset: a Completed, Failed or WaitingOnRemote task
// returns to Pending with attempt zero.
func (m *StateMachine) Reset(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	t, err := m.store.ResetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reset task %s: %w", id, err)
	}
	logger.FromContext(ctx).Info("task reset", "task_id", id, "engine", t.Engine)
	m.emit(ctx, events.TypeTaskReset, t)
	return t, nil
}

func (m *StateMachine) write(ctx context.Context, from, next *domain.Task) error {
	if err := domain.ValidateTransition(from.Status, next.Status); err != nil {
		return err
	}
	if err := m.store.UpdateTask(ctx, next, from.Status); err != nil {
		return fmt.Errorf("failed to move task %s from %s to %s: %w", from.ID, from.Status, next.Status, err)
	}
	return nil
}

func (m *StateMachine) emit(ctx context.Context, eventType string, t *domain.Task) {
	if err := m.emitter.EmitEvent(ctx, events.NewTaskEvent(eventType, t)); err != nil {
		logger.FromContext(ctx).Warn("event handler failed",
			slog.String("event_type", eventType),
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()))
	}
}

// IsConflict reports whether err means the task changed underneath the caller.
func IsConflict(err error) bool {
	return errors.Is(err, store.ErrConflict)
}
