// Package memstore is an in-process implementation of store.Store with the
// same compare-and-set semantics as the SQL stores. A single mutex serializes
// every operation, which makes the claim and update checks atomic.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/store"
)

// Store implements store.Store in memory.
type Store struct {
	mu        sync.Mutex
	tasks     map[uuid.UUID]*domain.Task
	results   map[uuid.UUID]*domain.Result
	relations map[string][]*domain.ParentRelation
	history   map[uuid.UUID][]domain.TaskStatus

	// UpdateHook, when set, runs before every status write and may veto it
	// by returning an error. Tests use it to inject storage faults.
	UpdateHook func(task *domain.Task, expected domain.TaskStatus) error

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		tasks:     make(map[uuid.UUID]*domain.Task),
		results:   make(map[uuid.UUID]*domain.Result),
		relations: make(map[string][]*domain.ParentRelation),
		history:   make(map[uuid.UUID][]domain.TaskStatus),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// History returns every status a task has been stored with, in order.
func (s *Store) History(id uuid.UUID) []domain.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[id])
}

// ResultCount returns how many results are stored.
func (s *Store) ResultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// CreateTask implements store.TaskStore.
func (s *Store) CreateTask(_ context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("%w: task %s", store.ErrDuplicate, task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	s.history[task.ID] = append(s.history[task.ID], task.Status)
	return nil
}

// GetTask implements store.TaskStore.
func (s *Store) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// ListTasks implements store.TaskStore.
func (s *Store) ListTasks(_ context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, t := range s.sortedLocked() {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Engine != "" && t.Engine != filter.Engine {
			continue
		}
		out = append(out, t.Clone())
	}
	return page(out, filter.Limit, filter.Offset), nil
}

// ClaimNextPending implements store.TaskStore.
func (s *Store) ClaimNextPending(
	_ context.Context,
	engines []domain.Engine,
	now time.Time,
) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.sortedLocked() {
		if t.Status != domain.TaskStatusPending || t.AvailableAt.After(now) {
			continue
		}
		if !slices.Contains(engines, t.Engine) {
			continue
		}
		t.Status = domain.TaskStatusProcessing
		t.UpdatedAt = s.now()
		s.history[t.ID] = append(s.history[t.ID], t.Status)
		return t.Clone(), nil
	}
	return nil, store.ErrNoPendingTask
}

// UpdateTask implements store.TaskStore.
func (s *Store) UpdateTask(_ context.Context, task *domain.Task, expected domain.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(task, expected)
}

func (s *Store) updateLocked(task *domain.Task, expected domain.TaskStatus) error {
	current, ok := s.tasks[task.ID]
	if !ok {
		return store.ErrTaskNotFound
	}
	if current.Status != expected {
		return fmt.Errorf("%w: task %s is %s, expected %s", store.ErrConflict, task.ID, current.Status, expected)
	}
	if s.UpdateHook != nil {
		if err := s.UpdateHook(task, expected); err != nil {
			return err
		}
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	next := task.Clone()
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = s.now()
	s.tasks[task.ID] = next
	if next.Status != current.Status {
		s.history[task.ID] = append(s.history[task.ID], next.Status)
	}
	task.UpdatedAt = next.UpdatedAt
	return nil
}

// CompleteTask implements store.TaskStore.
func (s *Store) CompleteTask(
	_ context.Context,
	task *domain.Task,
	expected domain.TaskStatus,
	result *domain.Result,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.results[result.TaskID]; exists {
		// A stale result only matters if the status check would pass.
		if current, ok := s.tasks[task.ID]; ok && current.Status == expected {
			return store.ErrResultExists
		}
	}
	if err := s.updateLocked(task, expected); err != nil {
		return err
	}
	r := *result
	s.results[result.TaskID] = &r
	return nil
}

// CreateResult implements store.TaskStore.
func (s *Store) CreateResult(_ context.Context, result *domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[result.TaskID]; !ok {
		return fmt.Errorf("%w: result for unknown task %s", store.ErrInvalidEntity, result.TaskID)
	}
	if _, exists := s.results[result.TaskID]; exists {
		return store.ErrResultExists
	}
	r := *result
	s.results[result.TaskID] = &r
	return nil
}

// GetResult implements store.TaskStore.
func (s *Store) GetResult(_ context.Context, taskID uuid.UUID) (*domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[taskID]
	if !ok {
		return nil, store.ErrResultNotFound
	}
	c := *r
	return &c, nil
}

// ListStatuses implements store.TaskStore.
func (s *Store) ListStatuses(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uuid.UUID]domain.TaskStatus, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			out[id] = t.Status
		}
	}
	return out, nil
}

// ResetTask implements store.TaskStore.
func (s *Store) ResetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if !domain.CanReset(t.Status) {
		return nil, fmt.Errorf("%w: task %s is %s", store.ErrConflict, id, t.Status)
	}

	now := s.now()
	t.Status = domain.TaskStatusPending
	t.Attempt = 0
	t.ExternalJobID = ""
	t.ErrorMessage = ""
	t.SubmittedAt = nil
	t.AvailableAt = now
	t.UpdatedAt = now
	delete(s.results, id)
	s.history[id] = append(s.history[id], t.Status)
	return t.Clone(), nil
}

// ListProcessingBefore implements store.TaskStore.
func (s *Store) ListProcessingBefore(_ context.Context, cutoff time.Time) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, t := range s.sortedLocked() {
		if t.Status == domain.TaskStatusProcessing && t.UpdatedAt.Before(cutoff) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// GetRelation implements store.RelationStore.
func (s *Store) GetRelation(_ context.Context, parentKey string) (*domain.ParentRelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.relations[parentKey]
	if len(versions) == 0 {
		return nil, store.ErrRelationNotFound
	}
	return cloneRelation(versions[len(versions)-1]), nil
}

// UpsertRelation implements store.RelationStore.
func (s *Store) UpsertRelation(
	_ context.Context,
	parentKey string,
	children domain.ChildSet,
) (*domain.ParentRelation, error) {
	if parentKey == "" {
		return nil, fmt.Errorf("%w: parent key is empty", store.ErrInvalidEntity)
	}
	if err := children.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range children.All() {
		if _, ok := s.tasks[id]; !ok {
			return nil, fmt.Errorf("%w: unknown child task %s", store.ErrInvalidEntity, id)
		}
	}

	rel := &domain.ParentRelation{
		ID:        uuid.New(),
		ParentKey: parentKey,
		Version:   len(s.relations[parentKey]) + 1,
		Children: domain.ChildSet{
			Images: slices.Clone(children.Images),
			Videos: slices.Clone(children.Videos),
		},
		CreatedAt: s.now(),
	}
	s.relations[parentKey] = append(s.relations[parentKey], rel)
	return cloneRelation(rel), nil
}

// ListRelations implements store.RelationStore.
func (s *Store) ListRelations(_ context.Context, limit, offset int) ([]*domain.ParentRelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.ParentRelation, 0, len(s.relations))
	for _, versions := range s.relations {
		out = append(out, cloneRelation(versions[len(versions)-1]))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ParentKey < out[j].ParentKey
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return page(out, limit, offset), nil
}

// FindRelationsByTask implements store.RelationStore.
func (s *Store) FindRelationsByTask(_ context.Context, taskID uuid.UUID) ([]*domain.ParentRelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.ParentRelation
	for _, versions := range s.relations {
		latest := versions[len(versions)-1]
		if slices.Contains(latest.Children.All(), taskID) {
			out = append(out, cloneRelation(latest))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParentKey < out[j].ParentKey })
	return out, nil
}

// sortedLocked returns stored tasks oldest first. Callers hold s.mu.
func (s *Store) sortedLocked() []*domain.Task {
	out := make([]*domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneRelation(r *domain.ParentRelation) *domain.ParentRelation {
	c := *r
	c.Children = domain.ChildSet{
		Images: slices.Clone(r.Children.Images),
		Videos: slices.Clone(r.Children.Videos),
	}
	return &c
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
