// Package storetest holds the behavioural contract every store.Store
// implementation must satisfy. Implementations call Run from their own tests.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var allEngines = domain.Engines()

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("ClaimOldestFirst", func(t *testing.T) { testClaimOldestFirst(t, newStore(t)) })
	t.Run("ClaimFilters", func(t *testing.T) { testClaimFilters(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("UpdateConflict", func(t *testing.T) { testUpdateConflict(t, newStore(t)) })
	t.Run("CompleteOnce", func(t *testing.T) { testCompleteOnce(t, newStore(t)) })
	t.Run("Reset", func(t *testing.T) { testReset(t, newStore(t)) })
	t.Run("ListProcessingBefore", func(t *testing.T) { testListProcessingBefore(t, newStore(t)) })
	t.Run("RelationSnapshots", func(t *testing.T) { testRelationSnapshots(t, newStore(t)) })
	t.Run("ListAndStatuses", func(t *testing.T) { testListAndStatuses(t, newStore(t)) })
}

// NewImageTask builds a valid pending image task created at the given time.
func NewImageTask(t *testing.T, engine domain.Engine, createdAt time.Time) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(
		domain.SourceRef{Path: "/media/" + uuid.NewString() + ".png", Kind: domain.MediaKindImage, Size: 42},
		engine, domain.JobOptions{},
	)
	require.NoError(t, err)
	task.CreatedAt = createdAt.UTC().Truncate(time.Millisecond)
	task.UpdatedAt = task.CreatedAt
	task.AvailableAt = task.CreatedAt
	return task
}

// NewVideoTask builds a valid pending transcription task.
func NewVideoTask(t *testing.T, createdAt time.Time) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(
		domain.SourceRef{Path: "/media/v.mp4", Kind: domain.MediaKindVideo, URL: "https://cdn.example.com/v.mp4"},
		domain.EngineRemoteTranscribe,
		domain.JobOptions{SpeakerCount: 2, LanguageHints: []string{"zh", "en"}},
	)
	require.NoError(t, err)
	task.CreatedAt = createdAt.UTC().Truncate(time.Millisecond)
	task.UpdatedAt = task.CreatedAt
	task.AvailableAt = task.CreatedAt
	return task
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := NewVideoTask(t, time.Now().Add(-time.Minute))
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Source, got.Source)
	assert.Equal(t, task.Options, got.Options)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
	assert.WithinDuration(t, task.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = s.GetTask(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.CreateTask(ctx, task), store.ErrDuplicate)

	bad := NewImageTask(t, domain.EngineRemoteOCR, time.Now())
	bad.Status = "bogus"
	assert.ErrorIs(t, s.CreateTask(ctx, bad), store.ErrInvalidEntity)
}

func testClaimOldestFirst(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	newer := NewImageTask(t, domain.EngineRemoteOCR, base.Add(2*time.Minute))
	older := NewImageTask(t, domain.EngineRemoteOCR, base)
	require.NoError(t, s.CreateTask(ctx, newer))
	require.NoError(t, s.CreateTask(ctx, older))

	first, err := s.ClaimNextPending(ctx, allEngines, time.Now())
	require.NoError(t, err)
	assert.Equal(t, older.ID, first.ID)
	assert.Equal(t, domain.TaskStatusProcessing, first.Status)

	second, err := s.ClaimNextPending(ctx, allEngines, time.Now())
	require.NoError(t, err)
	assert.Equal(t, newer.ID, second.ID)

	_, err = s.ClaimNextPending(ctx, allEngines, time.Now())
	assert.ErrorIs(t, err, store.ErrNoPendingTask)
}

func testClaimFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()

	local := NewImageTask(t, domain.EngineLocalOCR, now.Add(-time.Hour))
	require.NoError(t, s.CreateTask(ctx, local))

	delayed := NewImageTask(t, domain.EngineRemoteOCR, now.Add(-time.Hour))
	delayed.AvailableAt = now.Add(time.Hour).UTC()
	require.NoError(t, s.CreateTask(ctx, delayed))

	// The local engine is filtered out and the remote task is backing off.
	_, err := s.ClaimNextPending(ctx, []domain.Engine{domain.EngineRemoteOCR}, now)
	assert.ErrorIs(t, err, store.ErrNoPendingTask)

	_, err = s.ClaimNextPending(ctx, nil, now)
	assert.ErrorIs(t, err, store.ErrNoPendingTask)

	got, err := s.ClaimNextPending(ctx, []domain.Engine{domain.EngineRemoteOCR}, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, delayed.ID, got.ID)

	stored, err := s.GetTask(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, stored.Status)
}

func testConcurrentClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := NewImageTask(t, domain.EngineRemoteOCR, time.Now().Add(-time.Minute))
	require.NoError(t, s.CreateTask(ctx, task))

	const claimers = 8
	var (
		wg      sync.WaitGroup
		claimed atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, err := s.ClaimNextPending(ctx, allEngines, time.Now())
			if err == nil && got.ID == task.ID {
				claimed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())

	_, err := s.ClaimNextPending(ctx, allEngines, time.Now())
	assert.ErrorIs(t, err, store.ErrNoPendingTask)
}

func testUpdateConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := NewVideoTask(t, time.Now().Add(-time.Minute))
	require.NoError(t, s.CreateTask(ctx, task))

	claimed, err := s.ClaimNextPending(ctx, allEngines, time.Now())
	require.NoError(t, err)

	waiting := claimed.Clone()
	waiting.Status = domain.TaskStatusWaitingOnRemote
	waiting.ExternalJobID = "job-1"
	submitted := time.Now().UTC().Truncate(time.Millisecond)
	waiting.SubmittedAt = &submitted
	require.NoError(t, s.UpdateTask(ctx, waiting, domain.TaskStatusProcessing))

	// A second writer still believing the task is processing loses.
	stale := claimed.Clone()
	stale.Status = domain.TaskStatusPending
	stale.Attempt = 1
	assert.ErrorIs(t, s.UpdateTask(ctx, stale, domain.TaskStatusProcessing), store.ErrConflict)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusWaitingOnRemote, got.Status)
	assert.Equal(t, "job-1", got.ExternalJobID)
	require.NotNil(t, got.SubmittedAt)
	assert.WithinDuration(t, submitted, *got.SubmittedAt, time.Millisecond)

	missing := NewImageTask(t, domain.EngineRemoteOCR, time.Now())
	assert.ErrorIs(t, s.UpdateTask(ctx, missing, domain.TaskStatusPending), store.ErrNotFound)
}

func testCompleteOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := NewImageTask(t, domain.EngineRemoteOCR, time.Now().Add(-time.Minute))
	require.NoError(t, s.CreateTask(ctx, task))

	claimed, err := s.ClaimNextPending(ctx, allEngines, time.Now())
	require.NoError(t, err)

	done := claimed.Clone()
	done.Status = domain.TaskStatusCompleted
	result, err := domain.NewResult(task.ID, "hello", "results/a.txt")
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, done, domain.TaskStatusProcessing, result))

	// Re-running the completion path is rejected and writes nothing.
	again, err := domain.NewResult(task.ID, "other", "")
	require.NoError(t, err)
	assert.ErrorIs(t, s.CompleteTask(ctx, done, domain.TaskStatusProcessing, again), store.ErrConflict)
	assert.ErrorIs(t, s.CreateResult(ctx, again), store.ErrDuplicate)

	got, err := s.GetResult(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.TextContent)
	assert.Equal(t, "results/a.txt", got.ResultPath)

	_, err = s.GetResult(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testReset(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := NewImageTask(t, domain.EngineRemoteOCR, time.Now().Add(-time.Minute))
	require.NoError(t, s.CreateTask(ctx, task))

	_, err := s.ResetTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrConflict, "pending tasks cannot be reset")

	claimed, err := s.ClaimNextPending(ctx, allEngines, time.Now())
	require.NoError(t, err)
	failed := claimed.Clone()
	failed.Status = domain.TaskStatusFailed
	failed.Attempt = 3
	failed.ErrorMessage = "permanent: unsupported format"
	require.NoError(t, s.UpdateTask(ctx, failed, domain.TaskStatusProcessing))

	reset, err := s.ResetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, reset.Status)
	assert.Zero(t, reset.Attempt)
	assert.Empty(t, reset.ErrorMessage)

	// Reset clears the way for a fresh result.
	again, err := s.ClaimNextPending(ctx, allEngines, time.Now().Add(time.Second))
	require.NoError(t, err)
	done := again.Clone()
	done.Status = domain.TaskStatusCompleted
	r, err := domain.NewResult(task.ID, "first", "")
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, done, domain.TaskStatusProcessing, r))

	_, err = s.ResetTask(ctx, task.ID)
	require.NoError(t, err)
	_, err = s.GetResult(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.ResetTask(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListProcessingBefore(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := NewImageTask(t, domain.EngineRemoteOCR, time.Now().Add(-time.Minute))
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.ClaimNextPending(ctx, allEngines, time.Now())
	require.NoError(t, err)

	stuck, err := s.ListProcessingBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, task.ID, stuck[0].ID)

	fresh, err := s.ListProcessingBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func testRelationSnapshots(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().Add(-time.Minute)

	img1 := NewImageTask(t, domain.EngineRemoteOCR, now)
	img2 := NewImageTask(t, domain.EngineRemoteOCR, now.Add(time.Second))
	vid := NewVideoTask(t, now.Add(2*time.Second))
	for _, task := range []*domain.Task{img1, img2, vid} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

	_, err := s.GetRelation(ctx, "post-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	first, err := s.UpsertRelation(ctx, "post-1", domain.ChildSet{
		Images: []uuid.UUID{img2.ID, img1.ID},
		Videos: []uuid.UUID{vid.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	got, err := s.GetRelation(ctx, "post-1")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{img2.ID, img1.ID}, got.Children.Images, "declared order is kept")
	assert.Equal(t, []uuid.UUID{vid.ID}, got.Children.Videos)

	second, err := s.UpsertRelation(ctx, "post-1", domain.ChildSet{Images: []uuid.UUID{img1.ID}})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.NotEqual(t, first.ID, second.ID)

	latest, err := s.GetRelation(ctx, "post-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, []uuid.UUID{img1.ID}, latest.Children.Images)
	assert.Empty(t, latest.Children.Videos)

	// Only the newest snapshot counts for reverse lookups.
	byVideo, err := s.FindRelationsByTask(ctx, vid.ID)
	require.NoError(t, err)
	assert.Empty(t, byVideo)
	byImage, err := s.FindRelationsByTask(ctx, img1.ID)
	require.NoError(t, err)
	require.Len(t, byImage, 1)
	assert.Equal(t, second.ID, byImage[0].ID)

	list, err := s.ListRelations(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Version)

	_, err = s.UpsertRelation(ctx, "post-2", domain.ChildSet{})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
	_, err = s.UpsertRelation(ctx, "post-2", domain.ChildSet{Images: []uuid.UUID{uuid.New()}})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func testListAndStatuses(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	a := NewImageTask(t, domain.EngineRemoteOCR, base)
	b := NewImageTask(t, domain.EngineLocalOCR, base.Add(time.Minute))
	c := NewImageTask(t, domain.EngineRemoteOCR, base.Add(2*time.Minute))
	for _, task := range []*domain.Task{a, b, c} {
		require.NoError(t, s.CreateTask(ctx, task))
	}
	_, err := s.ClaimNextPending(ctx, []domain.Engine{domain.EngineLocalOCR}, time.Now())
	require.NoError(t, err)

	remote, err := s.ListTasks(ctx, store.TaskFilter{Engine: domain.EngineRemoteOCR})
	require.NoError(t, err)
	require.Len(t, remote, 2)
	assert.Equal(t, a.ID, remote[0].ID)
	assert.Equal(t, c.ID, remote[1].ID)

	processing, err := s.ListTasks(ctx, store.TaskFilter{Status: domain.TaskStatusProcessing})
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, b.ID, processing[0].ID)

	paged, err := s.ListTasks(ctx, store.TaskFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, b.ID, paged[0].ID)

	statuses, err := s.ListStatuses(ctx, []uuid.UUID{a.ID, b.ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, statuses, 2)
	assert.Equal(t, domain.TaskStatusPending, statuses[a.ID])
	assert.Equal(t, domain.TaskStatusProcessing, statuses[b.ID])
}
