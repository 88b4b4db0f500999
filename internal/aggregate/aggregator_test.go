package aggregate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/events"
	"github.com/phrazzld/mediatext/internal/store"
	"github.com/phrazzld/mediatext/internal/store/memstore"
	"github.com/phrazzld/mediatext/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type parentFixture struct {
	store  *memstore.Store
	images []*domain.Task
	videos []*domain.Task
}

func newParent(t *testing.T, s *memstore.Store, key string, images, videos int) *parentFixture {
	t.Helper()
	ctx := context.Background()
	p := &parentFixture{store: s}
	var children domain.ChildSet
	for i := 0; i < images; i++ {
		task := storetest.NewImageTask(t, domain.EngineRemoteOCR, time.Now().Add(-time.Minute))
		require.NoError(t, s.CreateTask(ctx, task))
		p.images = append(p.images, task)
		children.Images = append(children.Images, task.ID)
	}
	for i := 0; i < videos; i++ {
		task := storetest.NewVideoTask(t, time.Now().Add(-time.Minute))
		require.NoError(t, s.CreateTask(ctx, task))
		p.videos = append(p.videos, task)
		children.Videos = append(children.Videos, task.ID)
	}
	_, err := s.UpsertRelation(ctx, key, children)
	require.NoError(t, err)
	return p
}

// settle moves a pending task straight to a terminal status.
func settle(t *testing.T, s *memstore.Store, task *domain.Task, text string, fail bool) {
	t.Helper()
	ctx := context.Background()

	current, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	processing := current.Clone()
	processing.Status = domain.TaskStatusProcessing
	require.NoError(t, s.UpdateTask(ctx, processing, domain.TaskStatusPending))

	next := processing.Clone()
	if fail {
		next.Status = domain.TaskStatusFailed
		next.ErrorMessage = "permanent: bad input"
		require.NoError(t, s.UpdateTask(ctx, next, domain.TaskStatusProcessing))
		return
	}
	next.Status = domain.TaskStatusCompleted
	result, err := domain.NewResult(task.ID, text, "")
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, next, domain.TaskStatusProcessing, result))
}

func TestAggregator_Aggregate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	p := newParent(t, s, "https://notes.example.com/post/1", 3, 1)
	a := New(s, Config{Delimiter: "\n"}, testLogger)

	agg, err := a.Aggregate(ctx, "https://notes.example.com/post/1?utm_source=feed")
	require.NoError(t, err)
	assert.Equal(t, domain.RelationStatusPending, agg.Status)
	assert.False(t, agg.Images.Ready)
	assert.Empty(t, agg.Images.Text)

	settle(t, s, p.images[0], "x", false)
	settle(t, s, p.images[1], "", true)
	settle(t, s, p.images[2], "y", false)

	agg, err = a.Aggregate(ctx, "https://notes.example.com/post/1")
	require.NoError(t, err)
	assert.Equal(t, domain.RelationStatusProcessing, agg.Status, "video still pending")
	assert.True(t, agg.Images.Ready)
	assert.Equal(t, "x\ny", agg.Images.Text)
	assert.Equal(t, 1, agg.Images.Skipped)
	assert.False(t, agg.Videos.Ready)

	settle(t, s, p.videos[0], "spoken words", false)
	agg, err = a.Aggregate(ctx, "https://notes.example.com/post/1")
	require.NoError(t, err)
	assert.Equal(t, domain.RelationStatusCompleted, agg.Status)
	assert.Equal(t, "spoken words", agg.Videos.Text)
	assert.Equal(t, 1, agg.Skipped())
}

func TestAggregator_AllFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	p := newParent(t, s, "post-2", 2, 0)
	a := New(s, Config{Delimiter: "\n\n"}, testLogger)

	settle(t, s, p.images[0], "", true)
	settle(t, s, p.images[1], "", true)

	agg, err := a.Aggregate(ctx, "post-2")
	require.NoError(t, err)
	assert.Equal(t, domain.RelationStatusFailed, agg.Status)
	assert.Equal(t, 2, agg.Images.Skipped)
	assert.Empty(t, agg.Images.Text)
	assert.False(t, agg.Videos.Present)
}

func TestAggregator_UsesLatestSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	first := newParent(t, s, "post-3", 1, 0)
	settle(t, s, first.images[0], "old", false)
	second := newParent(t, s, "post-3", 1, 0)
	settle(t, s, second.images[0], "new", false)

	a := New(s, Config{Delimiter: "\n"}, testLogger)
	agg, err := a.Aggregate(ctx, "post-3")
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Version)
	assert.Equal(t, "new", agg.Images.Text)

	all, err := a.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].Version)
}

func TestAggregator_UnknownParent(t *testing.T) {
	t.Parallel()
	a := New(memstore.New(), Config{}, testLogger)
	_, err := a.Aggregate(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAggregator_HandleEventReportsFinalParents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	p := newParent(t, s, "post-4", 2, 0)

	var ready []*ParentAggregate
	a := New(s, Config{Delimiter: "\n"}, testLogger, WithOnReady(func(_ context.Context, agg *ParentAggregate) {
		ready = append(ready, agg)
	}))

	settle(t, s, p.images[0], "a", false)
	require.NoError(t, a.HandleEvent(ctx, settledEvent(t, s, p.images[0].ID)))
	assert.Empty(t, ready)

	settle(t, s, p.images[1], "b", false)
	require.NoError(t, a.HandleEvent(ctx, settledEvent(t, s, p.images[1].ID)))
	require.Len(t, ready, 1)
	assert.Equal(t, "a\nb", ready[0].Images.Text)

	// Reset events are ignored.
	reset := settledEvent(t, s, p.images[1].ID)
	reset.Type = events.TypeTaskReset
	require.NoError(t, a.HandleEvent(ctx, reset))
	assert.Len(t, ready, 1)

	// Tasks outside any relation are a no-op.
	require.NoError(t, a.HandleEvent(ctx, &events.TaskEvent{Type: events.TypeTaskSettled, TaskID: uuid.New()}))
}

func settledEvent(t *testing.T, s *memstore.Store, id uuid.UUID) *events.TaskEvent {
	t.Helper()
	task, err := s.GetTask(context.Background(), id)
	require.NoError(t, err)
	return events.NewTaskEvent(events.TypeTaskSettled, task)
}
