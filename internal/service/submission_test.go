package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/aggregate"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/store"
	"github.com/phrazzld/mediatext/internal/store/memstore"
	"github.com/phrazzld/mediatext/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockAcquirer mocks acquire.Acquirer.
type MockAcquirer struct {
	mock.Mock
}

func (m *MockAcquirer) Acquire(ctx context.Context, locator string) (domain.SourceRef, error) {
	args := m.Called(ctx, locator)
	return args.Get(0).(domain.SourceRef), args.Error(1)
}

type engineList []domain.Engine

func (l engineList) Engines() []domain.Engine { return l }

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

type fixedRetry struct{}

func (fixedRetry) MaxAttempts(domain.Engine) int            { return 3 }
func (fixedRetry) Backoff(domain.Engine, int) time.Duration     { return 0 }

type fixture struct {
	svc      *Submission
	store    *memstore.Store
	acquirer *MockAcquirer
	notifier *countingNotifier
	machine  *task.StateMachine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := memstore.New()
	acq := &MockAcquirer{}
	n := &countingNotifier{}
	machine := task.NewStateMachine(s, fixedRetry{})

	svc, err := NewSubmission(Dependencies{
		Store:      s,
		Acquirer:   acq,
		Resetter:   machine,
		Aggregator: aggregate.New(s, aggregate.Config{Delimiter: "\n\n"}, log),
		Engines:    engineList{domain.EngineRemoteOCR, domain.EngineRemoteTranscribe},
		Notifier:   n,
		Logger:     log,
	}, Config{ImageEngine: domain.EngineRemoteOCR, VideoEngine: domain.EngineRemoteTranscribe})
	require.NoError(t, err)

	return &fixture{svc: svc, store: s, acquirer: acq, notifier: n, machine: machine}
}

func image(path string) domain.SourceRef {
	return domain.SourceRef{Path: path, Kind: domain.MediaKindImage, Size: 10, MIMEType: "image/png"}
}

func video(url string) domain.SourceRef {
	return domain.SourceRef{Path: "/data/v.mp4", Kind: domain.MediaKindVideo, Size: 10, URL: url}
}

func TestSubmitTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.acquirer.On("Acquire", mock.Anything, "https://x/a.png").Return(image("/data/a.png"), nil)

	created, err := f.svc.SubmitTask(ctx, SubmitTaskRequest{Locator: "https://x/a.png", Engine: "remote-ocr"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, created.Status)
	assert.Equal(t, domain.EngineRemoteOCR, created.Engine)
	assert.Equal(t, int32(1), f.notifier.n.Load())

	stored, err := f.svc.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, stored.ID)
	f.acquirer.AssertExpectations(t)
}

func TestSubmitTaskValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	src := image("/data/a.png")

	tests := []struct {
		name string
		req  SubmitTaskRequest
		is   error
	}{
		{"unknown engine", SubmitTaskRequest{Source: &src, Engine: "ocr-9000"}, ErrEngineUnknown},
		{"disabled engine", SubmitTaskRequest{Source: &src, Engine: "local-ocr"}, ErrEngineDisabled},
		{"image to transcription", SubmitTaskRequest{Source: &src, Engine: "remote-transcribe"}, domain.ErrUnsupportedKind},
	}
	for _, tc := range tests {
		_, err := f.svc.SubmitTask(ctx, tc.req)
		assert.ErrorIs(t, err, tc.is, tc.name)
		assert.ErrorIs(t, err, domain.ErrValidation, tc.name)
	}
	assert.Zero(t, f.notifier.n.Load())
	f.acquirer.AssertNotCalled(t, "Acquire", mock.Anything, mock.Anything)
}

func TestSubmitParent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.acquirer.On("Acquire", mock.Anything, "https://x/1.png").Return(image("/data/1.png"), nil)
	f.acquirer.On("Acquire", mock.Anything, "https://x/2.png").Return(domain.SourceRef{}, errors.New("status 404"))
	f.acquirer.On("Acquire", mock.Anything, "https://x/3.png").Return(image("/data/3.png"), nil)
	f.acquirer.On("Acquire", mock.Anything, "https://x/v.mp4").Return(video("https://x/v.mp4"), nil)

	sub, err := f.svc.SubmitParent(ctx, SubmitParentRequest{
		ParentKey: " https://notes.example/n/1?utm=x ",
		ImageURLs: []string{"https://x/1.png", "https://x/2.png", "https://x/3.png"},
		VideoURLs: []string{"https://x/v.mp4"},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://notes.example/n/1", sub.Relation.ParentKey)
	assert.Equal(t, 1, sub.Relation.Version)
	require.Len(t, sub.Tasks, 3)
	require.Len(t, sub.Relation.Children.Images, 2)
	require.Len(t, sub.Relation.Children.Videos, 1)
	assert.Equal(t, sub.Tasks[0].ID, sub.Relation.Children.Images[0], "declared order is kept")
	assert.Equal(t, sub.Tasks[1].ID, sub.Relation.Children.Images[1])
	assert.Equal(t, domain.EngineRemoteTranscribe, sub.Tasks[2].Engine)
	assert.Equal(t, []SkippedURL{{URL: "https://x/2.png", Reason: "status 404"}}, sub.Skipped)

	agg, err := f.svc.GetParent(ctx, "https://notes.example/n/1#top")
	require.NoError(t, err)
	assert.Equal(t, domain.RelationStatusPending, agg.Status)
	assert.False(t, agg.Images.Ready)

	aggs, err := f.svc.ListParents(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, aggs, 1)
}

func TestSubmitParentRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.acquirer.On("Acquire", mock.Anything, "https://x/gone.png").Return(domain.SourceRef{}, errors.New("status 404"))
	f.acquirer.On("Acquire", mock.Anything, "https://x/clip.mp4").Return(video("https://x/clip.mp4"), nil)

	_, err := f.svc.SubmitParent(ctx, SubmitParentRequest{ParentKey: "p1", ImageURLs: []string{"https://x/gone.png"}})
	assert.ErrorIs(t, err, ErrNoChildren)

	// A video listed as an image cannot go to an OCR engine.
	_, err = f.svc.SubmitParent(ctx, SubmitParentRequest{ParentKey: "p1", ImageURLs: []string{"https://x/clip.mp4"}})
	assert.ErrorIs(t, err, ErrNoChildren)

	_, err = f.svc.SubmitParent(ctx, SubmitParentRequest{ParentKey: "  "})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.GetParent(ctx, "p1")
	assert.ErrorIs(t, err, ErrParentNotFound)
}

func TestResubmitParentCreatesNewVersion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.acquirer.On("Acquire", mock.Anything, mock.Anything).Return(image("/data/a.png"), nil)

	first, err := f.svc.SubmitParent(ctx, SubmitParentRequest{ParentKey: "p", ImageURLs: []string{"https://x/a.png"}})
	require.NoError(t, err)
	second, err := f.svc.SubmitParent(ctx, SubmitParentRequest{ParentKey: "p", ImageURLs: []string{"https://x/a.png", "https://x/b.png"}})
	require.NoError(t, err)

	assert.Equal(t, 2, second.Relation.Version)
	agg, err := f.svc.GetParent(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Version)
	assert.Len(t, agg.Children.Images, 2)
	assert.NotEqual(t, first.Relation.Children.Images[0], agg.Children.Images[0])
}

func TestResetTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	src := image("/data/a.png")

	created, err := f.svc.SubmitTask(ctx, SubmitTaskRequest{Source: &src, Engine: "remote-ocr"})
	require.NoError(t, err)

	_, err = f.svc.ResetTask(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotResettable)

	claimed, err := f.machine.Claim(ctx, []domain.Engine{domain.EngineRemoteOCR})
	require.NoError(t, err)
	_, err = f.machine.Fail(ctx, claimed, "broken")
	require.NoError(t, err)

	reset, err := f.svc.ResetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, reset.Status)
	assert.Empty(t, reset.ErrorMessage)
	assert.Zero(t, reset.Attempt)

	_, err = f.svc.ResetTask(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestGetResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	src := image("/data/a.png")

	created, err := f.svc.SubmitTask(ctx, SubmitTaskRequest{Source: &src, Engine: "remote-ocr"})
	require.NoError(t, err)

	_, err = f.svc.GetResult(ctx, created.ID)
	assert.ErrorIs(t, err, ErrResultNotFound)
	_, err = f.svc.GetResult(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)

	claimed, err := f.machine.Claim(ctx, []domain.Engine{domain.EngineRemoteOCR})
	require.NoError(t, err)
	_, err = f.machine.Complete(ctx, claimed, "text", "")
	require.NoError(t, err)

	res, err := f.svc.GetResult(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "text", res.TextContent)
}

func TestListTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	src := image("/data/a.png")

	for range 3 {
		_, err := f.svc.SubmitTask(ctx, SubmitTaskRequest{Source: &src, Engine: "remote-ocr"})
		require.NoError(t, err)
	}

	tasks, err := f.svc.ListTasks(ctx, store.TaskFilter{Status: domain.TaskStatusPending, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	_, err = f.svc.ListTasks(ctx, store.TaskFilter{Status: "stuck"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.ListTasks(ctx, store.TaskFilter{Engine: "ocr-9000"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Equal(t, defaultListLimit, clampLimit(0))
	assert.Equal(t, maxListLimit, clampLimit(10_000))
}

func TestNewSubmissionRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewSubmission(Dependencies{}, Config{})
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "create_service", svcErr.Operation)
}
