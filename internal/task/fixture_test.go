package task

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/phrazzld/mediatext/internal/ratelimit"
	"github.com/phrazzld/mediatext/internal/store/memstore"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLimits(maxAttempts int) ratelimit.Limits {
	return ratelimit.Limits{
		Concurrency: 4,
		Rate:        1000,
		Window:      time.Second,
		Burst:       1000,
		WaitTimeout: time.Second,
		CallTimeout: time.Second,
		Policy: ratelimit.Policy{
			MaxAttempts: maxAttempts,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
		},
	}
}

type fixture struct {
	store   *memstore.Store
	clock   *fakeClock
	limiter *ratelimit.Controller
	machine *StateMachine
}

func newFixture(t *testing.T, maxAttempts int, opts ...MachineOption) *fixture {
	t.Helper()

	limits := make(map[domain.Engine]ratelimit.Limits)
	for _, e := range domain.Engines() {
		limits[e] = testLimits(maxAttempts)
	}
	limiter, err := ratelimit.New(limits)
	require.NoError(t, err)

	s := memstore.New()
	clock := newFakeClock()
	opts = append([]MachineOption{WithClock(clock.Now)}, opts...)
	return &fixture{
		store:   s,
		clock:   clock,
		limiter: limiter,
		machine: NewStateMachine(s, limiter, opts...),
	}
}

// newTask stores a pending task that is claimable at the fixture's clock.
func (f *fixture) newTask(t *testing.T, e domain.Engine) *domain.Task {
	t.Helper()

	src := domain.SourceRef{Path: "/media/page.png", Kind: domain.MediaKindImage, Size: 10}
	var opts domain.JobOptions
	if e == domain.EngineRemoteTranscribe {
		src = domain.SourceRef{Path: "/media/talk.mp4", Kind: domain.MediaKindVideo, URL: "https://cdn.example.com/talk.mp4"}
		opts = domain.JobOptions{SpeakerCount: 2, LanguageHints: []string{"zh", "en"}}
	}
	task, err := domain.NewTask(src, e, opts)
	require.NoError(t, err)
	task.AvailableAt = f.clock.Now()
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	return task
}

func (f *fixture) get(t *testing.T, task *domain.Task) *domain.Task {
	t.Helper()
	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) registry(t *testing.T, adapters ...engine.Adapter) *engine.Registry {
	t.Helper()
	r, err := engine.NewRegistry(adapters...)
	require.NoError(t, err)
	return r
}

type memArtifacts struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{files: make(map[string][]byte)}
}

func (a *memArtifacts) Put(_ context.Context, name string, data []byte, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files[name] = append([]byte(nil), data...)
	return "mem://" + name, nil
}

func (a *memArtifacts) get(name string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.files[name]
	return data, ok
}
