package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/aggregate"
	"github.com/phrazzld/mediatext/internal/config"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/phrazzld/mediatext/internal/engine/enginetest"
	"github.com/phrazzld/mediatext/internal/engine/factory"
	"github.com/phrazzld/mediatext/internal/ratelimit"
	"github.com/phrazzld/mediatext/internal/service"
	"github.com/phrazzld/mediatext/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	limits := config.EngineLimits{
		Enabled:     true,
		Concurrency: 2,
		Rate:        1000,
		RateWindow:  time.Second,
		Burst:       10,
		WaitTimeout: time.Second,
		CallTimeout: time.Second,
	}
	return &config.Config{
		Server:   config.ServerConfig{Port: 8080, ShutdownTimeout: time.Second},
		Database: config.DatabaseConfig{Driver: "memory"},
		Auth: config.AuthConfig{
			JWTSecret:            "test-secret-that-is-long-enough-for-testing",
			TokenLifetimeMinutes: 5,
		},
		Dispatch: config.DispatchConfig{
			Workers:            2,
			IdleInterval:       10 * time.Millisecond,
			StuckTaskAge:       time.Hour,
			StuckCheckInterval: time.Hour,
		},
		Retry: config.RetryConfig{MaxAttempts: 2, MaxDelay: time.Millisecond},
		Poll: config.PollConfig{
			Interval:      10 * time.Millisecond,
			Timeout:       time.Minute,
			MaxConcurrent: 2,
			Lease:         "memory",
			LeaseTTL:      time.Second,
		},
		Engines: config.EnginesConfig{
			LocalOCR:   config.LocalOCRConfig{EngineLimits: limits},
			Transcribe: config.TranscribeConfig{EngineLimits: limits},
		},
		Aggregate: config.AggregateConfig{Delimiter: "\n---\n"},
		Acquire: config.AcquireConfig{
			DownloadDir: t.TempDir(),
			MaxBytes:    1 << 20,
			Timeout:     time.Second,
		},
		Artifacts: config.ArtifactsConfig{Backend: "fs", Dir: t.TempDir()},
		Tabular:   config.TabularConfig{ImageEngine: "local-ocr", VideoEngine: "remote-transcribe"},
	}
}

type stubAcquirer struct{}

func (stubAcquirer) Acquire(_ context.Context, locator string) (domain.SourceRef, error) {
	kind := domain.MediaKindImage
	if strings.HasSuffix(locator, ".mp4") {
		kind = domain.MediaKindVideo
	}
	return domain.SourceRef{Path: "/data/" + uuid.NewString(), Kind: kind, Size: 1, URL: locator}, nil
}

// testEngines registers a sync OCR engine and an async transcriber whose
// jobs succeed on the second poll.
func testEngines(t *testing.T, cfg *config.Config) *factory.Engines {
	t.Helper()
	ocr := &enginetest.SyncAdapter{
		Name: domain.EngineLocalOCR,
		ProcessFn: func(_ context.Context, src domain.SourceRef) (string, error) {
			return "ocr of " + src.URL, nil
		},
	}

	var mu sync.Mutex
	polls := map[string]int{}
	transcriber := &enginetest.AsyncAdapter{
		Name: domain.EngineRemoteTranscribe,
		SubmitFn: func(_ context.Context, src domain.SourceRef, _ domain.JobOptions) (string, error) {
			return "job:" + src.URL, nil
		},
		PollFn: func(_ context.Context, handle string) (engine.PollResult, error) {
			mu.Lock()
			defer mu.Unlock()
			polls[handle]++
			if polls[handle] < 2 {
				return engine.PollResult{Status: engine.JobRunning}, nil
			}
			return engine.PollResult{
				Status: engine.JobSucceeded,
				Text:   "transcript of " + strings.TrimPrefix(handle, "job:"),
				Raw:    []byte(`{"ok":true}`),
			}, nil
		},
	}

	reg, err := engine.NewRegistry(ocr, transcriber)
	require.NoError(t, err)
	return &factory.Engines{
		Registry: reg,
		Limits: map[domain.Engine]ratelimit.Limits{
			domain.EngineLocalOCR:         factory.Limits(cfg.Engines.LocalOCR.EngineLimits, cfg.Retry),
			domain.EngineRemoteTranscribe: factory.Limits(cfg.Engines.Transcribe.EngineLimits, cfg.Retry),
		},
	}
}

func TestNewWithMemoryDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engines = config.EnginesConfig{}

	a, err := New(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	assert.IsType(t, &memstore.Store{}, a.Store)
	assert.Empty(t, a.Engines.Registry.Engines())
	assert.NotNil(t, a.JWT)
	assert.NotNil(t, a.Submission)

	_, err = a.Submission.SubmitTask(context.Background(), service.SubmitTaskRequest{
		Locator: "https://example.com/a.png",
		Engine:  "local-ocr",
	})
	assert.ErrorIs(t, err, service.ErrEngineDisabled)
}

func TestNewRejectsBadJWTSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := New(context.Background(), cfg, discardLogger(), WithEngines(testEngines(t, cfg)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT")
}

func TestParentSettlesEndToEnd(t *testing.T) {
	cfg := testConfig(t)

	var readyMu sync.Mutex
	var ready []string
	a, err := New(context.Background(), cfg, discardLogger(),
		WithStore(memstore.New()),
		WithEngines(testEngines(t, cfg)),
		WithAcquirer(stubAcquirer{}),
		WithOnParentReady(func(_ context.Context, agg *aggregate.ParentAggregate) {
			readyMu.Lock()
			defer readyMu.Unlock()
			ready = append(ready, agg.ParentKey)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	sub, err := a.Submission.SubmitParent(ctx, service.SubmitParentRequest{
		ParentKey: "https://example.com/note/1",
		ImageURLs: []string{"https://cdn.example.com/1.png", "https://cdn.example.com/2.png"},
		VideoURLs: []string{"https://cdn.example.com/clip.mp4"},
	})
	require.NoError(t, err)

	require.NoError(t, a.WaitSettled(ctx, []string{sub.Relation.ParentKey}, 10*time.Millisecond))

	agg, err := a.Submission.GetParent(ctx, sub.Relation.ParentKey)
	require.NoError(t, err)
	assert.Equal(t, domain.RelationStatusCompleted, agg.Status)
	assert.Equal(t,
		"ocr of https://cdn.example.com/1.png\n---\nocr of https://cdn.example.com/2.png",
		agg.Images.Text)
	assert.Equal(t, "transcript of https://cdn.example.com/clip.mp4", agg.Videos.Text)

	assert.Eventually(t, func() bool {
		readyMu.Lock()
		defer readyMu.Unlock()
		return len(ready) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestWaitSettledHonoursContext(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, discardLogger(),
		WithEngines(testEngines(t, cfg)),
		WithAcquirer(stubAcquirer{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	// Nothing is started, so the parent never settles.
	sub, err := a.Submission.SubmitParent(context.Background(), service.SubmitParentRequest{
		ParentKey: "note-2",
		ImageURLs: []string{"https://cdn.example.com/3.png"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = a.WaitSettled(ctx, []string{sub.Relation.ParentKey, "never-submitted"}, 5*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "1 parents still running")
}

func TestHealthReporterOverGRPC(t *testing.T) {
	cfg := testConfig(t)
	engines := testEngines(t, cfg)
	ocr, err := engines.Registry.Get(domain.EngineLocalOCR)
	require.NoError(t, err)

	h := NewHealthReporter(engines.Registry, time.Hour, discardLogger())
	h.Start(context.Background())

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(h)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err, service)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check("local-ocr"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check("remote-transcribe"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check("remote-ocr"))

	ocr.(*enginetest.SyncAdapter).Unavailable.Store(true)
	h.Refresh(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check("local-ocr"))

	h.Shutdown()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))
}

func TestCloseIsIdempotent(t *testing.T) {
	calls := 0
	a := &App{closers: []func() error{
		func() error { calls++; return nil },
		func() error { calls++; return fmt.Errorf("boom") },
	}}
	err := a.Close()
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, a.Close())
	assert.Equal(t, 2, calls)
}
