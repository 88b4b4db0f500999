package dashscope

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, srv *httptest.Server, cfg Config) *Adapter {
	t.Helper()
	cfg.APIKey = "secret"
	cfg.BaseURL = srv.URL
	a, err := New(cfg, srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return a
}

var video = domain.SourceRef{
	Path: "/data/clip.mp4",
	Kind: domain.MediaKindVideo,
	URL:  "https://cdn.example/clip.mp4",
}

func TestSubmitAsync(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		cfg        Config
		opts       domain.JobOptions
		wantParams submitParameters
	}{
		{
			name:       "config defaults",
			cfg:        Config{LanguageHints: []string{"zh", "en"}},
			wantParams: submitParameters{LanguageHints: []string{"zh", "en"}},
		},
		{
			name: "task options win",
			cfg:  Config{LanguageHints: []string{"zh", "en"}, SpeakerCount: 1},
			opts: domain.JobOptions{SpeakerCount: 3, LanguageHints: []string{"ja"}},
			wantParams: submitParameters{
				LanguageHints:      []string{"ja"},
				DiarizationEnabled: true,
				SpeakerCount:       3,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var got submitRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, submitPath, r.URL.Path)
				assert.Equal(t, "enable", r.Header.Get("X-DashScope-Async"))
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				_, _ = io.WriteString(w, `{"request_id":"r1","output":{"task_id":"task-9","task_status":"PENDING"}}`)
			}))
			defer srv.Close()

			handle, err := newTestAdapter(t, srv, tc.cfg).SubmitAsync(context.Background(), video, tc.opts)
			require.NoError(t, err)
			assert.Equal(t, "task-9", handle)
			assert.Equal(t, DefaultModel, got.Model)
			assert.Equal(t, []string{video.URL}, got.Input.FileURLs)
			assert.Equal(t, tc.wantParams, got.Parameters)
		})
	}
}

func TestSubmitAsyncRejects(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"code":"InvalidApiKey"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()
	a := newTestAdapter(t, srv, Config{})

	_, err := a.SubmitAsync(context.Background(), domain.SourceRef{Path: "/data/clip.mp4", Kind: domain.MediaKindVideo}, domain.JobOptions{})
	assert.ErrorIs(t, err, ErrNoSourceURL)
	assert.True(t, engine.IsPermanent(err))

	_, err = a.SubmitAsync(context.Background(), domain.SourceRef{Path: "/x.png", Kind: domain.MediaKindImage, URL: "https://x/y.png"}, domain.JobOptions{})
	assert.ErrorIs(t, err, engine.ErrUnsupportedFormat)

	_, err = a.SubmitAsync(context.Background(), video, domain.JobOptions{})
	assert.ErrorIs(t, err, engine.ErrAuth)
	assert.True(t, engine.IsPermanent(err))
}

// transcriptionServer serves the task endpoint with the given status body and
// two transcription documents.
func transcriptionServer(t *testing.T, taskBody func(base string) string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var docFetches atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tasksPath + "task-9":
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			_, _ = io.WriteString(w, taskBody(srv.URL))
		case "/docs/a.json":
			docFetches.Add(1)
			_, _ = io.WriteString(w, `{"file_url":"a","transcripts":[{"channel_id":0,"text":" first line "},{"channel_id":1,"text":"second"}]}`)
		case "/docs/bad.json":
			docFetches.Add(1)
			_, _ = io.WriteString(w, `{"file_url":"a","transcripts":"nope"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &docFetches
}

func TestPollAsync(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       func(base string) string
		wantStatus engine.JobStatus
		wantText   string
		wantReason string
	}{
		{
			name:       "pending",
			body:       func(string) string { return `{"output":{"task_id":"task-9","task_status":"PENDING"}}` },
			wantStatus: engine.JobRunning,
		},
		{
			name:       "running",
			body:       func(string) string { return `{"output":{"task_id":"task-9","task_status":"RUNNING"}}` },
			wantStatus: engine.JobRunning,
		},
		{
			name: "succeeded",
			body: func(base string) string {
				return `{"output":{"task_id":"task-9","task_status":"SUCCEEDED","results":[` +
					`{"file_url":"a","subtask_status":"SUCCEEDED","transcription_url":"` + base + `/docs/a.json"}]}}`
			},
			wantStatus: engine.JobSucceeded,
			wantText:   "first line\n\nsecond",
		},
		{
			name: "failed",
			body: func(string) string {
				return `{"output":{"task_id":"task-9","task_status":"FAILED","code":"InvalidFile","message":"bad media"}}`
			},
			wantStatus: engine.JobFailed,
			wantReason: "FAILED: InvalidFile: bad media",
		},
		{
			name:       "canceled",
			body:       func(string) string { return `{"output":{"task_id":"task-9","task_status":"CANCELED"}}` },
			wantStatus: engine.JobFailed,
			wantReason: "CANCELED",
		},
		{
			name: "every subtask failed",
			body: func(string) string {
				return `{"output":{"task_id":"task-9","task_status":"SUCCEEDED","results":[` +
					`{"file_url":"a","subtask_status":"FAILED","code":"FILE_DOWNLOAD_FAILED","message":"403"}]}}`
			},
			wantStatus: engine.JobFailed,
			wantReason: "FAILED: FILE_DOWNLOAD_FAILED: 403",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := transcriptionServer(t, tc.body)
			res, err := newTestAdapter(t, srv, Config{}).PollAsync(context.Background(), "task-9")
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, res.Status)
			assert.Equal(t, tc.wantText, res.Text)
			assert.Equal(t, tc.wantReason, res.Reason)
			if tc.wantStatus == engine.JobSucceeded {
				var docs []map[string]any
				require.NoError(t, json.Unmarshal(res.Raw, &docs))
				require.Len(t, docs, 1)
				assert.Equal(t, "a", docs[0]["file_url"])
			}
		})
	}
}

func TestPollAsyncInvalidDocument(t *testing.T) {
	t.Parallel()

	srv, fetches := transcriptionServer(t, func(base string) string {
		return `{"output":{"task_id":"task-9","task_status":"SUCCEEDED","results":[` +
			`{"file_url":"a","subtask_status":"SUCCEEDED","transcription_url":"` + base + `/docs/bad.json"}]}}`
	})

	_, err := newTestAdapter(t, srv, Config{}).PollAsync(context.Background(), "task-9")
	assert.ErrorIs(t, err, ErrInvalidTranscription)
	assert.True(t, engine.IsPermanent(err))
	assert.Equal(t, int32(1), fetches.Load())
}

func TestPollAsyncServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestAdapter(t, srv, Config{}).PollAsync(context.Background(), "task-9")
	require.Error(t, err)
	assert.False(t, engine.IsPermanent(err))
}
