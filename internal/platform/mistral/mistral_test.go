package mistral

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestProcessSyncImage(t *testing.T) {
	t.Parallel()

	var got ocrRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ocr", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"pages":[{"index":0,"markdown":"# Page one"},{"index":1,"markdown":"page two\n"}]}`)
	}))
	defer srv.Close()

	a := New(Config{APIKey: "secret", BaseURL: srv.URL + "/"}, srv.Client(), testLogger())
	text, err := a.ProcessSync(context.Background(), domain.SourceRef{
		Path: writeFile(t, "scan.png", pngHeader),
		Kind: domain.MediaKindImage,
	})
	require.NoError(t, err)

	assert.Equal(t, "# Page one\n\npage two", text)
	assert.Equal(t, DefaultModel, got.Model)
	assert.Equal(t, "image_url", got.Document.Type)
	assert.True(t, strings.HasPrefix(got.Document.ImageURL, "data:image/png;base64,"), got.Document.ImageURL)
}

func TestProcessSyncPDF(t *testing.T) {
	t.Parallel()

	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/v1/files":
			assert.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "ocr", r.FormValue("purpose"))
			if _, header, err := r.FormFile("file"); assert.NoError(t, err) {
				assert.Equal(t, "doc.pdf", header.Filename)
			}
			_, _ = io.WriteString(w, `{"id":"file-1"}`)
		case "/v1/files/file-1/url":
			_, _ = io.WriteString(w, `{"url":"https://files.example/doc.pdf?sig=x"}`)
		case "/v1/ocr":
			var req ocrRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "document_url", req.Document.Type)
			assert.Equal(t, "https://files.example/doc.pdf?sig=x", req.Document.DocumentURL)
			_, _ = io.WriteString(w, `{"pages":[{"markdown":"text"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := New(Config{APIKey: "secret", BaseURL: srv.URL}, srv.Client(), testLogger())
	text, err := a.ProcessSync(context.Background(), domain.SourceRef{
		Path: writeFile(t, "doc.pdf", []byte("%PDF-1.4\n")),
		Kind: domain.MediaKindPDF,
	})
	require.NoError(t, err)
	assert.Equal(t, "text", text)
	assert.Equal(t, []string{"POST /v1/files", "GET /v1/files/file-1/url", "POST /v1/ocr"}, calls)
}

func TestProcessSyncStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusUnprocessableEntity, true},
	}

	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, `{"message":"nope"}`, tc.status)
			}))
			defer srv.Close()

			a := New(Config{APIKey: "secret", BaseURL: srv.URL}, srv.Client(), testLogger())
			_, err := a.ProcessSync(context.Background(), domain.SourceRef{
				Path: writeFile(t, "scan.png", pngHeader),
				Kind: domain.MediaKindImage,
			})
			require.Error(t, err)
			assert.Equal(t, tc.permanent, engine.IsPermanent(err), "error: %v", err)
		})
	}
}

func TestProcessSyncRejectsVideo(t *testing.T) {
	t.Parallel()

	a := New(Config{APIKey: "secret"}, nil, testLogger())
	_, err := a.ProcessSync(context.Background(), domain.SourceRef{Path: "/tmp/x.mp4", Kind: domain.MediaKindVideo})
	assert.ErrorIs(t, err, engine.ErrUnsupportedFormat)
	assert.True(t, engine.IsPermanent(err))
}

func TestCheckAvailable(t *testing.T) {
	t.Parallel()

	assert.True(t, New(Config{APIKey: "k"}, nil, testLogger()).CheckAvailable(context.Background()))
	assert.False(t, New(Config{}, nil, testLogger()).CheckAvailable(context.Background()))
}
