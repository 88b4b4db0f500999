package acquire

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
	pdfHeader = []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")
)

func newDownloader(t *testing.T, maxBytes int64) *Downloader {
	t.Helper()
	d, err := New(Config{Dir: t.TempDir(), MaxBytes: maxBytes, UserAgent: "test-agent"}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return d
}

func TestAcquireDownload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.UserAgent())
		switch r.URL.Path {
		case "/img":
			_, _ = w.Write(pngHeader)
		case "/doc.pdf":
			_, _ = w.Write(pdfHeader)
		case "/clip.mp4":
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write([]byte("not really a video"))
		case "/notes.txt":
			_, _ = w.Write([]byte("plain text"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := newDownloader(t, 1<<20)
	ctx := context.Background()

	tests := []struct {
		path string
		kind domain.MediaKind
	}{
		{"/img", domain.MediaKindImage},
		{"/doc.pdf", domain.MediaKindPDF},
		{"/clip.mp4", domain.MediaKindVideo},
	}
	for _, tc := range tests {
		ref, err := d.Acquire(ctx, srv.URL+tc.path)
		require.NoError(t, err, tc.path)
		assert.Equal(t, tc.kind, ref.Kind, tc.path)
		assert.Equal(t, srv.URL+tc.path, ref.URL)
		assert.Equal(t, d.config.Dir, filepath.Dir(ref.Path))
		info, err := os.Stat(ref.Path)
		require.NoError(t, err)
		assert.Equal(t, info.Size(), ref.Size)
	}

	clip, err := d.Acquire(ctx, srv.URL+"/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", clip.MIMEType, "server type is used when sniffing finds no media")
	assert.Equal(t, ".mp4", filepath.Ext(clip.Path))

	_, err = d.Acquire(ctx, srv.URL+"/notes.txt")
	assert.ErrorIs(t, err, ErrUnsupportedMedia)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = d.Acquire(ctx, srv.URL+"/missing.png")
	assert.ErrorIs(t, err, ErrDownload)
}

func TestAcquireSizeLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	d := newDownloader(t, 16)
	_, err := d.Acquire(context.Background(), srv.URL+"/big.png")
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(d.config.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial downloads are removed")
}

func TestAcquireLocal(t *testing.T) {
	t.Parallel()

	d := newDownloader(t, 1<<20)
	path := filepath.Join(t.TempDir(), "page.png")
	require.NoError(t, os.WriteFile(path, pngHeader, 0o600))

	for _, locator := range []string{path, "file://" + path} {
		ref, err := d.Acquire(context.Background(), locator)
		require.NoError(t, err, locator)
		assert.Equal(t, path, ref.Path)
		assert.Equal(t, domain.MediaKindImage, ref.Kind)
		assert.Empty(t, ref.URL)
	}
}

func TestAcquireRejectsLocators(t *testing.T) {
	t.Parallel()

	d := newDownloader(t, 1<<20)
	for _, locator := range []string{"ftp://example.com/a.png", "relative/a.png", "https:///a.png", "/does/not/exist.png"} {
		_, err := d.Acquire(context.Background(), locator)
		assert.ErrorIs(t, err, ErrInvalidLocator, locator)
	}
}

func TestDetectKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime, name string
		want       domain.MediaKind
	}{
		{"image/jpeg", "", domain.MediaKindImage},
		{"application/pdf", "", domain.MediaKindPDF},
		{"audio/mpeg", "", domain.MediaKindVideo},
		{"video/quicktime; codecs=x", "", domain.MediaKindVideo},
		{"application/octet-stream", "/x/photo.WEBP", domain.MediaKindImage},
		{"", "clip.mkv", domain.MediaKindVideo},
	}
	for _, tc := range tests {
		got, err := DetectKind(tc.mime, tc.name)
		require.NoError(t, err, tc.mime+" "+tc.name)
		assert.Equal(t, tc.want, got)
	}

	_, err := DetectKind("text/plain", "readme")
	assert.ErrorIs(t, err, ErrUnsupportedMedia)
}
