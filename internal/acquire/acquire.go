// Package acquire turns media locators into local files the engines can
// read: http(s) URLs are downloaded, local paths are checked, and the media
// kind is determined from the content with the file extension as fallback.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/platform/logger"
)

var (
	// ErrInvalidLocator is returned for URLs that are malformed or use an
	// unsupported scheme.
	ErrInvalidLocator = fmt.Errorf("%w: invalid media locator", domain.ErrValidation)

	// ErrUnsupportedMedia is returned when the content is neither image,
	// pdf, video nor audio.
	ErrUnsupportedMedia = fmt.Errorf("%w: unsupported media type", domain.ErrValidation)

	// ErrTooLarge is returned when a download exceeds the size cap.
	ErrTooLarge = errors.New("media exceeds size limit")

	// ErrDownload is returned when the remote server refused the download.
	ErrDownload = errors.New("download failed")
)

// Config controls downloads.
type Config struct {
	Dir       string
	MaxBytes  int64
	Timeout   time.Duration
	UserAgent string
}

// Acquirer resolves media locators to SourceRefs.
type Acquirer interface {
	Acquire(ctx context.Context, locator string) (domain.SourceRef, error)
}

// Downloader is the Acquirer used by the service.
type Downloader struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

var _ Acquirer = (*Downloader)(nil)

// New creates a downloader writing into cfg.Dir. client may be nil.
func New(cfg Config, client *http.Client, log *slog.Logger) (*Downloader, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 512 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Downloader{config: cfg, client: client, logger: log.With("component", "acquire")}, nil
}

// Acquire downloads or resolves locator. Accepted forms are http and https
// URLs, file:// URLs and absolute local paths.
func (d *Downloader) Acquire(ctx context.Context, locator string) (domain.SourceRef, error) {
	locator = strings.TrimSpace(locator)
	if filepath.IsAbs(locator) {
		return d.local(locator)
	}

	u, err := url.Parse(locator)
	if err != nil {
		return domain.SourceRef{}, fmt.Errorf("%w: %w", ErrInvalidLocator, err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return domain.SourceRef{}, fmt.Errorf("%w: missing host in %q", ErrInvalidLocator, locator)
		}
		return d.download(ctx, u)
	case "file":
		return d.local(u.Path)
	default:
		return domain.SourceRef{}, fmt.Errorf("%w: scheme %q not supported", ErrInvalidLocator, u.Scheme)
	}
}

func (d *Downloader) local(path string) (domain.SourceRef, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.SourceRef{}, fmt.Errorf("%w: %w", ErrInvalidLocator, err)
	}
	if info.IsDir() {
		return domain.SourceRef{}, fmt.Errorf("%w: %s is a directory", ErrInvalidLocator, path)
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return domain.SourceRef{}, fmt.Errorf("detect media type: %w", err)
	}
	kind, err := DetectKind(mt.String(), path)
	if err != nil {
		return domain.SourceRef{}, err
	}
	return domain.SourceRef{Path: path, Kind: kind, Size: info.Size(), MIMEType: mt.String()}, nil
}

func (d *Downloader) download(ctx context.Context, u *url.URL) (domain.SourceRef, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return domain.SourceRef{}, fmt.Errorf("%w: %w", ErrInvalidLocator, err)
	}
	if d.config.UserAgent != "" {
		req.Header.Set("User-Agent", d.config.UserAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return domain.SourceRef{}, fmt.Errorf("%w: %w", ErrDownload, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return domain.SourceRef{}, fmt.Errorf("%w: status %d", ErrDownload, resp.StatusCode)
	}
	if resp.ContentLength > d.config.MaxBytes {
		return domain.SourceRef{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	tmp, err := os.CreateTemp(d.config.Dir, ".download-*")
	if err != nil {
		return domain.SourceRef{}, fmt.Errorf("create download file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, d.config.MaxBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return domain.SourceRef{}, fmt.Errorf("%w: %w", ErrDownload, err)
	}
	if n > d.config.MaxBytes {
		return domain.SourceRef{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, d.config.MaxBytes)
	}

	mt, err := mimetype.DetectFile(tmp.Name())
	if err != nil {
		return domain.SourceRef{}, fmt.Errorf("detect media type: %w", err)
	}
	// Sniffed content wins; the server's Content-Type covers formats the
	// sniffer does not know.
	mimeType := mt.String()
	if _, ok := kindFromMIME(mimeType); !ok {
		if header := resp.Header.Get("Content-Type"); header != "" {
			if _, ok := kindFromMIME(header); ok {
				mimeType = header
			}
		}
	}
	kind, err := DetectKind(mimeType, u.Path)
	if err != nil {
		return domain.SourceRef{}, err
	}

	ext := strings.ToLower(filepath.Ext(u.Path))
	if _, known := extensionKinds[ext]; !known {
		ext = mt.Extension()
	}
	path := filepath.Join(d.config.Dir, uuid.NewString()+ext)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return domain.SourceRef{}, fmt.Errorf("store download: %w", err)
	}

	logger.FromContext(ctx).Debug("media downloaded", "url", u.Redacted(), "path", path, "kind", kind, "bytes", n)
	return domain.SourceRef{
		Path:     path,
		Kind:     kind,
		Size:     n,
		MIMEType: mimeType,
		URL:      u.String(),
	}, nil
}

var extensionKinds = map[string]domain.MediaKind{
	".jpg": domain.MediaKindImage, ".jpeg": domain.MediaKindImage, ".png": domain.MediaKindImage,
	".gif": domain.MediaKindImage, ".bmp": domain.MediaKindImage, ".webp": domain.MediaKindImage,
	".pdf": domain.MediaKindPDF,
	".mp4": domain.MediaKindVideo, ".avi": domain.MediaKindVideo, ".mov": domain.MediaKindVideo,
	".flv": domain.MediaKindVideo, ".mkv": domain.MediaKindVideo, ".wmv": domain.MediaKindVideo,
	".mp3": domain.MediaKindVideo, ".wav": domain.MediaKindVideo, ".m4a": domain.MediaKindVideo,
	".aac": domain.MediaKindVideo, ".flac": domain.MediaKindVideo,
}

// DetectKind maps a MIME type to a media kind, falling back to the
// extension of name. Audio counts as video: both go to transcription.
func DetectKind(mimeType, name string) (domain.MediaKind, error) {
	if kind, ok := kindFromMIME(mimeType); ok {
		return kind, nil
	}
	if kind, ok := extensionKinds[strings.ToLower(filepath.Ext(name))]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, mimeType)
}

func kindFromMIME(mimeType string) (domain.MediaKind, bool) {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), ";")
	switch {
	case strings.HasPrefix(base, "image/"):
		return domain.MediaKindImage, true
	case base == "application/pdf":
		return domain.MediaKindPDF, true
	case strings.HasPrefix(base, "video/"), strings.HasPrefix(base, "audio/"):
		return domain.MediaKindVideo, true
	}
	return "", false
}
