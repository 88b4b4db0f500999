package mistral

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/phrazzld/mediatext/internal/platform/logger"
)

const (
	// DefaultBaseURL is the public Mistral API.
	DefaultBaseURL = "https://api.mistral.ai"

	// DefaultModel is the OCR model used when none is configured.
	DefaultModel = "mistral-ocr-latest"

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 32 << 20
)

// ErrInvalidResponse is returned when the API answers 2xx with a body that
// cannot be decoded.
var ErrInvalidResponse = errors.New("invalid response from mistral")

// Config configures the adapter.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Adapter is the remote-ocr engine adapter.
type Adapter struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

var _ engine.SyncAdapter = (*Adapter)(nil)

// New creates an adapter. client may be nil; call deadlines come from the
// context the controller passes in.
func New(cfg Config, client *http.Client, log *slog.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{
		config: cfg,
		client: client,
		logger: log.With("engine", domain.EngineRemoteOCR),
	}
}

// Engine implements engine.Adapter.
func (a *Adapter) Engine() domain.Engine { return domain.EngineRemoteOCR }

// CheckAvailable implements engine.Adapter.
func (a *Adapter) CheckAvailable(context.Context) bool { return a.config.APIKey != "" }

type document struct {
	Type        string `json:"type"`
	ImageURL    string `json:"image_url,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`
}

type ocrRequest struct {
	Model    string   `json:"model"`
	Document document `json:"document"`
}

type ocrResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

// ProcessSync implements engine.SyncAdapter.
func (a *Adapter) ProcessSync(ctx context.Context, src domain.SourceRef) (string, error) {
	var doc document
	var err error
	switch src.Kind {
	case domain.MediaKindImage:
		doc, err = a.imageDocument(src)
	case domain.MediaKindPDF:
		doc, err = a.pdfDocument(ctx, src)
	default:
		err = engine.Permanent("process", fmt.Errorf("%w: %s", engine.ErrUnsupportedFormat, src.Kind))
	}
	if err != nil {
		return "", err
	}

	raw, err := a.do(ctx, "process", http.MethodPost, "/v1/ocr", ocrRequest{Model: a.config.Model, Document: doc})
	if err != nil {
		return "", err
	}

	var resp ocrResponse
	if err := sonic.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	pages := make([]string, 0, len(resp.Pages))
	for _, p := range resp.Pages {
		pages = append(pages, p.Markdown)
	}
	logger.FromContext(ctx).Debug("mistral ocr finished", "pages", len(resp.Pages))
	return strings.TrimSpace(strings.Join(pages, "\n\n")), nil
}

func (a *Adapter) imageDocument(src domain.SourceRef) (document, error) {
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return document{}, engine.Permanent("process", fmt.Errorf("failed to read image: %w", err))
	}
	mimeType := src.MIMEType
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = mimetype.Detect(data).String()
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return document{}, engine.Permanent("process", fmt.Errorf("%w: %s", engine.ErrUnsupportedFormat, mimeType))
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return document{
		Type:     "image_url",
		ImageURL: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
	}, nil
}

type uploadResponse struct {
	ID string `json:"id"`
}

type signedURLResponse struct {
	URL string `json:"url"`
}

func (a *Adapter) pdfDocument(ctx context.Context, src domain.SourceRef) (document, error) {
	f, err := os.Open(src.Path)
	if err != nil {
		return document{}, engine.Permanent("upload", fmt.Errorf("failed to open pdf: %w", err))
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "ocr"); err != nil {
		return document{}, err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(src.Path))
	if err != nil {
		return document{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return document{}, engine.Permanent("upload", fmt.Errorf("failed to read pdf: %w", err))
	}
	if err := mw.Close(); err != nil {
		return document{}, err
	}

	raw, err := a.send(ctx, "upload", http.MethodPost, "/v1/files", &body, mw.FormDataContentType())
	if err != nil {
		return document{}, err
	}
	var uploaded uploadResponse
	if err := sonic.Unmarshal(raw, &uploaded); err != nil || uploaded.ID == "" {
		return document{}, fmt.Errorf("%w: upload returned no file id", ErrInvalidResponse)
	}

	raw, err = a.do(ctx, "signed url", http.MethodGet, "/v1/files/"+url.PathEscape(uploaded.ID)+"/url?expiry=24", nil)
	if err != nil {
		return document{}, err
	}
	var signed signedURLResponse
	if err := sonic.Unmarshal(raw, &signed); err != nil || signed.URL == "" {
		return document{}, fmt.Errorf("%w: no signed url for file %s", ErrInvalidResponse, uploaded.ID)
	}

	return document{Type: "document_url", DocumentURL: signed.URL}, nil
}

func (a *Adapter) do(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	contentType := ""
	if payload != nil {
		b, err := sonic.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	return a.send(ctx, op, method, path, body, contentType)
}

func (a *Adapter) send(ctx context.Context, op, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, body)
	if err != nil {
		return nil, engine.Permanent(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mistral %s: %w", op, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			a.logger.Warn("failed to close response body", "error", err)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("mistral %s: read response: %w", op, err)
	}

	logger.FromContext(ctx).Debug("mistral response",
		"op", op,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds())

	if resp.StatusCode/100 != 2 {
		return nil, engine.StatusError(op, resp.StatusCode, string(raw))
	}
	return raw, nil
}
