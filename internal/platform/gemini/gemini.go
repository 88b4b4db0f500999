package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/phrazzld/mediatext/internal/platform/logger"
	"google.golang.org/genai"
)

// DefaultPrompt asks for a faithful Markdown rendering of the image.
const DefaultPrompt = "Return the content of this image as Markdown. Reproduce its text and " +
	"structure as closely as possible. Where the image contains illustrations, describe " +
	"each one in words at the position in the text where it appears."

var (
	// ErrContentBlocked is returned when the model refused the image.
	ErrContentBlocked = errors.New("content blocked by safety filters")

	// ErrInvalidResponse is returned for responses without usable text.
	ErrInvalidResponse = errors.New("invalid response from model")
)

// Config configures the adapter.
type Config struct {
	APIKey      string
	Model       string
	Prompt      string
	Temperature float32
}

// contentGenerator is the part of the genai client the adapter uses;
// *genai.Models implements it.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Adapter is the remote-nlp engine adapter.
type Adapter struct {
	models   contentGenerator
	config   Config
	logger   *slog.Logger
	readFile func(string) ([]byte, error)
}

var _ engine.SyncAdapter = (*Adapter)(nil)

// New creates an adapter backed by the Gemini API.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", engine.ErrAuth)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return newAdapter(client.Models, cfg, log), nil
}

func newAdapter(models contentGenerator, cfg Config, log *slog.Logger) *Adapter {
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	return &Adapter{
		models:   models,
		config:   cfg,
		logger:   log.With("engine", domain.EngineRemoteNLP),
		readFile: os.ReadFile,
	}
}

// Engine implements engine.Adapter.
func (a *Adapter) Engine() domain.Engine { return domain.EngineRemoteNLP }

// CheckAvailable implements engine.Adapter.
func (a *Adapter) CheckAvailable(context.Context) bool {
	return a.models != nil && a.config.APIKey != ""
}

// ProcessSync implements engine.SyncAdapter.
func (a *Adapter) ProcessSync(ctx context.Context, src domain.SourceRef) (string, error) {
	if src.Kind != domain.MediaKindImage {
		return "", engine.Permanent("process", fmt.Errorf("%w: %s", engine.ErrUnsupportedFormat, src.Kind))
	}

	data, err := a.readFile(src.Path)
	if err != nil {
		return "", engine.Permanent("process", fmt.Errorf("failed to read image: %w", err))
	}
	mimeType := src.MIMEType
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = mimetype.Detect(data).String()
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return "", engine.Permanent("process", fmt.Errorf("%w: %s", engine.ErrUnsupportedFormat, mimeType))
	}

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: a.config.Prompt},
			{InlineData: &genai.Blob{Data: data, MIMEType: mimeType}},
		},
	}}
	genConfig := &genai.GenerateContentConfig{Temperature: genai.Ptr(a.config.Temperature)}

	logger.FromContext(ctx).Debug("calling gemini",
		"model", a.config.Model,
		"mime_type", mimeType,
		"image_bytes", len(data))

	resp, err := a.models.GenerateContent(ctx, a.config.Model, contents, genConfig)
	if err != nil {
		return "", classify(err)
	}
	return extractText(resp)
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", engine.Permanent("process", fmt.Errorf("%w: no candidates", ErrInvalidResponse))
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", engine.Permanent("process", ErrContentBlocked)
	}
	if candidate.Content == nil {
		return "", engine.Permanent("process", fmt.Errorf("%w: empty content", ErrInvalidResponse))
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && part.Text != "" && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", engine.Permanent("process", fmt.Errorf("%w: no text in response", ErrInvalidResponse))
	}
	return text, nil
}

// classify maps Gemini API errors to engine error classes.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return engine.StatusError("process", apiErr.Code, apiErr.Message)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return engine.StatusError("process", apiErrPtr.Code, apiErrPtr.Message)
	}
	return engine.WithEngine(domain.EngineRemoteNLP, "process", err)
}
