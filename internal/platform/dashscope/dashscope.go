package dashscope

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/phrazzld/mediatext/internal/platform/logger"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// DefaultBaseURL is the public DashScope endpoint.
	DefaultBaseURL = "https://dashscope.aliyuncs.com"

	// DefaultModel is the transcription model used when none is configured.
	DefaultModel = "paraformer-v2"

	submitPath       = "/api/v1/services/audio/asr/transcription"
	tasksPath        = "/api/v1/tasks/"
	maxResponseBytes = 64 << 20
)

// DashScope task states.
const (
	statePending   = "PENDING"
	stateRunning   = "RUNNING"
	stateSucceeded = "SUCCEEDED"
	stateFailed    = "FAILED"
	stateCanceled  = "CANCELED"
	stateUnknown   = "UNKNOWN"
)

var (
	// ErrNoSourceURL is returned for media that has no fetchable URL; the
	// service downloads files itself.
	ErrNoSourceURL = errors.New("transcription needs a source url")

	// ErrInvalidResponse is returned for undecodable API responses.
	ErrInvalidResponse = errors.New("invalid response from dashscope")

	// ErrInvalidTranscription is returned when a transcription document
	// does not have the expected shape.
	ErrInvalidTranscription = errors.New("invalid transcription document")
)

// Config configures the adapter.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// SpeakerCount and LanguageHints apply when a task carries none.
	SpeakerCount  int
	LanguageHints []string
}

// Adapter is the remote-transcribe engine adapter.
type Adapter struct {
	config Config
	client *http.Client
	schema *jsonschema.Schema
	logger *slog.Logger
}

var _ engine.AsyncAdapter = (*Adapter)(nil)

// New creates an adapter. client may be nil.
func New(cfg Config, client *http.Client, log *slog.Logger) (*Adapter, error) {
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
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &Adapter{
		config: cfg,
		client: client,
		schema: schema,
		logger: log.With("engine", domain.EngineRemoteTranscribe),
	}, nil
}

// Engine implements engine.Adapter.
func (a *Adapter) Engine() domain.Engine { return domain.EngineRemoteTranscribe }

// CheckAvailable implements engine.Adapter.
func (a *Adapter) CheckAvailable(context.Context) bool { return a.config.APIKey != "" }

type submitRequest struct {
	Model      string           `json:"model"`
	Input      submitInput      `json:"input"`
	Parameters submitParameters `json:"parameters"`
}

type submitInput struct {
	FileURLs []string `json:"file_urls"`
}

type submitParameters struct {
	LanguageHints      []string `json:"language_hints,omitempty"`
	DiarizationEnabled bool     `json:"diarization_enabled"`
	SpeakerCount       int      `json:"speaker_count,omitempty"`
}

type taskResponse struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Output    struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Code       string `json:"code"`
		Message    string `json:"message"`
		Results    []struct {
			FileURL          string `json:"file_url"`
			TranscriptionURL string `json:"transcription_url"`
			SubtaskStatus    string `json:"subtask_status"`
			Code             string `json:"code"`
			Message          string `json:"message"`
		} `json:"results"`
	} `json:"output"`
}

// SubmitAsync implements engine.AsyncAdapter.
func (a *Adapter) SubmitAsync(ctx context.Context, src domain.SourceRef, opts domain.JobOptions) (string, error) {
	if src.Kind != domain.MediaKindVideo {
		return "", engine.Permanent("submit", fmt.Errorf("%w: %s", engine.ErrUnsupportedFormat, src.Kind))
	}
	if src.URL == "" {
		return "", engine.Permanent("submit", ErrNoSourceURL)
	}

	params := submitParameters{LanguageHints: opts.LanguageHints}
	if len(params.LanguageHints) == 0 {
		params.LanguageHints = slices.Clone(a.config.LanguageHints)
	}
	speakers := opts.SpeakerCount
	if speakers == 0 {
		speakers = a.config.SpeakerCount
	}
	if speakers > 0 {
		params.DiarizationEnabled = true
		params.SpeakerCount = speakers
	}

	body, err := sonic.Marshal(submitRequest{
		Model:      a.config.Model,
		Input:      submitInput{FileURLs: []string{src.URL}},
		Parameters: params,
	})
	if err != nil {
		return "", engine.Permanent("submit", fmt.Errorf("marshal request: %w", err))
	}

	raw, err := a.send(ctx, "submit", http.MethodPost, a.config.BaseURL+submitPath, bytes.NewReader(body), true)
	if err != nil {
		return "", err
	}
	var resp taskResponse
	if err := sonic.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if resp.Output.TaskID == "" {
		return "", engine.Permanent("submit", fmt.Errorf("%w: no task id: %s %s", ErrInvalidResponse, resp.Code, resp.Message))
	}

	logger.FromContext(ctx).Info("transcription submitted",
		"external_job_id", resp.Output.TaskID,
		"request_id", resp.RequestID,
		"diarization", params.DiarizationEnabled)
	return resp.Output.TaskID, nil
}

// PollAsync implements engine.AsyncAdapter.
func (a *Adapter) PollAsync(ctx context.Context, handle string) (engine.PollResult, error) {
	raw, err := a.send(ctx, "poll", http.MethodGet, a.config.BaseURL+tasksPath+url.PathEscape(handle), nil, false)
	if err != nil {
		return engine.PollResult{}, err
	}
	var resp taskResponse
	if err := sonic.Unmarshal(raw, &resp); err != nil {
		return engine.PollResult{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	out := resp.Output
	switch out.TaskStatus {
	case statePending, stateRunning:
		return engine.PollResult{Status: engine.JobRunning}, nil
	case stateSucceeded:
	case stateFailed, stateCanceled, stateUnknown:
		return engine.PollResult{Status: engine.JobFailed, Reason: failureReason(out.TaskStatus, out.Code, out.Message)}, nil
	default:
		return engine.PollResult{}, fmt.Errorf("%w: unexpected task status %q", ErrInvalidResponse, out.TaskStatus)
	}

	log := logger.FromContext(ctx)
	var texts []string
	var documents []any
	var failures []string
	for _, r := range out.Results {
		if r.SubtaskStatus != stateSucceeded {
			reason := failureReason(r.SubtaskStatus, r.Code, r.Message)
			log.Warn("transcription subtask failed", "external_job_id", handle, "file_url", r.FileURL, "reason", reason)
			failures = append(failures, reason)
			continue
		}
		doc, docTexts, err := a.fetchTranscription(ctx, r.TranscriptionURL)
		if err != nil {
			return engine.PollResult{}, err
		}
		documents = append(documents, doc)
		texts = append(texts, docTexts...)
	}
	if len(documents) == 0 {
		reason := "no transcription results"
		if len(failures) > 0 {
			reason = strings.Join(failures, "; ")
		}
		return engine.PollResult{Status: engine.JobFailed, Reason: reason}, nil
	}

	full, err := sonic.Marshal(documents)
	if err != nil {
		return engine.PollResult{}, fmt.Errorf("marshal transcription documents: %w", err)
	}
	return engine.PollResult{
		Status: engine.JobSucceeded,
		Text:   strings.TrimSpace(strings.Join(texts, "\n\n")),
		Raw:    full,
	}, nil
}

// fetchTranscription downloads one transcription document, validates it
// and returns it decoded together with its transcript texts.
func (a *Adapter) fetchTranscription(ctx context.Context, docURL string) (any, []string, error) {
	if docURL == "" {
		return nil, nil, fmt.Errorf("%w: subtask succeeded without transcription url", ErrInvalidResponse)
	}
	raw, err := a.send(ctx, "fetch", http.MethodGet, docURL, nil, false)
	if err != nil {
		return nil, nil, err
	}

	var doc any
	if err := sonic.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidTranscription, err)
	}
	if err := a.schema.Validate(doc); err != nil {
		return nil, nil, engine.Permanent("fetch", fmt.Errorf("%w: %w", ErrInvalidTranscription, err))
	}

	var typed struct {
		Transcripts []struct {
			Text string `json:"text"`
		} `json:"transcripts"`
	}
	if err := sonic.Unmarshal(raw, &typed); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidTranscription, err)
	}
	texts := make([]string, 0, len(typed.Transcripts))
	for _, tr := range typed.Transcripts {
		if s := strings.TrimSpace(tr.Text); s != "" {
			texts = append(texts, s)
		}
	}
	return doc, texts, nil
}

func failureReason(status, code, message string) string {
	parts := []string{status}
	if code != "" {
		parts = append(parts, code)
	}
	if message != "" {
		parts = append(parts, message)
	}
	return strings.Join(parts, ": ")
}

// send performs one request. Requests to the API carry the key; transcription
// documents live at pre-signed URLs and are fetched without it.
func (a *Adapter) send(ctx context.Context, op, method, target string, body io.Reader, async bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, engine.Permanent(op, err)
	}
	if strings.HasPrefix(target, a.config.BaseURL+"/") {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if async {
		req.Header.Set("X-DashScope-Async", "enable")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dashscope %s: %w", op, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			a.logger.Warn("failed to close response body", "error", err)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("dashscope %s: read response: %w", op, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, engine.StatusError(op, resp.StatusCode, string(raw))
	}
	return raw, nil
}
