package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending         TaskStatus = "pending"
	TaskStatusProcessing      TaskStatus = "processing"
	TaskStatusWaitingOnRemote TaskStatus = "waiting_on_remote"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
)

// IsTerminal reports whether no further automatic transition can happen.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusWaitingOnRemote,
		TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// transitions lists the edges the dispatcher and poll manager may take.
// The external reset is modelled separately by CanReset.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusProcessing},
	TaskStatusProcessing: {
		TaskStatusCompleted,
		TaskStatusWaitingOnRemote,
		TaskStatusPending,
		TaskStatusFailed,
	},
	TaskStatusWaitingOnRemote: {TaskStatusCompleted, TaskStatusFailed},
}

// CanTransition reports whether from -> to is a legal automatic transition.
func CanTransition(from, to TaskStatus) bool {
	return slices.Contains(transitions[from], to)
}

// CanReset reports whether an external reset may move a task in s back to pending.
func CanReset(s TaskStatus) bool {
	return s.IsTerminal() || s == TaskStatusWaitingOnRemote
}

// ValidateTransition returns ErrInvalidTransition for an illegal edge.
func ValidateTransition(from, to TaskStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Engine identifies an extraction engine variant.
type Engine string

// The closed set of engines.
const (
	EngineLocalOCR         Engine = "local-ocr"
	EngineRemoteOCR        Engine = "remote-ocr"
	EngineRemoteNLP        Engine = "remote-nlp"
	EngineRemoteTranscribe Engine = "remote-transcribe"
)

// Engines returns every engine in a stable order.
func Engines() []Engine {
	return []Engine{EngineLocalOCR, EngineRemoteOCR, EngineRemoteNLP, EngineRemoteTranscribe}
}

// ParseEngine validates an engine name.
func ParseEngine(name string) (Engine, error) {
	e := Engine(name)
	if !slices.Contains(Engines(), e) {
		return "", fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	return e, nil
}

// Supports reports whether the engine can process media of the given kind.
func (e Engine) Supports(kind MediaKind) bool {
	switch e {
	case EngineLocalOCR, EngineRemoteOCR:
		return kind == MediaKindImage || kind == MediaKindPDF
	case EngineRemoteNLP:
		return kind == MediaKindImage
	case EngineRemoteTranscribe:
		return kind == MediaKindVideo
	default:
		return false
	}
}

// MediaKind is the declared kind of an acquired media item.
type MediaKind string

// Supported media kinds
const (
	MediaKindImage MediaKind = "image"
	MediaKindPDF   MediaKind = "pdf"
	MediaKindVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	return k == MediaKindImage || k == MediaKindPDF || k == MediaKindVideo
}

// SourceRef points at already-acquired local media.
type SourceRef struct {
	Path     string    `json:"path"`
	Kind     MediaKind `json:"kind"`
	Size     int64     `json:"size"`
	MIMEType string    `json:"mime_type,omitempty"`
	// URL is where the media was fetched from, if anywhere.
	URL string `json:"url,omitempty"`
}

// Validate checks the reference is usable.
func (r SourceRef) Validate() error {
	if r.Path == "" && r.URL == "" {
		return fmt.Errorf("%w: source reference has neither path nor url", ErrValidation)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: invalid media kind %q", ErrValidation, r.Kind)
	}
	if r.Size < 0 {
		return fmt.Errorf("%w: negative size", ErrValidation)
	}
	return nil
}

// JobOptions are the recognized submission options for asynchronous engines.
type JobOptions struct {
	SpeakerCount  int      `json:"speaker_count,omitempty"`
	LanguageHints []string `json:"language_hints,omitempty"`
}

// Task is a unit of extraction work bound to one media item and one engine.
type Task struct {
	ID            uuid.UUID  `json:"id"`
	Source        SourceRef  `json:"source"`
	Engine        Engine     `json:"engine"`
	Options       JobOptions `json:"options"`
	Status        TaskStatus `json:"status"`
	Attempt       int        `json:"attempt"`
	ExternalJobID string     `json:"external_job_id,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	// AvailableAt is the earliest time a pending task may be claimed.
	AvailableAt time.Time `json:"available_at"`
	// SubmittedAt is when the task entered WaitingOnRemote.
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewTask creates a pending task for the given source and engine.
func NewTask(source SourceRef, engine Engine, opts JobOptions) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID:          uuid.New(),
		Source:      source,
		Engine:      engine,
		Options:     opts,
		Status:      TaskStatusPending,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the task's fields and the status dependent invariants.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: task id is empty", ErrValidation)
	}
	if err := t.Source.Validate(); err != nil {
		return err
	}
	if _, err := ParseEngine(string(t.Engine)); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if !t.Engine.Supports(t.Source.Kind) {
		return fmt.Errorf("%w: %w: %s cannot process %s", ErrValidation, ErrUnsupportedKind, t.Engine, t.Source.Kind)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, t.Status)
	}
	if t.Attempt < 0 {
		return fmt.Errorf("%w: negative attempt", ErrValidation)
	}
	if t.Options.SpeakerCount < 0 {
		return fmt.Errorf("%w: negative speaker count", ErrValidation)
	}
	if (t.Status == TaskStatusWaitingOnRemote) != (t.ExternalJobID != "") {
		return fmt.Errorf("%w: external job id must be set exactly when waiting on remote", ErrValidation)
	}
	if (t.Status == TaskStatusFailed) != (t.ErrorMessage != "") {
		return fmt.Errorf("%w: error message must be set exactly when failed", ErrValidation)
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Options.LanguageHints = slices.Clone(t.Options.LanguageHints)
	if t.SubmittedAt != nil {
		s := *t.SubmittedAt
		c.SubmittedAt = &s
	}
	return &c
}
