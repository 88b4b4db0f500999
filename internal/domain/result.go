package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Result is the output of one completed task.
type Result struct {
	TaskID      uuid.UUID `json:"task_id"`
	TextContent string    `json:"text_content"`
	// ResultPath optionally references a persisted artifact.
	ResultPath string    `json:"result_path,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewResult builds a result with text normalized to valid UTF-8.
func NewResult(taskID uuid.UUID, text, path string) (*Result, error) {
	r := &Result{
		TaskID:      taskID,
		TextContent: NormalizeText(text),
		ResultPath:  path,
		CreatedAt:   time.Now().UTC(),
	}
	if taskID == uuid.Nil {
		return nil, fmt.Errorf("%w: result task id is empty", ErrValidation)
	}
	return r, nil
}

// NormalizeText replaces invalid UTF-8, unifies line endings and trims
// surrounding whitespace.
func NormalizeText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}
