package task

import (
	"context"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/platform/logger"
)

// saveArtifacts writes the extracted text, and the raw engine response when
// there is one, and returns the text artifact's location. Artifact failures
// are logged but never fail the task: the text itself lives in the result.
func saveArtifacts(ctx context.Context, w ArtifactWriter, t *domain.Task, text string, raw []byte) string {
	if w == nil {
		return ""
	}
	log := logger.FromContext(ctx)
	base := t.ID.String()

	if len(raw) > 0 {
		if _, err := w.Put(ctx, base+"_full.json", raw, "application/json"); err != nil {
			log.Warn("failed to save raw engine response", "task_id", t.ID, "error", err)
		}
	}

	path, err := w.Put(ctx, base+"_text.txt", []byte(domain.NormalizeText(text)), "text/plain; charset=utf-8")
	if err != nil {
		log.Warn("failed to save text artifact", "task_id", t.ID, "error", err)
		return ""
	}
	return path
}
