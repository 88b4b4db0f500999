package tabular

import (
	"context"
	"log/slog"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/platform/logger"
	"github.com/phrazzld/mediatext/internal/redact"
	"github.com/phrazzld/mediatext/internal/service"
)

// Submitter creates parents; *service.Submission implements it.
type Submitter interface {
	SubmitParent(ctx context.Context, req service.SubmitParentRequest) (*service.ParentSubmission, error)
}

// ImportOptions apply to every row of an import.
type ImportOptions struct {
	ImageEngine string
	VideoEngine string
	Options     domain.JobOptions
}

// Outcome is the result of submitting one row.
type Outcome struct {
	Line      int                  `json:"line"`
	ParentKey string               `json:"parent_key"`
	Version   int                  `json:"version,omitempty"`
	Tasks     int                  `json:"tasks"`
	Skipped   []service.SkippedURL `json:"skipped,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Report summarizes an import.
type Report struct {
	Submitted int       `json:"submitted"`
	Failed    int       `json:"failed"`
	Outcomes  []Outcome `json:"outcomes"`
}

// ParentKeys lists the keys of the rows that were submitted.
func (r *Report) ParentKeys() []string {
	var keys []string
	for _, o := range r.Outcomes {
		if o.Error == "" {
			keys = append(keys, o.ParentKey)
		}
	}
	return keys
}

// Import submits each row as a parent. A failing row is recorded in the
// report and does not stop the import; only cancellation does.
func Import(ctx context.Context, s Submitter, rows []Row, opts ImportOptions) (*Report, error) {
	log := logger.FromContext(ctx)
	report := &Report{Outcomes: make([]Outcome, 0, len(rows))}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		outcome := Outcome{Line: row.Line, ParentKey: row.NoteURL}
		sub, err := s.SubmitParent(ctx, service.SubmitParentRequest{
			ParentKey:   row.NoteURL,
			ImageURLs:   row.ImageURLs,
			VideoURLs:   row.VideoURLs(),
			ImageEngine: opts.ImageEngine,
			VideoEngine: opts.VideoEngine,
			Options:     opts.Options,
		})
		if err != nil {
			outcome.Error = redact.Error(err)
			report.Failed++
			log.Warn("import row rejected",
				slog.Int("line", row.Line),
				slog.String("parent_key", row.NoteURL),
				slog.String("error", outcome.Error))
			report.Outcomes = append(report.Outcomes, outcome)
			continue
		}

		outcome.ParentKey = sub.Relation.ParentKey
		outcome.Version = sub.Relation.Version
		outcome.Tasks = len(sub.Tasks)
		outcome.Skipped = sub.Skipped
		report.Submitted++
		report.Outcomes = append(report.Outcomes, outcome)
	}

	log.Info("import finished",
		"rows", len(rows),
		"submitted", report.Submitted,
		"failed", report.Failed)
	return report, nil
}
