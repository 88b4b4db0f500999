package tabular

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/aggregate"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/platform/logger"
	"github.com/phrazzld/mediatext/internal/service"
	"github.com/xuri/excelize/v2"
)

const (
	exportSheet    = "Parents"
	exportPageSize = 500
	truncateSuffix = "\n[truncated]"
)

var exportHeader = []string{
	ColumnNoteURL, ColumnImageList, ColumnVideoURL,
	ColumnImageText, ColumnVideoText, ColumnStatus, ColumnSkipped,
}

// ParentReader is the read side of the submission service.
type ParentReader interface {
	GetParent(ctx context.Context, parentKey string) (*aggregate.ParentAggregate, error)
	ListParents(ctx context.Context, limit, offset int) ([]*aggregate.ParentAggregate, error)
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
}

// ExportRow is one parent as written to a workbook.
type ExportRow struct {
	NoteURL   string
	ImageURLs []string
	VideoURLs []string
	ImageText string
	VideoText string
	Status    domain.RelationStatus
	Skipped   int
}

// Collect builds export rows for keys, or for every parent when keys is
// empty. Child media locators are read back from the child tasks.
func Collect(ctx context.Context, r ParentReader, keys []string) ([]ExportRow, error) {
	var aggs []*aggregate.ParentAggregate
	if len(keys) == 0 {
		for offset := 0; ; offset += exportPageSize {
			page, err := r.ListParents(ctx, exportPageSize, offset)
			if err != nil {
				return nil, err
			}
			aggs = append(aggs, page...)
			if len(page) < exportPageSize {
				break
			}
		}
	} else {
		for _, key := range keys {
			agg, err := r.GetParent(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("failed to load parent %q: %w", key, err)
			}
			aggs = append(aggs, agg)
		}
	}

	rows := make([]ExportRow, 0, len(aggs))
	for _, agg := range aggs {
		images, err := locators(ctx, r, agg.Children.Images)
		if err != nil {
			return nil, err
		}
		videos, err := locators(ctx, r, agg.Children.Videos)
		if err != nil {
			return nil, err
		}
		rows = append(rows, ExportRow{
			NoteURL:   agg.ParentKey,
			ImageURLs: images,
			VideoURLs: videos,
			ImageText: agg.Images.Text,
			VideoText: agg.Videos.Text,
			Status:    agg.Status,
			Skipped:   agg.Skipped(),
		})
	}
	return rows, nil
}

func locators(ctx context.Context, r ParentReader, ids []uuid.UUID) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		t, err := r.GetTask(ctx, id)
		if errors.Is(err, service.ErrTaskNotFound) {
			logger.FromContext(ctx).Warn("export skipped unknown child task", "task_id", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.Source.URL != "" {
			out = append(out, t.Source.URL)
		} else {
			out = append(out, t.Source.Path)
		}
	}
	return out, nil
}

// WriteXLSX writes rows to w as a single-sheet workbook.
func WriteXLSX(w io.Writer, rows []ExportRow) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	header := make([]any, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []any{
			r.NoteURL,
			strings.Join(r.ImageURLs, ","),
			strings.Join(r.VideoURLs, ","),
			fitCell(r.ImageText),
			fitCell(r.VideoText),
			string(r.Status),
			r.Skipped,
		}
		if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	_ = f.SetColWidth(exportSheet, "A", "C", 40)
	_ = f.SetColWidth(exportSheet, "D", "E", 80)
	_ = f.SetColWidth(exportSheet, "F", "G", 12)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

// fitCell truncates text to the character limit of a spreadsheet cell.
func fitCell(s string) string {
	if utf8.RuneCountInString(s) <= excelize.TotalCellChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:excelize.TotalCellChars-utf8.RuneCountInString(truncateSuffix)]) + truncateSuffix
}
