package tabular

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Column names of a parent sheet.
const (
	ColumnNoteURL   = "note_url"
	ColumnImageList = "image_list"
	ColumnVideoURL  = "video_url"
	ColumnImageText = "image_txt"
	ColumnVideoText = "video_txt"
	ColumnStatus    = "status"
	ColumnSkipped   = "skipped"
)

// Format is a supported sheet encoding.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

var (
	// ErrUnsupportedFormat is returned for a file that is neither XLSX nor CSV.
	ErrUnsupportedFormat = errors.New("unsupported sheet format")

	// ErrMissingColumn is returned when the header lacks note_url.
	ErrMissingColumn = errors.New("sheet is missing a required column")

	// ErrEmptySheet is returned for a sheet without a header row.
	ErrEmptySheet = errors.New("sheet is empty")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Row is one parent read from a sheet.
type Row struct {
	// Line is the 1-based sheet row, header included.
	Line      int      `json:"line"`
	NoteURL   string   `json:"note_url"`
	ImageURLs []string `json:"image_urls,omitempty"`
	VideoURL  string   `json:"video_url,omitempty"`
}

// VideoURLs returns the row's video as a list.
func (r Row) VideoURLs() []string {
	if r.VideoURL == "" {
		return nil
	}
	return []string{r.VideoURL}
}

// FormatFromName picks the format from a file name's extension.
func FormatFromName(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx":
		return FormatXLSX, nil
	case ".csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// Read parses a sheet in the given format. Rows without a note_url are
// dropped.
func Read(r io.Reader, format Format) ([]Row, error) {
	var (
		records [][]string
		err     error
	)
	switch format {
	case FormatXLSX:
		records, err = readXLSX(r)
	case FormatCSV:
		records, err = readCSV(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}
	return parseRecords(records)
}

// readXLSX returns the cells of the workbook's first sheet.
func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptySheet
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func readCSV(r io.Reader) ([][]string, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return records, nil
}

func parseRecords(records [][]string) ([]Row, error) {
	if len(records) == 0 {
		return nil, ErrEmptySheet
	}

	cols := make(map[string]int)
	for i, name := range records[0] {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := cols[ColumnNoteURL]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, ColumnNoteURL)
	}

	cell := func(record []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var rows []Row
	for i, record := range records[1:] {
		note := cell(record, ColumnNoteURL)
		if note == "" {
			continue
		}
		rows = append(rows, Row{
			Line:      i + 2,
			NoteURL:   note,
			ImageURLs: SplitList(cell(record, ColumnImageList)),
			VideoURL:  cell(record, ColumnVideoURL),
		})
	}
	return rows, nil
}

// SplitList splits a comma-separated URL list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
