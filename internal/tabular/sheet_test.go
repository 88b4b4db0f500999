package tabular

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestReadCSV(t *testing.T) {
	t.Parallel()

	input := "\ufeffNote_URL,image_list,video_url\n" +
		"https://notes.example/1, \"https://x/a.png, https://x/b.png,\",\n" +
		",https://x/orphan.png,\n" +
		"https://notes.example/2,,https://x/v.mp4\n"

	rows, err := Read(strings.NewReader(input), FormatCSV)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, Row{Line: 2, NoteURL: "https://notes.example/1", ImageURLs: []string{"https://x/a.png", "https://x/b.png"}}, rows[0])
	assert.Equal(t, Row{Line: 4, NoteURL: "https://notes.example/2", VideoURL: "https://x/v.mp4"}, rows[1])
	assert.Equal(t, []string{"https://x/v.mp4"}, rows[1].VideoURLs())
	assert.Nil(t, rows[0].VideoURLs())
}

func TestReadXLSX(t *testing.T) {
	t.Parallel()

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"video_url", "note_url", "image_list"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"https://x/v.mp4", "https://notes.example/1", "https://x/a.png"}))
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	rows, err := Read(&buf, FormatXLSX)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "https://notes.example/1", rows[0].NoteURL)
	assert.Equal(t, []string{"https://x/a.png"}, rows[0].ImageURLs)
	assert.Equal(t, "https://x/v.mp4", rows[0].VideoURL)
}

func TestReadErrors(t *testing.T) {
	t.Parallel()

	_, err := Read(strings.NewReader("image_list,video_url\na,b\n"), FormatCSV)
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, err = Read(strings.NewReader(""), FormatCSV)
	assert.ErrorIs(t, err, ErrEmptySheet)

	_, err = Read(strings.NewReader("x"), "ods")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Read(strings.NewReader("not a zip"), FormatXLSX)
	assert.Error(t, err)
}

func TestFormatFromName(t *testing.T) {
	t.Parallel()

	f, err := FormatFromName("batch.XLSX")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)

	f, err = FormatFromName("/tmp/batch.csv")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	_, err = FormatFromName("batch.xls")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
