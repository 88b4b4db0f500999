package api

import (
	"net/http"
	"strconv"

	"github.com/phrazzld/mediatext/internal/api/shared"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/tabular"
)

// MaxImportBytes bounds an uploaded sheet.
const MaxImportBytes = 32 << 20

// ImportHandler serves POST /v1/imports.
type ImportHandler struct {
	svc SubmissionService
}

// NewImportHandler creates an ImportHandler.
func NewImportHandler(svc SubmissionService) *ImportHandler {
	return &ImportHandler{svc: svc}
}

// Import reads the multipart "file" field as an XLSX or CSV sheet and
// submits every row as a parent. Optional form fields: image_engine,
// video_engine, speaker_count and language_hints (comma-separated).
func (h *ImportHandler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxImportBytes)
	if err := r.ParseMultipartForm(MaxImportBytes); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid multipart upload", err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Missing file field")
		return
	}
	defer func() { _ = file.Close() }()

	format, err := tabular.FormatFromName(header.Filename)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	opts := tabular.ImportOptions{
		ImageEngine: r.FormValue("image_engine"),
		VideoEngine: r.FormValue("video_engine"),
		Options:     domain.JobOptions{LanguageHints: splitCSV(r.FormValue("language_hints"))},
	}
	if raw := r.FormValue("speaker_count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid speaker_count: must be a non-negative integer")
			return
		}
		opts.Options.SpeakerCount = n
	}

	rows, err := tabular.Read(file, format)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to read sheet")
		return
	}

	report, err := tabular.Import(r.Context(), h.svc, rows, opts)
	if err != nil {
		HandleAPIError(w, r, err, "Import interrupted")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, report)
}
