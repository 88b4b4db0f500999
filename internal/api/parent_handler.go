package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/phrazzld/mediatext/internal/aggregate"
	"github.com/phrazzld/mediatext/internal/api/shared"
	"github.com/phrazzld/mediatext/internal/service"
	"github.com/phrazzld/mediatext/internal/tabular"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ParentHandler serves the /v1/parents routes.
type ParentHandler struct {
	svc SubmissionService
}

// NewParentHandler creates a ParentHandler.
func NewParentHandler(svc SubmissionService) *ParentHandler {
	return &ParentHandler{svc: svc}
}

// Submit handles POST /v1/parents.
func (h *ParentHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitParentRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	sub, err := h.svc.SubmitParent(r.Context(), service.SubmitParentRequest{
		ParentKey:   req.ParentKey,
		ImageURLs:   req.ImageURLs,
		VideoURLs:   req.VideoURLs,
		ImageEngine: req.ImageEngine,
		VideoEngine: req.VideoEngine,
		Options:     req.Options.toDomain(),
	})
	if err != nil {
		HandleAPIError(w, r, err, "Failed to submit parent")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, sub)
}

// Get handles GET /v1/parents/{key}, where key is the URL-escaped parent key.
func (h *ParentHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, err := getPathString(r, "key")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	agg, err := h.svc.GetParent(r.Context(), key)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load parent")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, agg)
}

// List handles GET /v1/parents?limit=&offset=.
func (h *ParentHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	aggs, err := h.svc.ListParents(r.Context(), limit, offset)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list parents")
		return
	}
	if aggs == nil {
		aggs = []*aggregate.ParentAggregate{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ParentListResponse{Parents: aggs, Limit: limit, Offset: offset})
}

// Export handles GET /v1/parents/export. Repeated key query parameters
// select parents; without any every parent is exported.
func (h *ParentHandler) Export(w http.ResponseWriter, r *http.Request) {
	rows, err := tabular.Collect(r.Context(), h.svc, r.URL.Query()["key"])
	if err != nil {
		HandleAPIError(w, r, err, "Failed to export parents")
		return
	}

	var buf bytes.Buffer
	if err := tabular.WriteXLSX(&buf, rows); err != nil {
		HandleAPIError(w, r, err, "Failed to export parents")
		return
	}

	name := fmt.Sprintf("parents-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
