package api

import (
	"net/http"

	"github.com/phrazzld/mediatext/internal/api/shared"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/service"
	"github.com/phrazzld/mediatext/internal/store"
)

const defaultPageSize = 50

// TaskHandler serves the /v1/tasks routes.
type TaskHandler struct {
	svc SubmissionService
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(svc SubmissionService) *TaskHandler {
	return &TaskHandler{svc: svc}
}

// Submit handles POST /v1/tasks.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	t, err := h.svc.SubmitTask(r.Context(), service.SubmitTaskRequest{
		Locator: req.URL,
		Engine:  req.Engine,
		Options: req.Options.toDomain(),
	})
	if err != nil {
		HandleAPIError(w, r, err, "Failed to submit task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, t)
}

// List handles GET /v1/tasks?status=&engine=&limit=&offset=.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
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

	q := r.URL.Query()
	tasks, err := h.svc.ListTasks(r.Context(), store.TaskFilter{
		Status: domain.TaskStatus(q.Get("status")),
		Engine: domain.Engine(q.Get("engine")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, TaskListResponse{Tasks: tasks, Limit: limit, Offset: offset})
}

// Get handles GET /v1/tasks/{id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	t, err := h.svc.GetTask(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}

// Result handles GET /v1/tasks/{id}/result.
func (h *TaskHandler) Result(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	res, err := h.svc.GetResult(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load result")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, res)
}

// Reset handles POST /v1/tasks/{id}/reset.
func (h *TaskHandler) Reset(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	t, err := h.svc.ResetTask(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to reset task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}
