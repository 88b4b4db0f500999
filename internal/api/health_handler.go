package api

import (
	"context"
	"net/http"

	"github.com/phrazzld/mediatext/internal/api/shared"
	"github.com/phrazzld/mediatext/internal/domain"
)

// EngineChecker reports which registered engines are usable;
// *engine.Registry implements it.
type EngineChecker interface {
	Engines() []domain.Engine
	Availability(ctx context.Context) map[domain.Engine]bool
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	engines EngineChecker
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(engines EngineChecker) *HealthHandler {
	return &HealthHandler{engines: engines}
}

// Health reports "ok" when every registered engine is available and
// "degraded" otherwise. The process is serving either way, so the status
// code is always 200.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	availability := h.engines.Availability(r.Context())
	resp := HealthResponse{Status: "ok", Engines: []EngineHealth{}}
	for _, e := range h.engines.Engines() {
		ok := availability[e]
		if !ok {
			resp.Status = "degraded"
		}
		resp.Engines = append(resp.Engines, EngineHealth{Engine: e, Available: ok})
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}
