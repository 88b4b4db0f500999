package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apiMiddleware "github.com/phrazzld/mediatext/internal/api/middleware"
	"github.com/phrazzld/mediatext/internal/service/auth"
)

// RouterDeps are the collaborators the HTTP surface needs.
type RouterDeps struct {
	Service SubmissionService
	JWT     auth.JWTService
	Engines EngineChecker
	Logger  *slog.Logger
	// RequestTimeout bounds JSON handlers; imports and exports are exempt.
	RequestTimeout time.Duration
}

// NewRouter builds the HTTP handler: /health is public, everything under
// /v1 requires an operator token.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(apiMiddleware.NewTraceMiddleware(deps.Logger))
	r.Use(middleware.Recoverer)

	tasks := NewTaskHandler(deps.Service)
	parents := NewParentHandler(deps.Service)
	imports := NewImportHandler(deps.Service)
	health := NewHealthHandler(deps.Engines)
	authMiddleware := apiMiddleware.NewAuthMiddleware(deps.JWT)

	r.Get("/health", health.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Group(func(r chi.Router) {
			if deps.RequestTimeout > 0 {
				r.Use(middleware.Timeout(deps.RequestTimeout))
			}
			r.Post("/tasks", tasks.Submit)
			r.Get("/tasks", tasks.List)
			r.Get("/tasks/{id}", tasks.Get)
			r.Get("/tasks/{id}/result", tasks.Result)
			r.Post("/tasks/{id}/reset", tasks.Reset)

			r.Post("/parents", parents.Submit)
			r.Get("/parents", parents.List)
			r.Get("/parents/{key}", parents.Get)
		})

		r.Get("/parents/export", parents.Export)
		r.Post("/imports", imports.Import)
	})

	return r
}
