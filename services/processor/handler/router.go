package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/devlikebear/aiapps-sub000/services/processor/middleware"
)

const maxBodyBytes = 1 << 20

// NewRouter mounts the REST handlers on a chi router.
func NewRouter(h *REST, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(maxBodyBytes))

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/events", h.Events)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.SubmitJob)
			r.Get("/", h.ListJobs)
			r.Delete("/", h.ClearJobs)

			r.Get("/{id}", h.GetJob)
			r.Delete("/{id}", h.DeleteJob)
			r.Post("/{id}/retry", h.RetryJob)
			r.Post("/{id}/cancel", h.CancelJob)
			r.Put("/{id}/priority", h.SetPriority)
		})
	})
	return r
}
