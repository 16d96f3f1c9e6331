package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/queue"
	"github.com/devlikebear/aiapps-sub000/pkg/telemetry"
)

// REST exposes the job queue over HTTP.
type REST struct {
	queue  *queue.Manager
	ready  telemetry.ReadyFunc
	logger *slog.Logger

	heartbeat time.Duration
}

// NewREST creates a new REST handler. ready may be nil.
func NewREST(q *queue.Manager, ready telemetry.ReadyFunc, logger *slog.Logger) *REST {
	return &REST{queue: q, ready: ready, logger: logger, heartbeat: 15 * time.Second}
}

// SubmitJobRequest is the JSON body for POST /api/v1/jobs.
type SubmitJobRequest struct {
	Type       string          `json:"type"`
	Params     json.RawMessage `json:"params"`
	Priority   *int            `json:"priority,omitempty"`
	MaxRetries *int            `json:"maxRetries,omitempty"`
}

// JobListResponse is the GET /api/v1/jobs response body.
type JobListResponse struct {
	Jobs  []*domain.Job `json:"jobs"`
	Count int           `json:"count"`
}

// SubmitJob handles POST /api/v1/jobs.
func (h *REST) SubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "processor.api.submit_job")
	defer span.End()

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "field 'type' is required")
		return
	}

	var opts []queue.AddOption
	if req.Priority != nil {
		opts = append(opts, queue.WithPriority(*req.Priority))
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			writeError(w, http.StatusBadRequest, "field 'maxRetries' must not be negative")
			return
		}
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}

	job, err := h.queue.Submit(ctx, domain.JobType(req.Type), req.Params, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit rejected")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
	)

	writeJSON(w, http.StatusAccepted, job)
}

// ListJobs handles GET /api/v1/jobs?type=&status=.
func (h *REST) ListJobs(w http.ResponseWriter, r *http.Request) {
	var f queue.Filter
	if t := r.URL.Query().Get("type"); t != "" {
		jt, err := domain.ParseJobType(t)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Type = jt
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.Status(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
		f.Status = status
	}

	jobs := h.queue.GetJobs(r.Context(), f)
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: jobs, Count: len(jobs)})
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *REST) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job := h.queue.GetJob(r.Context(), id)
	if job == nil {
		writeNotFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// DeleteJob handles DELETE /api/v1/jobs/{id}.
func (h *REST) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.queue.DeleteJob(r.Context(), id) {
		writeNotFound(w, id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryJob handles POST /api/v1/jobs/{id}/retry. A job that is not eligible
// comes back unchanged with 409.
func (h *REST) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job := h.queue.RetryJob(r.Context(), id)
	switch {
	case job == nil:
		writeNotFound(w, id)
	case job.Status != domain.StatusPending:
		writeJSON(w, http.StatusConflict, job)
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel.
func (h *REST) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job := h.queue.CancelJob(r.Context(), id)
	switch {
	case job == nil:
		writeNotFound(w, id)
	case job.Status != domain.StatusCancelled:
		writeJSON(w, http.StatusConflict, job)
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

// SetPriority handles PUT /api/v1/jobs/{id}/priority.
func (h *REST) SetPriority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Priority *int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Priority == nil {
		writeError(w, http.StatusBadRequest, "field 'priority' is required")
		return
	}

	id := chi.URLParam(r, "id")
	job := h.queue.SetJobPriority(r.Context(), id, *req.Priority)
	if job == nil {
		writeNotFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ClearJobs handles DELETE /api/v1/jobs?status=completed|failed.
func (h *REST) ClearJobs(w http.ResponseWriter, r *http.Request) {
	var removed int
	switch domain.Status(r.URL.Query().Get("status")) {
	case domain.StatusCompleted:
		removed = h.queue.ClearCompleted(r.Context())
	case domain.StatusFailed:
		removed = h.queue.ClearFailed(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "status must be completed or failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// Stats handles GET /api/v1/stats.
func (h *REST) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.GetStats(r.Context()))
}

// Events handles GET /api/v1/events as a server-sent event stream.
// The optional type query narrows the stream to one event type.
func (h *REST) Events(w http.ResponseWriter, r *http.Request) {
	eventType := domain.EventAll
	if t := r.URL.Query().Get("type"); t != "" {
		eventType = domain.EventType(t)
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := make(chan domain.Event, 64)
	bus := h.queue.Bus()
	sub := bus.Subscribe(eventType, func(ev domain.Event) {
		select {
		case ch <- ev:
		default:
			telemetry.EventsDroppedTotal.Inc()
		}
	})
	defer bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("event stream not flushable", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to encode event", slog.String("job_id", ev.JobID), slog.String("error", err.Error()))
				continue
			}
			if _, err := w.Write([]byte("event: " + string(ev.Type) + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.ready(ctx); err != nil {
			h.logger.Warn("readiness check failed", slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "store not ready")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeNotFound(w http.ResponseWriter, id string) {
	writeError(w, http.StatusNotFound, (&domain.JobNotFoundError{JobID: id}).Error())
}
