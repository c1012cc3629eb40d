// Package api exposes the deployment trigger and status-query surface over
// HTTP. This is part of the Imperative Shell - it translates requests into
// core operations and contains no orchestration logic of its own.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/harborline/stevedore/internal/core/domain"
	"github.com/harborline/stevedore/internal/queue"
	"github.com/harborline/stevedore/internal/status"
)

// =============================================================================
// Handler
// =============================================================================

// Config holds the HTTP surface configuration.
type Config struct {
	// AuthToken is the shared secret clients must present. Empty disables
	// authentication.
	AuthToken string
}

// Handler serves the trigger and status endpoints.
type Handler struct {
	queue  queue.Queue
	store  status.Store
	config Config
	logger *slog.Logger
}

// NewHandler creates the HTTP handler over the given queue and status store.
func NewHandler(q queue.Queue, store status.Store, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		queue:  q,
		store:  store,
		config: cfg,
		logger: logger.With("component", "api"),
	}
}

// Router builds the chi router. The health endpoint stays outside the auth
// middleware so probes need no credentials.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireToken(h.config.AuthToken, h.logger))
		r.Post("/deployments", h.handleTrigger)
		r.Get("/deployments/{id}", h.handleStatus)
		r.Get("/queue", h.handleQueueCounts)
	})

	return r
}

// =============================================================================
// Trigger
// =============================================================================

// TriggerResponse acknowledges an accepted deployment trigger.
type TriggerResponse struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
}

func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req domain.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid Request", "Request body must be valid JSON")
		return
	}

	dep, err := domain.ValidateTrigger(req)
	if err != nil {
		if domain.IsValidation(err) {
			h.logger.Warn("trigger rejected", "error", err)
			writeJSONError(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("trigger validation failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}

	payload, err := domain.PayloadFor(dep)
	if err != nil {
		h.logger.Error("failed to encode job payload", "deployment_id", dep.ID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}

	// The pending record is written before the job exists so a status query
	// right after the 202 never misses, and so the pipeline's own first write
	// can only come after it.
	if err := h.store.PutStatus(r.Context(), domain.NewDeploymentStatus(dep)); err != nil {
		h.logger.Warn("failed to persist pending status", "deployment_id", dep.ID, "error", err)
	}

	job, err := h.queue.Enqueue(r.Context(), domain.JobTypeBuildAndDeploy, payload, queue.Options{
		ID:       dep.ID,
		Priority: dep.Priority,
	})
	if err != nil {
		h.logger.Error("failed to enqueue deployment", "deployment_id", dep.ID, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "Queue Unavailable", "Deployment could not be enqueued")
		return
	}

	h.logger.Info("deployment triggered",
		"deployment_id", job.ID,
		"projects", dep.Projects,
		"branch", dep.Branch,
		"priority", dep.Priority,
	)
	writeJSON(w, http.StatusAccepted, TriggerResponse{
		DeploymentID: job.ID,
		Status:       string(job.Status),
	})
}

// =============================================================================
// Status Query
// =============================================================================

// StatusResponse is the status record plus its retained event log.
type StatusResponse struct {
	*domain.DeploymentStatus
	Log []status.LogEntry `json:"log"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := h.store.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "Not Found", "No status for deployment "+id)
			return
		}
		h.logger.Error("failed to load deployment status", "deployment_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}

	log, err := h.store.GetLog(r.Context(), id)
	if err != nil {
		h.logger.Warn("failed to load deployment log", "deployment_id", id, "error", err)
		log = nil
	}
	if log == nil {
		log = []status.LogEntry{}
	}

	writeJSON(w, http.StatusOK, StatusResponse{DeploymentStatus: st, Log: log})
}

// =============================================================================
// Queue Introspection
// =============================================================================

func (h *Handler) handleQueueCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Counts(r.Context())
	if err != nil {
		h.logger.Error("failed to read queue counts", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// =============================================================================
// Health
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
