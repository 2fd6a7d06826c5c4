package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/plangate/plangate/internal/job"
	"github.com/plangate/plangate/internal/planner"
)

// maxBodyBytes caps a submission body.
const maxBodyBytes = 1 << 20

// healthTimeout bounds the store check behind GET /health.
const healthTimeout = 2 * time.Second

// Planner is the request-side service the handlers call.
type Planner interface {
	Submit(ctx context.Context, requesterID string, answers json.RawMessage) (planner.Submission, error)
	Status(ctx context.Context, id string) (planner.Report, error)
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	planner Planner
	health  job.HealthChecker
	logger  *slog.Logger
}

// NewHandler constructs a Handler. health may be nil.
func NewHandler(p Planner, health job.HealthChecker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{planner: p, health: health, logger: logger.With("component", "api")}
}

// RegisterRoutes registers all API routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/plan", h.SubmitPlan).Methods(http.MethodPost)
	r.HandleFunc("/plan/{planId}", h.GetPlan).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}

type submitRequest struct {
	Answers json.RawMessage `json:"answers"`
	UserID  string          `json:"userId"`
}

// SubmitPlan handles POST /plan and responds 200 with the plan id.
func (h *Handler) SubmitPlan(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body too large or unreadable")
		return
	}
	if job.IsEmptyJSON(body) {
		writeError(w, http.StatusBadRequest, "missing body")
		return
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sub, err := h.planner.Submit(r.Context(), req.UserID, req.Answers)
	if errors.Is(err, planner.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, "answers are required")
		return
	}
	if err != nil {
		h.logger.Error("submit failed", "request_id", RequestIDFrom(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create plan")
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

// GetPlan handles GET /plan/{planId}.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["planId"]

	rep, err := h.planner.Status(r.Context(), id)
	if err != nil {
		h.logger.Error("status failed", "request_id", RequestIDFrom(r.Context()), "plan_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "something went wrong")
		return
	}

	switch rep.State {
	case planner.StateInProgress:
		writeError(w, http.StatusAccepted, "Plan is being generated")
	case planner.StateComplete:
		writeJSON(w, http.StatusOK, rep.Plan)
	case planner.StateFailed:
		writeError(w, http.StatusTooManyRequests, "Plan generation failed, try again")
	case planner.StateNotFound:
		writeError(w, http.StatusNotFound, "Plan not found")
	default:
		writeError(w, http.StatusInternalServerError, "something went wrong")
	}
}

// Health handles GET /health and responds 200, or 503 when the store is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := h.health.Health(ctx); err != nil {
			h.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
