// Package api exposes the coordination service over HTTP: event ingest,
// case inspection, cancellation, conflict and metrics views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/quillworks/peerflow/internal/automation"
	"github.com/quillworks/peerflow/internal/conflict"
	"github.com/quillworks/peerflow/internal/coordination"
	"github.com/quillworks/peerflow/internal/store"
	"go.uber.org/zap"
)

// EventLogger records processed events for audit. Optional.
type EventLogger interface {
	LogEvent(ctx context.Context, ev coordination.Event, processErr error) error
}

// Handler holds dependencies for HTTP handlers. The store is optional;
// endpoints degrade to in-memory state when it is absent.
type Handler struct {
	manager    *coordination.Manager
	automation *automation.Engine
	db         *store.Store
	events     EventLogger
	logger     *zap.Logger
	startedAt  time.Time
}

// NewHandler creates a new API handler. db and events may be nil.
func NewHandler(
	manager *coordination.Manager,
	auto *automation.Engine,
	db *store.Store,
	events EventLogger,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		manager:    manager,
		automation: auto,
		db:         db,
		events:     events,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/events", h.ingestEvent)
		r.Get("/cases", h.listCases)
		r.Get("/cases/{id}", h.getCase)
		r.Get("/cases/{id}/events", h.caseEvents)
		r.Post("/cases/{id}/cancel", h.cancelCase)
		r.Get("/conflicts", h.listConflicts)
		r.Get("/metrics", h.metrics)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"persistence":    h.db != nil,
	})
}

// ingestEvent accepts one coordination event and applies it
// synchronously. Duplicates are accepted and absorbed; out-of-order
// events come back as 409 with the rejection reason.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var ev coordination.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if ev.ManuscriptID == "" || ev.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "manuscript_id and event_type are required",
		})
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	err := h.manager.Process(r.Context(), ev)
	h.logEvent(r, ev, err)

	switch {
	case err == nil:
		snap, _ := h.manager.Snapshot(ev.ManuscriptID)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"manuscript_id": ev.ManuscriptID,
			"current_stage": snap.Stage,
		})
	case errors.Is(err, coordination.ErrUnknownCase):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		var ite *coordination.InvalidTransitionError
		if errors.As(err, &ite) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
}

func (h *Handler) logEvent(r *http.Request, ev coordination.Event, processErr error) {
	if h.events == nil {
		return
	}
	if err := h.events.LogEvent(r.Context(), ev, processErr); err != nil {
		h.logger.Warn("event audit write failed",
			zap.String("manuscript", ev.ManuscriptID),
			zap.Error(err))
	}
}

func (h *Handler) listCases(w http.ResponseWriter, r *http.Request) {
	var cases []*coordination.Case
	if r.URL.Query().Get("include") == "all" {
		cases = h.manager.All()
	} else {
		cases = h.manager.Active()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(cases),
		"cases": cases,
	})
}

func (h *Handler) getCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if snap, ok := h.manager.Snapshot(id); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	// Fall back to persisted state for cases from before a restart.
	if h.db != nil {
		c, err := h.db.GetCase(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if c != nil {
			writeJSON(w, http.StatusOK, c)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "case not found"})
}

func (h *Handler) caseEvents(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{
			"error": "event history requires persistence",
		})
		return
	}
	id := chi.URLParam(r, "id")
	records, err := h.db.EventsFor(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"manuscript_id": id,
		"count":         len(records),
		"events":        records,
	})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// cancelCase is the editorial override: it injects a withdrawal event,
// which cancels from any non-terminal stage.
func (h *Handler) cancelCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	ev := coordination.Event{
		Type:         coordination.EventWithdrawal,
		ManuscriptID: id,
		Payload:      map[string]string{"reason": req.Reason},
		Timestamp:    time.Now(),
	}
	err := h.manager.Process(r.Context(), ev)
	h.logEvent(r, ev, err)

	switch {
	case err == nil:
		snap, _ := h.manager.Snapshot(id)
		writeJSON(w, http.StatusOK, snap)
	case errors.Is(err, coordination.ErrUnknownCase):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	}
}

func (h *Handler) listConflicts(w http.ResponseWriter, r *http.Request) {
	var conflicts []*conflict.Case
	if h.automation != nil {
		conflicts = h.automation.RecentConflicts()
	}
	if len(conflicts) == 0 && h.db != nil {
		persisted, err := h.db.RecentConflicts(r.Context(), 50)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		conflicts = persisted
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(conflicts),
		"conflicts": conflicts,
	})
}

func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"counters":     h.manager.Counts(),
		"active_cases": len(h.manager.Active()),
	}
	if h.db != nil {
		agg, err := h.db.AggregateMetrics(r.Context())
		if err != nil {
			h.logger.Warn("metrics aggregation failed", zap.Error(err))
		} else {
			out["aggregates"] = agg
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
