package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"realtime-gateway/internal/model"
	"realtime-gateway/internal/recovery"
	"realtime-gateway/internal/seclog"
	"realtime-gateway/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SessionHandler exposes recovery and security-audit operations over HTTP.
type SessionHandler struct {
	engine *recovery.Engine
	events *seclog.Log
	logger *zap.Logger
}

func NewSessionHandler(engine *recovery.Engine, events *seclog.Log, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		engine: engine,
		events: events,
		logger: logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers session and security routes
func (h *SessionHandler) RegisterRoutes(router chi.Router) {
	router.Route("/sessions", func(r chi.Router) {
		r.Get("/{sessionID}/recovery", h.GetRecoveryState)
		r.Post("/{sessionID}/recover", h.ManualRecover)
	})

	router.Route("/security", func(r chi.Router) {
		r.Get("/events", h.QueryEvents)
	})
}

// GetRecoveryState returns the recovery snapshot for a session.
func (h *SessionHandler) GetRecoveryState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	snapshot, ok := h.engine.Snapshot(sessionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, Response{
			Success: false,
			Error:   "session not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, successResponse(snapshot, ""))
}

// ManualRecover triggers an operator-initiated recovery attempt for a
// session, bypassing backoff and the circuit breaker.
func (h *SessionHandler) ManualRecover(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	util.Info("manual recovery requested", zap.String("session_id", sessionID))

	if err := h.engine.ManualRecover(r.Context(), sessionID); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse(err, "manual recovery failed"))
		return
	}

	snapshot, _ := h.engine.Snapshot(sessionID)
	writeJSON(w, http.StatusOK, successResponse(snapshot, "session recovered"))
}

// QueryEvents filters the in-memory security event log. All query
// parameters compose with AND semantics.
func (h *SessionHandler) QueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := seclog.Filter{
		Identity:     q.Get("identity"),
		ConnectionID: q.Get("connection_id"),
		Type:         model.EventType(q.Get("type")),
	}
	if s := q.Get("min_severity"); s != "" {
		filter.MinSeverity = model.ParseSeverity(s)
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(err, "invalid since timestamp"))
			return
		}
		filter.Since = since
	}

	events := h.events.Query(filter)

	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, Response{
				Success: false,
				Error:   "invalid limit",
			})
			return
		}
		if limit < len(events) {
			events = events[len(events)-limit:]
		}
	}

	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    events,
		Message: strconv.Itoa(len(events)) + " events",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Error("failed to encode response", zap.Error(err))
	}
}
