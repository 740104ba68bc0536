package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/wa-dispatch/internal/session"
	"github.com/go-chi/chi/v5"
)

const defaultBatchListLimit = 20

// SessionHandler exposes session and batch inspection for operators.
type SessionHandler struct {
	*Handler
	sessions SessionRemover
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler, sessions SessionRemover) *SessionHandler {
	return &SessionHandler{Handler: base, sessions: sessions}
}

// RegisterRoutes registers session and batch routes behind guard.
func (h *SessionHandler) RegisterRoutes(r chi.Router, guard func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(guard)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Delete("/{id}", h.DeleteSession)
			r.Get("/{id}/batches", h.ListBatches)
		})
		r.Get("/batches/{id}", h.GetBatch)
	})
}

// ListSessions returns every registered session ordered by ID.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": h.reg.List(),
	})
}

// DeleteSession removes a session and releases its transport handle.
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.sessions.Remove(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("Failed to remove session", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, msgInternal)
		return
	}

	slog.Info("Session removed by operator", "session_id", id)
	JSON(w, http.StatusOK, map[string]string{"status": "removed", "id": id})
}

// ListBatches returns recent batches for a session, newest first.
func (h *SessionHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := defaultBatchListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	batches, err := h.repo.ListBatches(r.Context(), id, limit)
	if err != nil {
		slog.Error("Failed to list batches", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, msgInternal)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"batches": batches})
}

// GetBatch returns one batch with its per-recipient outcomes.
func (h *SessionHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	batch, err := h.repo.GetBatch(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load batch", "error", err, "batch_id", id)
		Error(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if batch == nil {
		Error(w, http.StatusNotFound, "batch not found")
		return
	}
	JSON(w, http.StatusOK, batch)
}
