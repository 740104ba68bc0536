// Package api provides HTTP handlers for the dispatch API.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/wa-dispatch/internal/dispatch"
	"github.com/ashureev/wa-dispatch/internal/domain"
	"github.com/ashureev/wa-dispatch/internal/session"
	"github.com/ashureev/wa-dispatch/internal/store"
)

// Dispatcher runs a batch against a ready session.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*domain.Batch, error)
}

// SessionRemover tears down a session and its transport handle.
type SessionRemover interface {
	Remove(id string) error
}

// Handler provides common handler utilities.
type Handler struct {
	reg  *session.Registry
	repo store.Repository
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(reg *session.Registry, repo store.Repository) *Handler {
	return &Handler{
		reg:  reg,
		repo: repo,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
