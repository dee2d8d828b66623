// Package api provides HTTP handlers for the chat API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/chatkeeper/internal/session"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 64 << 10

// Handler provides common handler utilities.
type Handler struct {
	sessions *session.Manager
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(sessions *session.Manager) *Handler {
	return &Handler{sessions: sessions}
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

// writeError maps err to a status code. Only the class of the error is
// exposed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errdefs.IsNotFound(err):
		Error(w, http.StatusNotFound, "not found")
	case errdefs.IsInvalidArgument(err):
		Error(w, http.StatusBadRequest, "invalid request")
	case session.IsProviderFailure(err):
		slog.Warn("Completion provider failed", "path", r.URL.Path, "error", err)
		Error(w, http.StatusBadGateway, "assistant unavailable")
	case errors.Is(err, context.Canceled):
		slog.Debug("Request canceled", "path", r.URL.Path)
	default:
		slog.Error("Request failed", "path", r.URL.Path, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty body: %w", errdefs.ErrInvalidArgument)
		}
		return fmt.Errorf("decode body: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return nil
}

func chatIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("chat id %q: %w", chi.URLParam(r, "chatID"), errdefs.ErrInvalidArgument)
	}
	return id, nil
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db      Pinger
	timeout time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db Pinger, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{db: db, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
