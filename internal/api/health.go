package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/ama-gateway/internal/store"
	"github.com/go-chi/chi/v5"
)

// HealthHandler reports dependency health.
type HealthHandler struct {
	log     store.SessionLog
	timeout time.Duration
}

// NewHealthHandler creates a HealthHandler over the session log.
func NewHealthHandler(log store.SessionLog, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{log: log, timeout: timeout}
}

// Ready returns the health status of the API and its session store.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "store": "ok"}
	status := map[string]any{"status": "healthy", "checks": checks}
	statusCode := http.StatusOK

	if err := h.log.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the readiness route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/ready", h.Ready)
}
