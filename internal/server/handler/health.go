package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// checkTimeout bounds each dependency ping.
const checkTimeout = 5 * time.Second

// Pinger verifies connectivity to one backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler pings the backing dependencies (Redis, Postgres) and reports
// per-dependency status. The endpoint returns 503 when any check fails.
type HealthHandler struct {
	checks map[string]Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler over the named dependency checks.
func NewHealthHandler(checks map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logger}
}

// HealthCheck responds with per-dependency status.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))

	for name, p := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := p.Ping(ctx)
		cancel()

		if err != nil {
			h.logger.Warn("dependency check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":       overall,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}
