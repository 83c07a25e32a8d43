package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"lessonvault/internal/middleware"
)

// Pinger reports whether a backing dependency is reachable. The Redis
// registry client satisfies it; the in-memory registry passes nil.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	version   string
	startedAt time.Time
	registry  Pinger
	logger    *slog.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string, registryPinger Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startedAt: time.Now(),
		registry:  registryPinger,
		logger:    logger.With(slog.String("handler", "health")),
	}
}

// HealthResponse is the probe payload.
type HealthResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
	Registry      string    `json:"registry,omitempty"`
}

// Routes returns a chi router for health endpoints.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.Live)
	r.Get("/ready", h.Ready)

	return r
}

// Live handles GET /api/health.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Timestamp:     time.Now().UTC(),
	})
}

// Ready handles GET /api/health/ready. It fails when the session registry
// backend is unreachable, since grant issuance cannot proceed without it.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := HealthResponse{
		Status:        "ready",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Timestamp:     time.Now().UTC(),
		Registry:      "memory",
	}

	if h.registry != nil {
		resp.Registry = "redis"
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := h.registry.Ping(pingCtx); err != nil {
			h.logger.ErrorContext(ctx, "registry unreachable",
				slog.String("request_id", middleware.GetRequestID(ctx)),
				slog.String("error", err.Error()),
			)
			resp.Status = "degraded"
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, resp)
			return
		}
	}

	render.JSON(w, r, resp)
}
