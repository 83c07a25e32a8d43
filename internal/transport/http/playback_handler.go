package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "lessonvault/internal/errors"
	"lessonvault/internal/infrastructure"
	"lessonvault/internal/middleware"
	"lessonvault/internal/registry"
	"lessonvault/internal/services"
)

// PlaybackHandler handles playback grant issuance.
type PlaybackHandler struct {
	service      services.PlaybackService
	logger       *slog.Logger
	errorHandler *apierrors.ErrorHandler
}

// NewPlaybackHandler creates a new playback handler.
func NewPlaybackHandler(service services.PlaybackService, logger *slog.Logger, errorHandler *apierrors.ErrorHandler) *PlaybackHandler {
	return &PlaybackHandler{
		service:      service,
		logger:       logger.With(slog.String("handler", "playback")),
		errorHandler: errorHandler,
	}
}

// GrantRequest is the optional JSON body of a grant request. Clients that
// cannot set custom headers send the fingerprint here instead.
type GrantRequest struct {
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
}

// Bind implements the render.Binder interface. An empty body is valid; the
// fingerprint usually arrives in the X-Device-Fingerprint header.
func (g *GrantRequest) Bind(r *http.Request) error {
	return nil
}

// Routes returns a chi router for playback endpoints.
func (h *PlaybackHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Post("/lessons/{lessonID}/playback-grant", h.IssueGrant)

	return r
}

// IssueGrant handles POST /api/student/lessons/{lessonID}/playback-grant.
func (h *PlaybackHandler) IssueGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetRequestID(ctx)
	tracer := otel.Tracer("playback-handler")
	start := time.Now()

	lessonID := chi.URLParam(r, "lessonID")
	learnerID := middleware.LearnerID(ctx)

	ctx, span := tracer.Start(ctx, "playback_handler.issue_grant",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/student/lessons/{lessonID}/playback-grant"),
			attribute.String("request_id", reqID),
			attribute.String("lesson.id", lessonID),
			attribute.String("component", "playback_handler"),
		),
	)
	defer span.End()

	if learnerID == "" {
		h.errorHandler.HandleError(w, r.WithContext(ctx), apierrors.New(
			http.StatusUnauthorized, "UNAUTHORIZED", "No authenticated learner on request"))
		return
	}
	if lessonID == "" {
		h.errorHandler.HandleError(w, r.WithContext(ctx), apierrors.ErrValidation("lessonID", "Lesson ID is required"))
		return
	}

	fingerprint := middleware.Fingerprint(ctx)
	if fingerprint == "" && r.ContentLength != 0 {
		var req GrantRequest
		if err := render.Bind(r, &req); err != nil {
			h.errorHandler.HandleError(w, r.WithContext(ctx), apierrors.InvalidRequestWithError(err))
			return
		}
		fingerprint = req.DeviceFingerprint
	}

	h.logger.InfoContext(ctx, "playback grant request started",
		slog.String("request_id", reqID),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
		slog.String("learner_id", learnerID),
		slog.String("lesson_id", lessonID),
		slog.Bool("has_fingerprint", fingerprint != ""),
	)

	issued, err := h.service.IssueGrant(ctx, learnerID, lessonID, fingerprint)
	latency := time.Since(start)

	span.SetAttributes(
		attribute.Int64("request.latency_ms", latency.Milliseconds()),
		attribute.Bool("request.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)

		h.logger.WarnContext(ctx, "playback grant request denied",
			slog.String("request_id", reqID),
			slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
			slog.String("learner_id", learnerID),
			slog.String("lesson_id", lessonID),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()),
		)

		// Ceiling rejections carry enough context for the client to offer
		// a "manage devices" prompt, so they get the enriched problem.
		var capErr *registry.CapacityError
		if errors.As(err, &capErr) {
			details := &apierrors.DeviceLimitDetails{
				DeviceLimit:   capErr.Limit,
				ActiveDevices: capErr.ActiveDevices,
			}
			if !capErr.OldestIssuedAt.IsZero() {
				oldest := capErr.OldestIssuedAt
				details.OldestIssuedAt = &oldest
			}
			problem := apierrors.NewDeviceLimitError(details,
				r.URL.Path+"#"+reqID, infrastructure.TraceIDFromContext(ctx))
			render.Render(w, r.WithContext(ctx), problem)
			return
		}

		h.errorHandler.HandleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(
		attribute.String("grant.course_id", issued.CourseID),
		attribute.String("grant.expires_at", issued.ExpiresAt.Format(time.RFC3339)),
	)

	h.logger.InfoContext(ctx, "playback grant issued",
		slog.String("request_id", reqID),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
		slog.String("learner_id", learnerID),
		slog.String("lesson_id", lessonID),
		slog.Duration("latency", latency),
		slog.Time("expires_at", issued.ExpiresAt),
	)

	render.JSON(w, r, issued)
}
