package http

import (
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
	"lessonvault/internal/services"
)

// DevicesHandler exposes the learner's registered playback devices.
type DevicesHandler struct {
	service      services.DevicesService
	logger       *slog.Logger
	errorHandler *apierrors.ErrorHandler
}

// NewDevicesHandler creates a new devices handler.
func NewDevicesHandler(service services.DevicesService, logger *slog.Logger, errorHandler *apierrors.ErrorHandler) *DevicesHandler {
	return &DevicesHandler{
		service:      service,
		logger:       logger.With(slog.String("handler", "devices")),
		errorHandler: errorHandler,
	}
}

// DeviceListResponse wraps the learner's live device sessions.
type DeviceListResponse struct {
	Devices []services.DeviceView `json:"devices"`
	Count   int                   `json:"count"`
}

// RevokeAllResponse reports how many sessions a bulk sign-out removed.
type RevokeAllResponse struct {
	Revoked int `json:"revoked"`
}

// Routes returns a chi router for device management endpoints.
func (h *DevicesHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.Timeout(15 * time.Second))

	r.Get("/", h.List)
	r.Delete("/", h.RevokeAll)
	r.Delete("/{fingerprint}", h.Revoke)

	return r
}

// List handles GET /api/student/devices.
func (h *DevicesHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetRequestID(ctx)
	tracer := otel.Tracer("devices-handler")

	learnerID := middleware.LearnerID(ctx)

	ctx, span := tracer.Start(ctx, "devices_handler.list",
		trace.WithAttributes(
			attribute.String("http.route", "/api/student/devices"),
			attribute.String("request_id", reqID),
			attribute.String("component", "devices_handler"),
		),
	)
	defer span.End()

	if learnerID == "" {
		h.errorHandler.HandleError(w, r.WithContext(ctx), apierrors.New(
			http.StatusUnauthorized, "UNAUTHORIZED", "No authenticated learner on request"))
		return
	}

	devices, err := h.service.ListDevices(ctx, learnerID)
	if err != nil {
		span.RecordError(err)
		h.errorHandler.HandleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(attribute.Int("devices.count", len(devices)))

	h.logger.InfoContext(ctx, "device list served",
		slog.String("request_id", reqID),
		slog.String("learner_id", learnerID),
		slog.Int("count", len(devices)),
	)

	if devices == nil {
		devices = []services.DeviceView{}
	}
	render.JSON(w, r, DeviceListResponse{Devices: devices, Count: len(devices)})
}

// Revoke handles DELETE /api/student/devices/{fingerprint}.
func (h *DevicesHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetRequestID(ctx)
	tracer := otel.Tracer("devices-handler")

	learnerID := middleware.LearnerID(ctx)
	fingerprint := chi.URLParam(r, "fingerprint")

	ctx, span := tracer.Start(ctx, "devices_handler.revoke",
		trace.WithAttributes(
			attribute.String("http.route", "/api/student/devices/{fingerprint}"),
			attribute.String("request_id", reqID),
			attribute.String("component", "devices_handler"),
		),
	)
	defer span.End()

	if learnerID == "" {
		h.errorHandler.HandleError(w, r.WithContext(ctx), apierrors.New(
			http.StatusUnauthorized, "UNAUTHORIZED", "No authenticated learner on request"))
		return
	}
	if fingerprint == "" {
		h.errorHandler.HandleError(w, r.WithContext(ctx), apierrors.ErrValidation("fingerprint", "Device fingerprint is required"))
		return
	}

	if err := h.service.RevokeDevice(ctx, learnerID, fingerprint); err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "device revocation failed",
			slog.String("request_id", reqID),
			slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
			slog.String("learner_id", learnerID),
			slog.String("error", err.Error()),
		)
		h.errorHandler.HandleError(w, r.WithContext(ctx), err)
		return
	}

	h.logger.InfoContext(ctx, "device session revoked",
		slog.String("request_id", reqID),
		slog.String("learner_id", learnerID),
	)

	w.WriteHeader(http.StatusNoContent)
}

// RevokeAll handles DELETE /api/student/devices.
func (h *DevicesHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetRequestID(ctx)
	tracer := otel.Tracer("devices-handler")

	learnerID := middleware.LearnerID(ctx)

	ctx, span := tracer.Start(ctx, "devices_handler.revoke_all",
		trace.WithAttributes(
			attribute.String("http.route", "/api/student/devices"),
			attribute.String("request_id", reqID),
			attribute.String("component", "devices_handler"),
		),
	)
	defer span.End()

	if learnerID == "" {
		h.errorHandler.HandleError(w, r.WithContext(ctx), apierrors.New(
			http.StatusUnauthorized, "UNAUTHORIZED", "No authenticated learner on request"))
		return
	}

	revoked, err := h.service.RevokeAllDevices(ctx, learnerID)
	if err != nil {
		span.RecordError(err)
		h.errorHandler.HandleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(attribute.Int("devices.revoked", revoked))

	h.logger.InfoContext(ctx, "all device sessions revoked",
		slog.String("request_id", reqID),
		slog.String("learner_id", learnerID),
		slog.Int("revoked", revoked),
	)

	render.JSON(w, r, RevokeAllResponse{Revoked: revoked})
}
