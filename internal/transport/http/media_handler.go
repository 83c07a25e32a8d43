package http

import (
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "lessonvault/internal/errors"
	"lessonvault/internal/infrastructure"
	"lessonvault/internal/middleware"
	"lessonvault/internal/services"
)

// MediaHandler serves manifest fetches gated by a playback grant. Every
// request re-checks the locator signature, the grant token, the device
// binding, and the session's liveness before any bytes leave the server.
type MediaHandler struct {
	service      services.PlaybackService
	mediaDir     string
	logger       *slog.Logger
	errorHandler *apierrors.ErrorHandler
}

// NewMediaHandler creates a new media handler. mediaDir is the local root
// the manifest keys resolve under.
func NewMediaHandler(service services.PlaybackService, mediaDir string, logger *slog.Logger, errorHandler *apierrors.ErrorHandler) *MediaHandler {
	return &MediaHandler{
		service:      service,
		mediaDir:     mediaDir,
		logger:       logger.With(slog.String("handler", "media")),
		errorHandler: errorHandler,
	}
}

// Routes returns a chi router for media endpoints.
func (h *MediaHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.Timeout(15 * time.Second))

	r.Get("/manifest", h.GetManifest)

	return r
}

// GetManifest handles GET /api/media/manifest.
func (h *MediaHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetRequestID(ctx)
	tracer := otel.Tracer("media-handler")
	start := time.Now()

	ctx, span := tracer.Start(ctx, "media_handler.get_manifest",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/media/manifest"),
			attribute.String("request_id", reqID),
			attribute.String("component", "media_handler"),
		),
	)
	defer span.End()

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		h.errorHandler.HandleError(w, r.WithContext(ctx), apierrors.ErrInvalidGrantToken)
		return
	}

	fingerprint := middleware.Fingerprint(ctx)

	manifestKey, err := h.service.AuthorizeManifest(ctx, token, fingerprint, r.URL.Query())
	latency := time.Since(start)

	span.SetAttributes(
		attribute.Int64("request.latency_ms", latency.Milliseconds()),
		attribute.Bool("request.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "manifest request denied",
			slog.String("request_id", reqID),
			slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()),
		)
		h.errorHandler.HandleError(w, r.WithContext(ctx), err)
		return
	}

	localPath, ok := h.resolveManifestPath(manifestKey)
	if !ok {
		h.logger.ErrorContext(ctx, "manifest key escapes media root",
			slog.String("request_id", reqID),
			slog.String("manifest_key", manifestKey),
		)
		h.errorHandler.HandleError(w, r.WithContext(ctx), apierrors.NotFoundError("manifest"))
		return
	}

	span.SetAttributes(attribute.String("manifest.key", manifestKey))

	h.logger.InfoContext(ctx, "manifest served",
		slog.String("request_id", reqID),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
		slog.String("manifest_key", manifestKey),
		slog.Duration("latency", latency),
	)

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r.WithContext(ctx), localPath)
}

// resolveManifestPath maps a manifest key onto the media root, rejecting
// keys that would traverse outside it.
func (h *MediaHandler) resolveManifestPath(key string) (string, bool) {
	if strings.Contains(key, "..") {
		return "", false
	}
	cleaned := path.Clean("/" + key)
	if cleaned == "/" {
		return "", false
	}
	return filepath.Join(h.mediaDir, filepath.FromSlash(cleaned)), true
}

func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
