package errors

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Common error types following RFC 7807
const (
	TypeValidation  = "/errors/validation"
	TypeNotFound    = "/errors/not-found"
	TypeUnauthorized = "/errors/unauthorized"
	TypeForbidden   = "/errors/forbidden"
	TypeRateLimit   = "/errors/rate-limit"
	TypeInternal    = "/errors/internal"
	TypeServiceDown = "/errors/service-unavailable"
	TypeTimeout     = "/errors/timeout"
	TypeConflict    = "/errors/conflict"
)

// Domain-specific error types
const (
	TypeNotEntitled  = "/errors/playback/not-entitled"
	TypeDeviceLimit  = "/errors/playback/device-limit"
	TypeGrantGone    = "/errors/playback/grant-gone"
	TypeInvalidGrant = "/errors/playback/invalid-grant"
	TypeFingerprint  = "/errors/playback/fingerprint-required"
)

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	reqID := middleware.GetReqID(r.Context())

	h.logger.ErrorContext(r.Context(), "request failed",
		slog.String("error", err.Error()),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)

	problem := h.ErrorToProblem(err, r)
	problem.WithExtension("trace_id", reqID)

	if h.includeStack {
		problem.WithExtension("stack", string(debug.Stack()))
	}

	render.Render(w, r, problem)
}

// ErrorToProblem converts an error to RFC 7807 Problem Details
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	// Context errors first
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled",
			r.URL.Path,
		)
	}

	// Custom API errors
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return h.apiErrorToProblem(apiErr, r)
	}

	// Playback-domain sentinels
	switch {
	case errors.Is(err, ErrLessonNotFound), errors.Is(err, ErrSessionNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			TypeNotFound,
			"Resource Not Found",
			err.Error(),
			r.URL.Path,
		)

	case errors.Is(err, ErrNotEntitled), errors.Is(err, ErrAssetNotReady):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeNotEntitled,
			"Not Entitled",
			err.Error(),
			r.URL.Path,
		)

	case errors.Is(err, ErrDeviceLimitExceeded):
		return NewProblemDetails(
			http.StatusConflict,
			TypeDeviceLimit,
			"Device Limit Exceeded",
			"Maximum number of devices with active playback sessions reached. Sign out another device to continue.",
			r.URL.Path,
		)

	case errors.Is(err, ErrGrantExpired), errors.Is(err, ErrGrantRevoked):
		return NewProblemDetails(
			http.StatusGone,
			TypeGrantGone,
			"Grant No Longer Valid",
			err.Error(),
			r.URL.Path,
		)

	case errors.Is(err, ErrInvalidGrantToken):
		return NewProblemDetails(
			http.StatusUnauthorized,
			TypeInvalidGrant,
			"Invalid Grant Token",
			"The playback grant token is malformed or its signature is invalid.",
			r.URL.Path,
		)

	case errors.Is(err, ErrFingerprintRequired):
		return NewProblemDetails(
			http.StatusBadRequest,
			TypeFingerprint,
			"Device Fingerprint Required",
			"A device fingerprint must accompany playback requests.",
			r.URL.Path,
		)

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request",
			r.URL.Path,
		)
	}
}

// apiErrorToProblem converts APIError to ProblemDetails
func (h *ErrorHandler) apiErrorToProblem(apiErr *APIError, r *http.Request) *ProblemDetails {
	problemType := TypeInternal
	switch apiErr.ErrorCode {
	case "VALIDATION_FAILED", "INVALID_REQUEST", "MISSING_PARAMETER":
		problemType = TypeValidation
	case "NOT_FOUND":
		problemType = TypeNotFound
	case "UNAUTHORIZED":
		problemType = TypeUnauthorized
	case "FORBIDDEN":
		problemType = TypeForbidden
	case "CONFLICT":
		problemType = TypeConflict
	case "RATE_LIMIT_EXCEEDED":
		problemType = TypeRateLimit
	case "SERVICE_UNAVAILABLE":
		problemType = TypeServiceDown
	}

	problem := NewProblemDetails(
		apiErr.StatusCode,
		problemType,
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		r.URL.Path,
	).WithExtension("error_code", apiErr.ErrorCode)

	if apiErr.Details != nil {
		problem.WithExtension("details", apiErr.Details)
	}

	return problem
}

// HandlePanic recovers from panics and returns RFC 7807 error
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	reqID := middleware.GetReqID(r.Context())

	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred while processing your request",
		r.URL.Path,
	).WithExtension("trace_id", reqID)

	render.Render(w, r, problem)
}
