package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"

	"lessonvault/internal/infrastructure"
)

// OTelMiddleware instruments HTTP requests with traces and metrics.
type OTelMiddleware struct {
	tracer  trace.Tracer
	metrics *infrastructure.BusinessMetrics
	logger  *slog.Logger
}

// NewOTelMiddleware creates the instrumentation middleware from the OTel
// providers.
func NewOTelMiddleware(providers *infrastructure.OTelProviders) (*OTelMiddleware, error) {
	metrics, err := infrastructure.CreateBusinessMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("create business metrics: %w", err)
	}

	return &OTelMiddleware{
		tracer:  providers.Tracer,
		metrics: metrics,
		logger:  providers.Logger,
	}, nil
}

// Metrics exposes the business metrics so services share the instruments.
func (m *OTelMiddleware) Metrics() *infrastructure.BusinessMetrics {
	return m.metrics
}

// Handler returns the middleware handler.
func (m *OTelMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		spanName := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		ctx, span := m.tracer.Start(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.HTTPRouteKey.String(r.URL.Path),
				semconv.ServerAddressKey.String(r.Host),
				semconv.UserAgentOriginalKey.String(r.UserAgent()),
				semconv.ClientAddressKey.String(clientIP(r)),
			),
		)
		defer span.End()

		ctx = infrastructure.WithTraceID(ctx, span.SpanContext().TraceID().String())
		r = r.WithContext(ctx)

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		m.metrics.HTTPActiveRequests.Add(ctx, 1)
		defer m.metrics.HTTPActiveRequests.Add(ctx, -1)

		start := time.Now()
		next.ServeHTTP(ww, r)
		duration := time.Since(start)

		attrs := []attribute.KeyValue{
			attribute.String("method", r.Method),
			attribute.String("route", getRoutePattern(r)),
			attribute.Int("status_code", ww.statusCode),
		}
		m.metrics.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
		m.metrics.HTTPRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

		span.SetAttributes(
			semconv.HTTPResponseStatusCodeKey.Int(ww.statusCode),
			semconv.HTTPResponseBodySizeKey.Int64(ww.bytesWritten),
		)
		if ww.statusCode >= 400 {
			span.SetStatus(codes.Error, http.StatusText(ww.statusCode))
		}
	})
}

// responseWriter captures status and size for instrumentation.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// getRoutePattern extracts the chi route pattern, falling back to the raw
// path for unmatched requests.
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WebSocketTrace traces websocket upgrade requests.
func WebSocketTrace(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tracer := otel.Tracer("lessonvault.websocket")
			ctx, span := tracer.Start(r.Context(), "websocket_upgrade",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRouteKey.String("/ws"),
					attribute.String("origin", r.Header.Get("Origin")),
				),
			)
			defer span.End()

			ctx = infrastructure.WithTraceID(ctx, span.SpanContext().TraceID().String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
