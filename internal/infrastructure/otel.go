package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServiceName    = "lessonvault-playback"
	ServiceVersion = "v1.0.0"
	MeterName      = "lessonvault"
)

// OTelConfig holds OpenTelemetry configuration
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TraceExporter  string // "stdout", "none"
	MetricExporter string // "prometheus", "none"
	EnableMetrics  bool
	EnableTracing  bool
	SampleRatio    float64
}

// OTelProviders holds the OpenTelemetry providers
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// DefaultOTelConfig returns a default OpenTelemetry configuration
func DefaultOTelConfig() *OTelConfig {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	return &OTelConfig{
		ServiceName:    ServiceName,
		ServiceVersion: ServiceVersion,
		Environment:    env,
		TraceExporter:  "stdout",
		MetricExporter: "prometheus",
		EnableMetrics:  true,
		EnableTracing:  true,
		SampleRatio:    1.0,
	}
}

// InitializeOTel initializes OpenTelemetry tracing and metrics
func InitializeOTel(cfg *OTelConfig, logger *slog.Logger) (*OTelProviders, error) {
	if cfg == nil {
		cfg = DefaultOTelConfig()
	}

	ctx := context.Background()

	logger.InfoContext(ctx, "Initializing OpenTelemetry",
		slog.String("service", cfg.ServiceName),
		slog.String("version", cfg.ServiceVersion),
		slog.String("environment", cfg.Environment),
		slog.Bool("tracing_enabled", cfg.EnableTracing),
		slog.Bool("metrics_enabled", cfg.EnableMetrics))

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("service.instance.id", generateInstanceID()),
	)

	providers := &OTelProviders{
		Logger: logger,
	}

	if cfg.EnableTracing {
		if err := initializeTracing(ctx, cfg, res, providers); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if cfg.EnableMetrics {
		if err := initializeMetrics(ctx, cfg, res, providers); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return providers, nil
}

// initializeTracing sets up OpenTelemetry tracing
func initializeTracing(ctx context.Context, cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case "stdout":
		exporter, err = stdouttrace.New(
			stdouttrace.WithPrettyPrint(),
		)
	case "none":
		return nil
	default:
		return fmt.Errorf("unsupported trace exporter: %s", cfg.TraceExporter)
	}

	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)

	providers.TracerProvider = tp
	providers.Tracer = tp.Tracer(MeterName, trace.WithInstrumentationVersion(cfg.ServiceVersion))

	otel.SetTracerProvider(tp)

	providers.Logger.InfoContext(ctx, "Tracing initialized",
		slog.String("exporter", cfg.TraceExporter),
		slog.Float64("sample_ratio", cfg.SampleRatio))

	return nil
}

// initializeMetrics sets up OpenTelemetry metrics
func initializeMetrics(ctx context.Context, cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	switch cfg.MetricExporter {
	case "prometheus":
		// Dedicated registry so repeated initialization (tests, restarts)
		// never collides with the global default registerer.
		registry := promclient.NewRegistry()
		exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		providers.PrometheusHTTP = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)

		providers.MeterProvider = mp
		providers.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(cfg.ServiceVersion))

		otel.SetMeterProvider(mp)

	case "none":
		return nil
	default:
		return fmt.Errorf("unsupported metric exporter: %s", cfg.MetricExporter)
	}

	providers.Logger.InfoContext(ctx, "Metrics initialized",
		slog.String("exporter", cfg.MetricExporter))

	return nil
}

// BusinessMetrics holds all application-specific metrics
type BusinessMetrics struct {
	// HTTP metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	HTTPActiveRequests  metric.Int64UpDownCounter

	// Grant issuance metrics
	GrantIssuedTotal       metric.Int64Counter
	GrantDeniedTotal       metric.Int64Counter
	GrantIssuanceDuration  metric.Float64Histogram
	DeviceLimitRejections  metric.Int64Counter
	SessionRegistrations   metric.Int64Counter
	SessionRefreshes       metric.Int64Counter
	SessionRevocations     metric.Int64Counter
	SessionSweepRemovals   metric.Int64Counter
	ManifestAccessDenied   metric.Int64Counter
}

// CreateBusinessMetrics creates application-specific metrics
func CreateBusinessMetrics(meter metric.Meter) (*BusinessMetrics, error) {
	httpRequestsTotal, err := meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	httpRequestDuration, err := meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, err
	}

	httpActiveRequests, err := meter.Int64UpDownCounter(
		"http_active_requests",
		metric.WithDescription("Number of in-flight HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	grantIssuedTotal, err := meter.Int64Counter(
		"playback_grants_issued_total",
		metric.WithDescription("Total number of playback grants issued"),
	)
	if err != nil {
		return nil, err
	}

	grantDeniedTotal, err := meter.Int64Counter(
		"playback_grants_denied_total",
		metric.WithDescription("Total number of playback grant requests denied"),
	)
	if err != nil {
		return nil, err
	}

	grantIssuanceDuration, err := meter.Float64Histogram(
		"playback_grant_issuance_duration_seconds",
		metric.WithDescription("Grant issuance duration in seconds"),
	)
	if err != nil {
		return nil, err
	}

	deviceLimitRejections, err := meter.Int64Counter(
		"device_limit_rejections_total",
		metric.WithDescription("Grant requests rejected by the device ceiling"),
	)
	if err != nil {
		return nil, err
	}

	sessionRegistrations, err := meter.Int64Counter(
		"device_sessions_registered_total",
		metric.WithDescription("New device sessions registered"),
	)
	if err != nil {
		return nil, err
	}

	sessionRefreshes, err := meter.Int64Counter(
		"device_sessions_refreshed_total",
		metric.WithDescription("Existing device sessions refreshed in place"),
	)
	if err != nil {
		return nil, err
	}

	sessionRevocations, err := meter.Int64Counter(
		"device_sessions_revoked_total",
		metric.WithDescription("Device sessions revoked explicitly"),
	)
	if err != nil {
		return nil, err
	}

	sessionSweepRemovals, err := meter.Int64Counter(
		"device_sessions_swept_total",
		metric.WithDescription("Expired device sessions removed by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	manifestAccessDenied, err := meter.Int64Counter(
		"manifest_access_denied_total",
		metric.WithDescription("Manifest requests rejected for expired or revoked grants"),
	)
	if err != nil {
		return nil, err
	}

	return &BusinessMetrics{
		HTTPRequestsTotal:     httpRequestsTotal,
		HTTPRequestDuration:   httpRequestDuration,
		HTTPActiveRequests:    httpActiveRequests,
		GrantIssuedTotal:      grantIssuedTotal,
		GrantDeniedTotal:      grantDeniedTotal,
		GrantIssuanceDuration: grantIssuanceDuration,
		DeviceLimitRejections: deviceLimitRejections,
		SessionRegistrations:  sessionRegistrations,
		SessionRefreshes:      sessionRefreshes,
		SessionRevocations:    sessionRevocations,
		SessionSweepRemovals:  sessionSweepRemovals,
		ManifestAccessDenied:  manifestAccessDenied,
	}, nil
}

// Shutdown gracefully shuts down OpenTelemetry providers
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error

	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("opentelemetry shutdown errors: %v", errs)
	}

	p.Logger.InfoContext(ctx, "OpenTelemetry shutdown complete")
	return nil
}

// generateInstanceID generates a unique instance identifier
func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}

// TraceIDFromContext extracts trace ID from context for logging correlation
func TraceIDFromContext(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// AddSpanEvent adds an event to the current span with structured attributes
func AddSpanEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
