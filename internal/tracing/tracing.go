package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultServiceName = "daypilot-orchestration-hub"

var tracer oteltrace.Tracer = otel.Tracer(defaultServiceName)

// Config holds tracing configuration
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Version      string `mapstructure:"-"`
}

// Initialize sets up OTLP tracing and returns a shutdown func that flushes
// pending spans. With tracing disabled the global no-op provider is kept.
func Initialize(cfg Config, logger *zap.Logger) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	tracer = otel.Tracer(cfg.ServiceName)
	noop := func(context.Context) error { return nil }

	if !cfg.Enabled {
		logger.Info("Tracing disabled")
		return noop, nil
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(cfg.ServiceName)

	logger.Info("Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	return tp.Shutdown, nil
}

// StartSpan creates a new span with the given name and attributes.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}

// StartWorkflowSpan opens the span covering one workflow run.
func StartWorkflowSpan(ctx context.Context, workflowID, userID string) (context.Context, oteltrace.Span) {
	return StartSpan(ctx, "workflow.run",
		attribute.String("workflow.id", workflowID),
		attribute.String("user.id", userID),
	)
}

// StartStepSpan opens the span covering one stage delegation.
func StartStepSpan(ctx context.Context, workflowID, node, role string) (context.Context, oteltrace.Span) {
	return StartSpan(ctx, "workflow.step",
		attribute.String("workflow.id", workflowID),
		attribute.String("node", node),
		attribute.String("role", role),
	)
}

// End closes span, recording err when non-nil.
func End(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartHTTPSpan creates a span for an inbound HTTP request.
func StartHTTPSpan(ctx context.Context, method, route string) (context.Context, oteltrace.Span) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("HTTP %s %s", method, route), oteltrace.WithSpanKind(oteltrace.SpanKindServer))
	span.SetAttributes(
		semconv.HTTPRequestMethodKey.String(method),
		semconv.HTTPRoute(route),
	)
	return ctx, span
}

// W3CTraceparent generates a W3C traceparent header value
func W3CTraceparent(ctx context.Context) string {
	span := oteltrace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}

	sc := span.SpanContext()
	return fmt.Sprintf("00-%s-%s-%02x",
		sc.TraceID().String(),
		sc.SpanID().String(),
		sc.TraceFlags(),
	)
}

// SetTraceparent echoes the current trace context on a response so callers
// can correlate a request with its spans.
func SetTraceparent(ctx context.Context, h http.Header) {
	if traceparent := W3CTraceparent(ctx); traceparent != "" {
		h.Set("traceparent", traceparent)
	}
}
