package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
)

// Config holds tracing configuration
type Config struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName  string `mapstructure:"service_name" yaml:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// Initialize sets up minimal OTLP tracing
func Initialize(cfg Config, logger *zap.Logger) error {
	// Always initialize a tracer handle, even if provider is disabled.
	// This ensures Start* helpers never panic when tracing is disabled.
	if cfg.ServiceName == "" {
		cfg.ServiceName = "talond"
	}
	tracer = otel.Tracer(cfg.ServiceName)

	if !cfg.Enabled {
		logger.Info("Tracing disabled")
		return nil
	}

	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)

	otel.SetTracerProvider(provider)
	tracer = otel.Tracer(cfg.ServiceName)

	logger.Info("Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	return nil
}

// Shutdown flushes buffered spans. Safe to call when tracing is disabled.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

// StartSpan creates a new span with the given name
func StartSpan(ctx context.Context, spanName string) (context.Context, oteltrace.Span) {
	if tracer == nil {
		tracer = otel.Tracer("talond")
	}
	return tracer.Start(ctx, spanName)
}

// StartOperationSpan creates a span for a scraper operation against a target.
func StartOperationSpan(ctx context.Context, operation, target string) (context.Context, oteltrace.Span) {
	if tracer == nil {
		tracer = otel.Tracer("talond")
	}
	ctx, span := tracer.Start(ctx, fmt.Sprintf("scrape.%s", operation))
	span.SetAttributes(
		attribute.String("talon.operation", operation),
		attribute.String("talon.target", target),
	)
	return ctx, span
}

// StartPollSpan creates a span for one poll tick of a stream.
func StartPollSpan(ctx context.Context, streamID, kind string) (context.Context, oteltrace.Span) {
	if tracer == nil {
		tracer = otel.Tracer("talond")
	}
	ctx, span := tracer.Start(ctx, "stream.poll")
	span.SetAttributes(
		attribute.String("talon.stream_id", streamID),
		attribute.String("talon.stream_kind", kind),
	)
	return ctx, span
}

// StartActivitySpan creates a span for one agent activity slot.
func StartActivitySpan(ctx context.Context, agentID, activity string) (context.Context, oteltrace.Span) {
	if tracer == nil {
		tracer = otel.Tracer("talond")
	}
	ctx, span := tracer.Start(ctx, "agent.activity")
	span.SetAttributes(
		attribute.String("talon.agent_id", agentID),
		attribute.String("talon.activity", activity),
	)
	return ctx, span
}
