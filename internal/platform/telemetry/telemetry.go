// Package telemetry configures OpenTelemetry tracing. Without an OTLP
// endpoint the global no-op provider stays in place and spans cost nothing.
package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/citywaste/pickup"

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string
	Insecure       bool
}

// Setup installs a batching OTLP/gRPC tracer provider and returns its
// shutdown function.
func Setup(ctx context.Context, cfg Config, logger zerolog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Debug().Msg("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		logger.Warn().Err(err).Msg("otel resource detection failed")
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	logger.Info().Str("endpoint", cfg.Endpoint).Msg("tracing enabled")

	return provider.Shutdown, nil
}

// Tracer returns the tracer for a component, resolved against the current
// global provider.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationName + "/" + component)
}

// Start opens a span named component.op with attrs.
func Start(ctx context.Context, component, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer(component).Start(ctx, component+"."+op, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
