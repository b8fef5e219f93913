// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the trace exporter.
type Config struct {
	// Endpoint is the OTLP/HTTP collector URL, e.g. http://localhost:4318.
	// Empty disables tracing.
	Endpoint    string
	ServiceName string
	// SampleRatio is the fraction of root spans sampled. Values >= 1 sample
	// everything.
	SampleRatio float64
	Environment string
}

// Setup installs a global tracer provider exporting to cfg.Endpoint. With no
// endpoint it installs nothing and returns a no-op shutdown. The shutdown
// func flushes pending spans.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noop, fmt.Errorf("telemetry: exporter: %w", err)
	}

	attrs := resource.WithAttributes(semconv.ServiceName(cfg.ServiceName))
	res, err := resource.New(ctx, attrs)
	if err != nil {
		return noop, fmt.Errorf("telemetry: resource: %w", err)
	}
	if cfg.Environment != "" {
		res, err = resource.Merge(res, resource.NewSchemaless(semconv.DeploymentEnvironment(cfg.Environment)))
		if err != nil {
			return noop, fmt.Errorf("telemetry: resource: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
