package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK bootstrap.
type ProviderConfig struct {
	// ServiceName reported in the telemetry resource. Default "parley".
	ServiceName string

	// ServiceVersion reported alongside the service name.
	ServiceVersion string

	// TraceExporter receives finished spans. Nil keeps span recording local:
	// trace IDs still flow through logs and the correlation header, nothing
	// is shipped anywhere.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs the global OTel providers for the daemon: a meter
// provider read by the Prometheus exporter (scraped through /metrics) and a
// tracer provider, optionally exporting spans. The returned function flushes
// and shuts both down; the app runs it during shutdown under a deadline.
//
// Call it once per process. The Prometheus exporter registers its collectors
// on the default registerer, so a second call in the same process fails.
func InitProvider(_ context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "parley"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	meters := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meters)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tracers := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracers)

	shutdown := func(ctx context.Context) error {
		return errors.Join(tracers.Shutdown(ctx), meters.Shutdown(ctx))
	}
	return shutdown, nil
}
