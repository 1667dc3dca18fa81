// Package tracing provides opt-in OpenTelemetry tracing for the gatez server.
// Tracing is enabled only when an OTLP endpoint is configured; otherwise
// [Init] returns a no-op shutdown function and leaves the global provider
// alone.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const defaultServiceName = "gatez"

var ErrInvalidEndpoint = errors.New("invalid OTLP endpoint")

// Settings selects the exporter endpoint and describes this process.
type Settings struct {
	Endpoint    string
	ServiceName string
	// Adapter is recorded as a resource attribute so traces can be split by
	// storage backend.
	Adapter string
}

// Init configures the global tracer provider with an OTLP HTTP exporter.
// The returned function flushes pending spans and should run on shutdown.
func Init(ctx context.Context, settings Settings) (shutdown func(context.Context) error, err error) {
	endpoint := strings.TrimSpace(settings.Endpoint)
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName(settings.ServiceName)),
			attribute.String("gatez.adapter", settings.Adapter),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func serviceName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return defaultServiceName
}

func validateEndpoint(endpoint string) error {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidEndpoint)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidEndpoint)
	}
	return nil
}
