// Package tracing installs the OpenTelemetry tracer provider. Domain
// packages create spans through otel.Tracer; without Setup those spans go to
// the global no-op provider.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config controls span export.
type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	// Writer receives JSON spans. Nil means stdout.
	Writer io.Writer
	// Sync exports each span as it ends instead of batching.
	Sync bool
}

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(context.Context) error

// Setup installs a global tracer provider exporting to cfg.Writer. When
// tracing is disabled it installs nothing and returns a no-op shutdown.
func Setup(cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "scriptgate"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.version", cfg.Version),
	)

	var processor sdktrace.TracerProviderOption
	if cfg.Sync {
		processor = sdktrace.WithSyncer(exporter)
	} else {
		processor = sdktrace.WithBatcher(exporter)
	}
	tp := sdktrace.NewTracerProvider(processor, sdktrace.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}
