// Package tracing bootstraps the OpenTelemetry tracer used to span
// orchestrator ticks and tool dispatches.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName identifies orchard spans.
const TracerName = "github.com/zjrosen/orchard"

// Init installs a TracerProvider writing spans to w (typically a file).
// A nil writer installs a no-op tracer. Returns a shutdown function.
func Init(w io.Writer) (func(context.Context) error, error) {
	if w == nil {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the orchard tracer from the installed provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
