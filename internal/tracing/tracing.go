// Package tracing wires OpenTelemetry for Pollarr. Every poll becomes one
// span; spans are exported over OTLP/HTTP when an endpoint is configured and
// discarded otherwise.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mescon/Pollarr/internal/logger"
)

const instrumentationName = "github.com/mescon/Pollarr"

// Span attribute keys.
const (
	AttrService  = "pollarr.service"
	AttrKind     = "pollarr.kind"
	AttrDueMs    = "pollarr.due_ms"
	AttrLateness = "pollarr.lateness_ms"
)

// Provider owns the tracer provider and its shutdown.
type Provider struct {
	tp       trace.TracerProvider
	shutdown func(context.Context) error
}

// Setup builds a provider. An empty endpoint yields a no-op provider.
func Setup(ctx context.Context, endpoint, version string) (*Provider, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return &Provider{
			tp:       noop.NewTracerProvider(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "pollarr"),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Infof("Tracing enabled, exporting to %s", endpoint)

	return &Provider{tp: tp, shutdown: tp.Shutdown}, nil
}

// NewWithProcessor is used by tests to capture spans in memory.
func NewWithProcessor(sp sdktrace.SpanProcessor) *Provider {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sp))
	return &Provider{tp: tp, shutdown: tp.Shutdown}
}

func (p *Provider) Tracer() trace.Tracer {
	return p.tp.Tracer(instrumentationName)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
