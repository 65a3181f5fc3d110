package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/odvcencio/bindery"

// Span attribute keys.
var (
	AttrMethod    = attribute.Key("bindery.rpc.method")
	AttrRequestID = attribute.Key("bindery.rpc.request_id")
	AttrOutcome   = attribute.Key("bindery.rpc.outcome")
	AttrMode      = attribute.Key("bindery.client.mode")
	AttrRuleID    = attribute.Key("bindery.ratelimit.rule")
	AttrThreats   = attribute.Key("bindery.security.threats")
	AttrPayload   = attribute.Key("bindery.rpc.payload_size")
)

// Tracing owns a tracer provider.
type Tracing struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracing exports spans as JSON to w (stdout when nil) and installs the
// provider globally.
func NewTracing(serviceName string, w io.Writer) (*Tracing, error) {
	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &Tracing{provider: provider, tracer: provider.Tracer(tracerName)}, nil
}

// NoopTracing returns a Tracing whose spans are discarded.
func NoopTracing() *Tracing {
	return &Tracing{tracer: noop.NewTracerProvider().Tracer(tracerName)}
}

// StartSpan starts a span named name.
func (t *Tracing) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and stops the provider.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// EndSpan records the outcome and ends span. A non-nil err marks the span
// as failed.
func EndSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(AttrOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
