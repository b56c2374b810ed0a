// Package tracing wraps the OpenTelemetry trace API behind the small tracer
// surface the hub uses for analysis spans and log correlation.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer starts spans. The noop form keeps call sites unconditional.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, trace.Span)
	Noop() bool
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return noop.NewTracerProvider().Tracer("memwatch").Start(ctx, name)
}
func (noopTracer) Noop() bool { return true }

type otelTracer struct {
	tp *sdktrace.TracerProvider
	tr trace.Tracer
}

// NewTracer builds a sampling in-process tracer. Disabled returns a noop.
// The SDK provider is registered globally so exporter wiring can be layered
// on by the embedding process.
func NewTracer(enabled bool, samplePercent float64) Tracer {
	if !enabled {
		return noopTracer{}
	}
	if samplePercent <= 0 || samplePercent > 100 {
		samplePercent = 100
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(samplePercent / 100))),
	)
	otel.SetTracerProvider(tp)
	return &otelTracer{tp: tp, tr: tp.Tracer("memwatch")}
}

func (t *otelTracer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tr.Start(ctx, name)
}
func (t *otelTracer) Noop() bool { return false }

// Shutdown flushes the provider, if this tracer owns one.
func Shutdown(ctx context.Context, t Tracer) error {
	ot, ok := t.(*otelTracer)
	if !ok {
		return nil
	}
	return ot.tp.Shutdown(ctx)
}

// ExtractIDs returns the hex trace and span ids recorded in ctx, or empty
// strings when ctx carries no valid span context. Spans that were not
// sampled still have a valid context and yield ids.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
