package observer

import (
	"context"
	"fmt"

	"github.com/setfarm/setfarm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// otelTracer adapts the engine's Tracer hook onto OpenTelemetry. The engine
// opens spans around claim, complete, and run-advancement operations; this
// type forwards them to the global TracerProvider.
type otelTracer struct {
	inner trace.Tracer
}

// NewTracer returns a setfarm.Tracer backed by the global OTEL
// TracerProvider, for handing to the engine via setfarm.WithTracer. Call
// Init first to configure exporters; otherwise spans go to a no-op backend.
func NewTracer() setfarm.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...setfarm.SpanAttr) (context.Context, setfarm.Span) {
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(toOTELAttrs(attrs)...))
	return ctx, &otelSpan{inner: span}
}

// otelSpan carries one engine operation. Step activations arrive as span
// events; claim and advancement failures arrive through Error and mark the
// span failed.
type otelSpan struct {
	inner trace.Span
}

func (s *otelSpan) SetAttr(attrs ...setfarm.SpanAttr) {
	s.inner.SetAttributes(toOTELAttrs(attrs)...)
}

func (s *otelSpan) Event(name string, attrs ...setfarm.SpanAttr) {
	s.inner.AddEvent(name, trace.WithAttributes(toOTELAttrs(attrs)...))
}

func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.inner.End()
}

// toOTELAttrs maps the engine's loosely typed span attributes (run ids,
// roles, step indexes, loop flags) onto typed OTEL attributes. Unhandled
// types fall back to their fmt representation.
func toOTELAttrs(attrs []setfarm.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out[i] = attribute.String(a.Key, v)
		case int:
			out[i] = attribute.Int(a.Key, v)
		case int64:
			out[i] = attribute.Int64(a.Key, v)
		case float64:
			out[i] = attribute.Float64(a.Key, v)
		case bool:
			out[i] = attribute.Bool(a.Key, v)
		default:
			out[i] = attribute.String(a.Key, fmt.Sprintf("%v", v))
		}
	}
	return out
}

// compile-time checks
var (
	_ setfarm.Tracer = (*otelTracer)(nil)
	_ setfarm.Span   = (*otelSpan)(nil)
)
