package observer

import (
	"context"
	"errors"
	"fmt"
	"time"

	lagoon "github.com/nevindra/lagoon"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// otelTracer implements lagoon.Tracer using OpenTelemetry.
type otelTracer struct {
	inner trace.Tracer
}

// NewTracer returns a lagoon.Tracer backed by the global OTEL TracerProvider.
// Call observer.Init() first to configure the provider; otherwise spans go to
// a no-op backend.
//
//	agent := lagoon.NewAgent("analyst", model, lagoon.WithTracer(observer.NewTracer()))
func NewTracer() lagoon.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...lagoon.SpanAttr) (context.Context, lagoon.Span) {
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(toOTELAttrs(attrs)...))
	return ctx, &otelSpan{inner: span}
}

// otelSpan implements lagoon.Span using an OTEL trace.Span.
type otelSpan struct {
	inner trace.Span
}

func (s *otelSpan) SetAttr(attrs ...lagoon.SpanAttr) {
	s.inner.SetAttributes(toOTELAttrs(attrs)...)
}

func (s *otelSpan) Event(name string, attrs ...lagoon.SpanAttr) {
	s.inner.AddEvent(name, trace.WithAttributes(toOTELAttrs(attrs)...))
}

// Error marks the span failed. Engine errors also carry their kind, so
// a timeout and a tool failure can be told apart without parsing messages.
func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
	if kind := errorKind(err); kind != "" {
		s.inner.SetAttributes(AttrErrorKind.String(kind))
	}
}

func errorKind(err error) string {
	var (
		ee *lagoon.ExecError
		se *lagoon.StepError
		me *lagoon.ModelError
		de *lagoon.DelegationError
		te *lagoon.ToolError
	)
	switch {
	case errors.As(err, &ee):
		return string(ee.Kind)
	case errors.As(err, &se):
		return se.Kind
	case errors.As(err, &me):
		return "model"
	case errors.As(err, &de):
		return "delegation"
	case errors.As(err, &te):
		return string(lagoon.ErrTool)
	}
	return ""
}

func (s *otelSpan) End() {
	s.inner.End()
}

func toOTELAttrs(attrs []lagoon.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		out[i] = toOTELAttr(a)
	}
	return out
}

// toOTELAttr converts a lagoon.SpanAttr to an OTEL attribute.KeyValue.
// Durations are recorded in milliseconds like DurationAttr.
func toOTELAttr(a lagoon.SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	case []string:
		return attribute.StringSlice(a.Key, v)
	case time.Duration:
		return attribute.Float64(a.Key, float64(v)/float64(time.Millisecond))
	case fmt.Stringer:
		return attribute.String(a.Key, v.String())
	case lagoon.RunState:
		return attribute.String(a.Key, string(v))
	case lagoon.ErrorKind:
		return attribute.String(a.Key, string(v))
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

// compile-time checks
var (
	_ lagoon.Tracer = (*otelTracer)(nil)
	_ lagoon.Span   = (*otelSpan)(nil)
)
