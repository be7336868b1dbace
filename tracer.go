package lagoon

import (
	"context"
	"time"
)

// Tracer creates spans for runs, steps, planning, and tool batches.
// The observer package provides an OTEL-backed implementation via NewTracer().
// When no Tracer is configured, spans are no-ops.
type Tracer interface {
	// Start creates a new span with the given name and optional attributes.
	// Returns a child context carrying the span and the span itself.
	// Callers must call Span.End() when the operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span represents a traced operation.
type Span interface {
	// SetAttr adds attributes to the span after creation.
	SetAttr(attrs ...SpanAttr)
	// Event records a named event on the span timeline.
	Event(name string, attrs ...SpanAttr)
	// Error records an error on the span and marks it as failed.
	Error(err error)
	// End completes the span. Must be called exactly once.
	End()
}

// SpanAttr is a key-value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

func StringAttr(k, v string) SpanAttr { return SpanAttr{Key: k, Value: v} }

func IntAttr(k string, v int) SpanAttr { return SpanAttr{Key: k, Value: v} }

func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }

func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{Key: k, Value: v} }

// DurationAttr records d in milliseconds.
func DurationAttr(k string, d time.Duration) SpanAttr {
	return SpanAttr{Key: k, Value: float64(d) / float64(time.Millisecond)}
}

type nopSpan struct{}

func (nopSpan) SetAttr(...SpanAttr)       {}
func (nopSpan) Event(string, ...SpanAttr) {}
func (nopSpan) Error(error)               {}
func (nopSpan) End()                      {}

// startSpan starts a span on the agent's tracer, or returns a no-op span.
func (a *Agent) startSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if a.cfg.tracer == nil {
		return ctx, nopSpan{}
	}
	return a.cfg.tracer.Start(ctx, name, attrs...)
}
