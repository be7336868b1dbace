package observer

import (
	"context"
	"time"

	lagoon "github.com/nevindra/lagoon"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a lagoon.Tool with OTEL instrumentation. Exclusivity of
// the inner tool is preserved.
type ObservedTool struct {
	inner lagoon.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner lagoon.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

// WrapTools instruments every tool in ts.
func WrapTools(ts []lagoon.Tool, inst *Instruments) []lagoon.Tool {
	out := make([]lagoon.Tool, len(ts))
	for i, t := range ts {
		out[i] = WrapTool(t, inst)
	}
	return out
}

func (o *ObservedTool) Definition() lagoon.ToolDefinition { return o.inner.Definition() }

func (o *ObservedTool) Exclusive() bool {
	x, ok := o.inner.(lagoon.ExclusiveTool)
	return ok && x.Exclusive()
}

func (o *ObservedTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	name := o.inner.Definition().Name
	ctx, span := o.inst.Tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Invoke(ctx, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrToolStatus.String(status))

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	o.inst.emit(ctx, otellog.SeverityInfo, "tool invoked",
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Float64("tool.duration_ms", durationMs),
	)

	return result, err
}

// compile-time check
var _ lagoon.ExclusiveTool = (*ObservedTool)(nil)
