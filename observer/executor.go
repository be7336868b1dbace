package observer

import (
	"context"
	"time"

	lagoon "github.com/nevindra/lagoon"

	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// ObservedExecutor wraps a lagoon.CodeExecutor with OTEL instrumentation.
// Executions are counted by outcome: "ok", "final", or the failure kind.
type ObservedExecutor struct {
	inner lagoon.CodeExecutor
	inst  *Instruments
}

// WrapExecutor returns an instrumented executor. ResetState is forwarded
// when the inner executor supports it.
func WrapExecutor(inner lagoon.CodeExecutor, inst *Instruments) *ObservedExecutor {
	return &ObservedExecutor{inner: inner, inst: inst}
}

func (o *ObservedExecutor) Execute(ctx context.Context, req lagoon.CodeRequest) lagoon.ExecutionResult {
	ctx, span := o.inst.Tracer.Start(ctx, "code.execute")
	defer span.End()

	res := o.inner.Execute(ctx, req)

	status := "ok"
	switch {
	case res.Err != nil:
		status = string(res.Err.Kind)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Message)
	case res.IsFinalAnswer:
		status = "final"
	}
	calls := 0
	if req.Tools != nil {
		calls = len(req.Tools.Calls())
	}
	span.SetAttributes(
		AttrCodeStatus.String(status),
		AttrCodeFinal.Bool(res.IsFinalAnswer),
		AttrCodeCalls.Int(calls),
	)

	durationMs := float64(res.Duration) / float64(time.Millisecond)
	o.inst.CodeExecutions.Add(ctx, 1, metric.WithAttributes(AttrCodeStatus.String(status)))
	o.inst.CodeDuration.Record(ctx, durationMs)

	sev := otellog.SeverityInfo
	if res.Err != nil {
		sev = otellog.SeverityWarn
	}
	o.inst.emit(ctx, sev, "code executed",
		otellog.String("code.status", status),
		otellog.Int("code.tool_calls", calls),
		otellog.Int("code.log_bytes", len(res.Logs)),
		otellog.Float64("code.duration_ms", durationMs),
	)
	return res
}

func (o *ObservedExecutor) ResetState() {
	if r, ok := o.inner.(lagoon.StateResetter); ok {
		r.ResetState()
	}
}

// compile-time checks
var (
	_ lagoon.CodeExecutor  = (*ObservedExecutor)(nil)
	_ lagoon.StateResetter = (*ObservedExecutor)(nil)
)
