package observer

import (
	"context"

	lagoon "github.com/nevindra/lagoon"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// Recorder is a lagoon.EventHandler that turns engine events into metrics
// and log records. Safe for concurrent use.
//
//	agent := lagoon.NewAgent("analyst", model,
//		lagoon.WithTracer(observer.NewTracer()),
//		lagoon.WithEventHandler(observer.NewRecorder(inst, observer.ForModel("gemini-2.5-flash"))))
type Recorder struct {
	inst  *Instruments
	model string
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// ForModel prices step token usage with the given model's pricing.
func ForModel(model string) RecorderOption {
	return func(r *Recorder) { r.model = model }
}

// NewRecorder creates a Recorder over inst.
func NewRecorder(inst *Instruments, opts ...RecorderOption) *Recorder {
	r := &Recorder{inst: inst}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Recorder) HandleEvent(ctx context.Context, ev lagoon.Event) {
	agent := AttrAgentName.String(ev.Agent)
	switch ev.Type {
	case lagoon.EventStepCompleted:
		if ev.Action == nil {
			return
		}
		outcome := stepOutcome(ev.Action)
		r.inst.Steps.Add(ctx, 1, metric.WithAttributes(agent, AttrStepOutcome.String(outcome)))
		r.emitStep(ctx, ev, "action step completed", ev.Action.Number, ev.Action.Usage,
			otellog.String("step.outcome", outcome),
			otellog.Int("tool_calls", len(ev.Action.ToolCalls)))

	case lagoon.EventPlanningCompleted:
		if ev.Plan == nil {
			return
		}
		r.emitStep(ctx, ev, "planning step completed", ev.Plan.Number, ev.Plan.Usage)

	case lagoon.EventControlRequest:
		kind := requestKind(ev.Request)
		r.inst.ControlRequests.Add(ctx, 1, metric.WithAttributes(agent, AttrRequestKind.String(kind)))
		r.inst.emit(ctx, otellog.SeverityInfo, "control request raised",
			otellog.String("agent.name", ev.Agent),
			otellog.String("run.id", ev.RunID),
			otellog.String("request.kind", kind),
			otellog.String("request.id", ev.Request.RequestID()),
		)

	case lagoon.EventRepetition, lagoon.EventGoalDrift:
		r.inst.Advisories.Add(ctx, 1, metric.WithAttributes(agent, AttrAdvisoryKind.String(string(ev.Type))))
		r.inst.emit(ctx, otellog.SeverityWarn, string(ev.Type),
			otellog.String("agent.name", ev.Agent),
			otellog.String("run.id", ev.RunID),
			otellog.Int("step", ev.Step),
		)

	case lagoon.EventSubAgentCompleted:
		if ev.Record == nil {
			return
		}
		r.inst.Delegations.Add(ctx, 1, metric.WithAttributes(
			agent,
			attribute.String("sub_agent", ev.Record.Agent),
			AttrAgentStatus.String(string(ev.Record.State)),
		))

	case lagoon.EventError:
		if ev.Err == nil {
			return
		}
		r.inst.emit(ctx, otellog.SeverityWarn, "step error",
			otellog.String("agent.name", ev.Agent),
			otellog.String("run.id", ev.RunID),
			otellog.Int("step", ev.Step),
			otellog.String("error", ev.Err.Error()),
		)

	case lagoon.EventRunCompleted:
		if ev.Result == nil {
			return
		}
		res := ev.Result
		status := AttrAgentStatus.String(string(res.State))
		r.inst.AgentRuns.Add(ctx, 1, metric.WithAttributes(agent, status))
		r.inst.AgentDuration.Record(ctx, float64(res.Duration.Milliseconds()), metric.WithAttributes(agent))

		sev := otellog.SeverityInfo
		if res.State == lagoon.RunError {
			sev = otellog.SeverityError
		}
		attrs := []otellog.KeyValue{
			otellog.String("agent.name", ev.Agent),
			otellog.String("run.id", res.ID),
			otellog.String("agent.status", string(res.State)),
			otellog.Int("steps", res.Steps),
			otellog.Int("tokens.input", res.Usage.InputTokens),
			otellog.Int("tokens.output", res.Usage.OutputTokens),
			otellog.Float64("duration_ms", float64(res.Duration.Milliseconds())),
		}
		if res.Err != nil {
			attrs = append(attrs, otellog.String("error", res.Err.Error()))
		}
		r.inst.emit(ctx, sev, "agent run completed", attrs...)
	}
}

// emitStep logs one model-backed step with its token usage and cost.
func (r *Recorder) emitStep(ctx context.Context, ev lagoon.Event, body string, step int, u lagoon.Usage, extra ...otellog.KeyValue) {
	attrs := []otellog.KeyValue{
		otellog.String("agent.name", ev.Agent),
		otellog.String("run.id", ev.RunID),
		otellog.Int("step", step),
		otellog.Int("llm.tokens.input", u.InputTokens),
		otellog.Int("llm.tokens.output", u.OutputTokens),
		otellog.Float64("llm.cost_usd", r.inst.Cost.Calculate(r.model, u.InputTokens, u.OutputTokens)),
		otellog.Float64("duration_ms", float64(ev.Duration.Milliseconds())),
	}
	if r.model != "" {
		attrs = append(attrs, otellog.String("llm.model", r.model))
	}
	r.inst.emit(ctx, otellog.SeverityInfo, body, append(attrs, extra...)...)
}

func stepOutcome(a *lagoon.ActionStep) string {
	switch {
	case a.IsFinalAnswer:
		return "final"
	case a.Error != nil:
		return a.Error.Kind
	}
	return "ok"
}

func requestKind(r lagoon.ControlRequest) string {
	if r == nil {
		return "unknown"
	}
	return string(r.Kind())
}

// compile-time check
var _ lagoon.EventHandler = (*Recorder)(nil)
