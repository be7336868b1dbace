package observer

import (
	"context"
	"time"

	lagoon "github.com/nevindra/lagoon"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Model call modes recorded as AttrLLMMethod. A request that carries tool
// definitions comes from a tool-calling agent; code agents send none.
const (
	methodCode        = "code"
	methodToolCalling = "tool_calling"
)

// ObservedProvider wraps a lagoon.Provider with spans and metrics for every
// model call. Per-step log records come from the Recorder, which sees the
// step the call belonged to.
type ObservedProvider struct {
	inner lagoon.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider. model is used for cost
// lookup and as a span attribute.
func WrapProvider(inner lagoon.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req lagoon.ChatRequest) (lagoon.ChatResponse, error) {
	method := methodCode
	if len(req.Tools) > 0 {
		method = methodToolCalling
	}
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		AttrLLMMessages.Int(len(req.Messages)),
		AttrToolCount.Int(len(req.Tools)),
	))
	defer span.End()

	start := time.Now()
	resp, err := o.inner.Chat(ctx, req)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	cost := o.inst.Cost.Calculate(o.model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	span.SetAttributes(
		AttrTokensInput.Int(resp.Usage.InputTokens),
		AttrTokensOutput.Int(resp.Usage.OutputTokens),
		AttrCostUSD.Float64(cost),
		AttrLLMToolCalls.Int(len(resp.ToolCalls)),
	)

	common := []attribute.KeyValue{AttrLLMModel.String(o.model), AttrLLMProvider.String(o.inner.Name())}
	withMethod := metric.WithAttributes(append(common, AttrLLMMethod.String(method))...)
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.InputTokens),
		metric.WithAttributes(append(common, attribute.String("direction", "input"))...))
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.OutputTokens),
		metric.WithAttributes(append(common, attribute.String("direction", "output"))...))
	o.inst.CostTotal.Add(ctx, cost, withMethod)
	o.inst.LLMDuration.Record(ctx, float64(elapsed.Milliseconds()), withMethod)
	o.inst.LLMRequests.Add(ctx, 1,
		metric.WithAttributes(append(common, AttrLLMMethod.String(method), attribute.String("status", status))...))
	return resp, err
}

// compile-time check
var _ lagoon.Provider = (*ObservedProvider)(nil)
