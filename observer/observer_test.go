package observer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	lagoon "github.com/nevindra/lagoon"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

type mockProvider struct {
	name     string
	chatResp lagoon.ChatResponse
	chatErr  error
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Chat(_ context.Context, _ lagoon.ChatRequest) (lagoon.ChatResponse, error) {
	return m.chatResp, m.chatErr
}

type mockExecutor struct {
	res    lagoon.ExecutionResult
	resets int
}

func (m *mockExecutor) Execute(_ context.Context, _ lagoon.CodeRequest) lagoon.ExecutionResult {
	return m.res
}
func (m *mockExecutor) ResetState() { m.resets++ }

type exclusiveTool struct{ lagoon.Tool }

func (exclusiveTool) Exclusive() bool { return true }

// testInstruments creates Instruments on the global OTEL providers (no-ops
// unless a test installs its own).
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

// meteredInstruments installs a MeterProvider backed by a manual reader and
// returns instruments bound to it.
func meteredInstruments(t *testing.T) (*Instruments, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = mp.Shutdown(context.Background())
	})
	return testInstruments(t), reader
}

// counterTotal sums every data point of the named int64 counter whose
// attributes include attr (when attr is valid).
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s has data %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if attr.Valid() {
					if v, ok := dp.Attributes.Value(attr.Key); !ok || v != attr.Value {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

// ---------------------------------------------------------------------------
// ObservedProvider tests
// ---------------------------------------------------------------------------

func TestObservedProviderName(t *testing.T) {
	inner := &mockProvider{name: "test-provider"}
	op := WrapProvider(inner, "test-model", testInstruments(t))

	if got := op.Name(); got != "test-provider" {
		t.Errorf("Name() = %q, want %q", got, "test-provider")
	}
}

func TestObservedProviderChat(t *testing.T) {
	inst, reader := meteredInstruments(t)
	want := lagoon.ChatResponse{
		Content: "hello from LLM",
		Usage:   lagoon.Usage{InputTokens: 10, OutputTokens: 5},
	}
	op := WrapProvider(&mockProvider{name: "p", chatResp: want}, "m", inst)

	got, err := op.Chat(context.Background(), lagoon.ChatRequest{
		Tools: []lagoon.ToolDefinition{{Name: "search"}},
	})
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if got.Content != want.Content || got.Usage != want.Usage {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if n := counterTotal(t, reader, "llm.token.usage", attribute.KeyValue{}); n != 15 {
		t.Errorf("llm.token.usage = %d, want 15", n)
	}
	if n := counterTotal(t, reader, "llm.requests", AttrLLMMethod.String(methodToolCalling)); n != 1 {
		t.Errorf("llm.requests{tool_calling} = %d, want 1", n)
	}
}

func TestObservedProviderChatError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	op := WrapProvider(&mockProvider{name: "p", chatErr: wantErr}, "m", testInstruments(t))

	_, err := op.Chat(context.Background(), lagoon.ChatRequest{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Chat error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// ObservedTool tests
// ---------------------------------------------------------------------------

func TestObservedToolInvoke(t *testing.T) {
	inst, reader := meteredInstruments(t)
	inner := lagoon.NewTool(lagoon.ToolDefinition{Name: "search", Description: "web search"},
		func(_ context.Context, args map[string]any) (any, error) {
			return "results for " + lagoon.StringArg(args, "q"), nil
		})
	ot := WrapTool(inner, inst)

	if ot.Definition().Name != "search" {
		t.Errorf("Definition().Name = %q", ot.Definition().Name)
	}
	got, err := ot.Invoke(context.Background(), map[string]any{"q": "go"})
	if err != nil {
		t.Fatalf("Invoke returned unexpected error: %v", err)
	}
	if got != "results for go" {
		t.Errorf("Invoke = %v", got)
	}
	if n := counterTotal(t, reader, "tool.executions", AttrToolName.String("search")); n != 1 {
		t.Errorf("tool.executions{search} = %d, want 1", n)
	}
}

func TestObservedToolInvokeError(t *testing.T) {
	wantErr := errors.New("tool broken")
	inner := lagoon.NewTool(lagoon.ToolDefinition{Name: "fail"},
		func(context.Context, map[string]any) (any, error) { return nil, wantErr })
	ot := WrapTool(inner, testInstruments(t))

	if _, err := ot.Invoke(context.Background(), nil); !errors.Is(err, wantErr) {
		t.Errorf("Invoke error = %v, want %v", err, wantErr)
	}
}

func TestObservedToolKeepsExclusivity(t *testing.T) {
	base := lagoon.NewTool(lagoon.ToolDefinition{Name: "t"}, nil)
	inst := testInstruments(t)
	if WrapTool(base, inst).Exclusive() {
		t.Error("plain tool reported exclusive")
	}
	if !WrapTool(exclusiveTool{base}, inst).Exclusive() {
		t.Error("exclusive tool lost exclusivity")
	}
	if got := WrapTools([]lagoon.Tool{base, base}, inst); len(got) != 2 {
		t.Errorf("WrapTools returned %d tools", len(got))
	}
}

// ---------------------------------------------------------------------------
// ObservedExecutor tests
// ---------------------------------------------------------------------------

func TestObservedExecutor(t *testing.T) {
	inst, reader := meteredInstruments(t)
	inner := &mockExecutor{res: lagoon.ExecutionResult{
		Err:      &lagoon.ExecError{Kind: lagoon.ErrTimeout, Message: "slow"},
		Duration: 5 * time.Millisecond,
	}}
	oe := WrapExecutor(inner, inst)

	res := oe.Execute(context.Background(), lagoon.CodeRequest{Code: "x = 1"})
	if res.Err == nil || res.Err.Kind != lagoon.ErrTimeout {
		t.Errorf("result not passed through: %+v", res)
	}
	if n := counterTotal(t, reader, "code.executions", AttrCodeStatus.String("timeout")); n != 1 {
		t.Errorf("code.executions{timeout} = %d, want 1", n)
	}

	oe.ResetState()
	if inner.resets != 1 {
		t.Errorf("ResetState not forwarded")
	}
}

// ---------------------------------------------------------------------------
// Tracer tests
// ---------------------------------------------------------------------------

func TestTracerRecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tr := NewTracer()
	ctx, span := tr.Start(context.Background(), "agent.run", lagoon.StringAttr("agent", "a"))
	_, child := tr.Start(ctx, "agent.step", lagoon.IntAttr("step", 1))
	child.Event("retry", lagoon.BoolAttr("transient", true))
	child.Error(errors.New("boom"))
	child.End()
	span.SetAttr(lagoon.DurationAttr("duration_ms", time.Second))
	span.End()

	ended := sr.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	step, run := ended[0], ended[1]
	if step.Name() != "agent.step" || run.Name() != "agent.run" {
		t.Fatalf("span names = %q, %q", step.Name(), run.Name())
	}
	if step.Parent().SpanID() != run.SpanContext().SpanID() {
		t.Error("step span is not a child of the run span")
	}
	if step.Status().Description != "boom" {
		t.Errorf("status = %+v", step.Status())
	}
	if len(step.Events()) < 1 || step.Events()[0].Name != "retry" {
		t.Errorf("events = %+v", step.Events())
	}
}

func TestToOTELAttr(t *testing.T) {
	tests := []struct {
		in   lagoon.SpanAttr
		want attribute.Type
	}{
		{lagoon.StringAttr("k", "v"), attribute.STRING},
		{lagoon.IntAttr("k", 1), attribute.INT64},
		{lagoon.SpanAttr{Key: "k", Value: int64(1)}, attribute.INT64},
		{lagoon.Float64Attr("k", 1.5), attribute.FLOAT64},
		{lagoon.BoolAttr("k", true), attribute.BOOL},
		{lagoon.SpanAttr{Key: "k", Value: []string{"a"}}, attribute.STRINGSLICE},
		{lagoon.SpanAttr{Key: "k", Value: time.Second}, attribute.FLOAT64},
		{lagoon.SpanAttr{Key: "k", Value: lagoon.RunSuccess}, attribute.STRING},
		{lagoon.SpanAttr{Key: "k", Value: struct{}{}}, attribute.STRING},
	}
	for _, tt := range tests {
		if got := toOTELAttr(tt.in).Value.Type(); got != tt.want {
			t.Errorf("toOTELAttr(%v) type = %v, want %v", tt.in.Value, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Recorder tests
// ---------------------------------------------------------------------------

func TestRecorderCountsEvents(t *testing.T) {
	inst, reader := meteredInstruments(t)
	rec := NewRecorder(inst)
	ctx := context.Background()

	rec.HandleEvent(ctx, lagoon.Event{Type: lagoon.EventStepCompleted, Agent: "a",
		Action: &lagoon.ActionStep{Number: 1, Error: &lagoon.StepError{Kind: "tool_error"}}})
	rec.HandleEvent(ctx, lagoon.Event{Type: lagoon.EventStepCompleted, Agent: "a",
		Action: &lagoon.ActionStep{Number: 2, IsFinalAnswer: true}})
	rec.HandleEvent(ctx, lagoon.Event{Type: lagoon.EventControlRequest, Agent: "a",
		Request: &lagoon.ConfirmationRequest{ID: "r1", Action: "delete"}})
	rec.HandleEvent(ctx, lagoon.Event{Type: lagoon.EventRepetition, Agent: "a", Step: 2})
	rec.HandleEvent(ctx, lagoon.Event{Type: lagoon.EventSubAgentCompleted, Agent: "a",
		Record: &lagoon.DelegationRecord{Agent: "worker", State: lagoon.RunSuccess}})
	rec.HandleEvent(ctx, lagoon.Event{Type: lagoon.EventRunCompleted, Agent: "a",
		Result: &lagoon.RunResult{ID: "run", State: lagoon.RunSuccess, Steps: 2}})
	rec.HandleEvent(ctx, lagoon.Event{Type: lagoon.EventError, Agent: "a", Err: errors.New("x")})

	checks := []struct {
		metric string
		attr   attribute.KeyValue
		want   int64
	}{
		{"agent.steps", AttrStepOutcome.String("tool_error"), 1},
		{"agent.steps", AttrStepOutcome.String("final"), 1},
		{"agent.control_requests", AttrRequestKind.String("confirmation"), 1},
		{"agent.advisories", AttrAdvisoryKind.String(string(lagoon.EventRepetition)), 1},
		{"agent.delegations", attribute.String("sub_agent", "worker"), 1},
		{"agent.runs", AttrAgentStatus.String("success"), 1},
	}
	for _, c := range checks {
		if got := counterTotal(t, reader, c.metric, c.attr); got != c.want {
			t.Errorf("%s{%s=%s} = %d, want %d", c.metric, c.attr.Key, c.attr.Value.Emit(), got, c.want)
		}
	}
}

type memoryLogExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *memoryLogExporter) Export(_ context.Context, recs []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range recs {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *memoryLogExporter) Shutdown(context.Context) error   { return nil }
func (e *memoryLogExporter) ForceFlush(context.Context) error { return nil }

func (e *memoryLogExporter) find(body string) (sdklog.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.records {
		if r.Body().AsString() == body {
			return r, true
		}
	}
	return sdklog.Record{}, false
}

func logAttr(r sdklog.Record, key string) (otellog.Value, bool) {
	var (
		v     otellog.Value
		found bool
	)
	r.WalkAttributes(func(kv otellog.KeyValue) bool {
		if kv.Key == key {
			v, found = kv.Value, true
			return false
		}
		return true
	})
	return v, found
}

func TestRecorderLogsSteps(t *testing.T) {
	inst, err := newInstruments(map[string]ModelPricing{"m": {InputPerMillion: 1_000_000, OutputPerMillion: 2_000_000}})
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	exp := &memoryLogExporter{}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)))
	t.Cleanup(func() { _ = lp.Shutdown(context.Background()) })
	inst.Logger = lp.Logger("test")

	rec := NewRecorder(inst, ForModel("m"))
	ctx := context.Background()
	rec.HandleEvent(ctx, lagoon.Event{Type: lagoon.EventPlanningCompleted, Agent: "a", RunID: "r",
		Plan: &lagoon.PlanningStep{Number: 1, Usage: lagoon.Usage{InputTokens: 1}}})
	rec.HandleEvent(ctx, lagoon.Event{Type: lagoon.EventStepCompleted, Agent: "a", RunID: "r",
		Action: &lagoon.ActionStep{Number: 1, Usage: lagoon.Usage{InputTokens: 2, OutputTokens: 1},
			ToolCalls: []lagoon.ToolCall{{Name: "add"}}}})

	plan, ok := exp.find("planning step completed")
	if !ok {
		t.Fatal("no planning log record")
	}
	if v, _ := logAttr(plan, "llm.cost_usd"); v.AsFloat64() != 1 {
		t.Errorf("planning cost = %v, want 1", v.AsFloat64())
	}
	step, ok := exp.find("action step completed")
	if !ok {
		t.Fatal("no action log record")
	}
	if v, _ := logAttr(step, "llm.cost_usd"); v.AsFloat64() != 4 {
		t.Errorf("step cost = %v, want 4", v.AsFloat64())
	}
	if v, _ := logAttr(step, "tool_calls"); v.AsInt64() != 1 {
		t.Errorf("tool_calls = %v, want 1", v.AsInt64())
	}
	if v, _ := logAttr(step, "step.outcome"); v.AsString() != "ok" {
		t.Errorf("outcome = %q", v.AsString())
	}
}

func TestTracerErrorKind(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := NewTracer().Start(context.Background(), "code.execute")
	span.Error(&lagoon.ExecError{Kind: lagoon.ErrTimeout, Message: "slow"})
	span.End()

	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	var kind string
	for _, kv := range ended[0].Attributes() {
		if kv.Key == AttrErrorKind {
			kind = kv.Value.AsString()
		}
	}
	if kind != string(lagoon.ErrTimeout) {
		t.Errorf("error.kind = %q, want timeout", kind)
	}
	if errorKind(errors.New("plain")) != "" {
		t.Error("plain errors carry no kind")
	}
}
