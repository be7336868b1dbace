// Package observer provides OTEL-based observability for lagoon agents.
//
// It offers a lagoon.Tracer backed by OpenTelemetry, an EventHandler that
// turns engine events into metrics and log records, and wrappers for
// Provider, Tool and CodeExecutor that emit spans, metrics and logs. Users
// export to any OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/lagoon/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Model
	TokenUsage  metric.Int64Counter
	CostTotal   metric.Float64Counter
	LLMRequests metric.Int64Counter
	LLMDuration metric.Float64Histogram

	// Tools and code
	ToolExecutions metric.Int64Counter
	ToolDuration   metric.Float64Histogram
	CodeExecutions metric.Int64Counter
	CodeDuration   metric.Float64Histogram

	// Runs
	AgentRuns       metric.Int64Counter
	AgentDuration   metric.Float64Histogram
	Steps           metric.Int64Counter
	ControlRequests metric.Int64Counter
	Advisories      metric.Int64Counter
	Delegations     metric.Int64Counter

	Cost *CostCalculator
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context, service string, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	if service == "" {
		service = "lagoon"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(service)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(pricing)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

// NewInstruments creates instruments on the current global providers without
// installing exporters. Useful when the application configures OTEL itself;
// with no providers configured every instrument is a no-op.
func NewInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	return newInstruments(pricing)
}

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	meter := otel.Meter(scopeName)
	inst := &Instruments{
		Tracer: otel.Tracer(scopeName),
		Meter:  meter,
		Logger: global.GetLoggerProvider().Logger(scopeName),
		Cost:   NewCostCalculator(pricing),
	}

	counters := []struct {
		dst        *metric.Int64Counter
		name, desc string
		unit       string
	}{
		{&inst.TokenUsage, "llm.token.usage", "Total tokens consumed", "{token}"},
		{&inst.LLMRequests, "llm.requests", "LLM request count", "{request}"},
		{&inst.ToolExecutions, "tool.executions", "Tool execution count", "{execution}"},
		{&inst.CodeExecutions, "code.executions", "Code execution count by outcome", "{execution}"},
		{&inst.AgentRuns, "agent.runs", "Agent run count by terminal state", "{run}"},
		{&inst.Steps, "agent.steps", "Action steps by outcome", "{step}"},
		{&inst.ControlRequests, "agent.control_requests", "Control requests raised to the driver", "{request}"},
		{&inst.Advisories, "agent.advisories", "Repetition and goal-drift advisories", "{advisory}"},
		{&inst.Delegations, "agent.delegations", "Completed sub-agent delegations", "{delegation}"},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
		*c.dst = ctr
	}

	histograms := []struct {
		dst        *metric.Float64Histogram
		name, desc string
	}{
		{&inst.LLMDuration, "llm.duration", "LLM call duration"},
		{&inst.ToolDuration, "tool.duration", "Tool execution duration"},
		{&inst.CodeDuration, "code.duration", "Code execution duration"},
		{&inst.AgentDuration, "agent.duration", "Agent run duration"},
	}
	for _, h := range histograms {
		hist, err := meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("ms"))
		if err != nil {
			return nil, err
		}
		*h.dst = hist
	}

	costTotal, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative LLM cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}
	inst.CostTotal = costTotal

	return inst, nil
}

// emit writes one structured log record.
func (inst *Instruments) emit(ctx context.Context, sev otellog.Severity, body string, attrs ...otellog.KeyValue) {
	var rec otellog.Record
	rec.SetSeverity(sev)
	rec.SetBody(otellog.StringValue(body))
	rec.AddAttributes(attrs...)
	inst.Logger.Emit(ctx, rec)
}
