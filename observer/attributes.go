package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for spans and metrics.
var (
	AttrLLMModel     = attribute.Key("llm.model")
	AttrLLMProvider  = attribute.Key("llm.provider")
	AttrLLMMethod    = attribute.Key("llm.method")
	AttrLLMMessages  = attribute.Key("llm.messages")
	AttrLLMToolCalls = attribute.Key("llm.tool_calls")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrToolCount = attribute.Key("llm.tool_count")

	AttrToolName   = attribute.Key("tool.name")
	AttrToolStatus = attribute.Key("tool.status")

	AttrCodeStatus = attribute.Key("code.status")
	AttrCodeFinal  = attribute.Key("code.final_answer")
	AttrCodeCalls  = attribute.Key("code.tool_calls")

	AttrAgentName    = attribute.Key("agent.name")
	AttrAgentStatus  = attribute.Key("agent.status")
	AttrStepOutcome  = attribute.Key("agent.step.outcome")
	AttrRequestKind  = attribute.Key("agent.request.kind")
	AttrAdvisoryKind = attribute.Key("agent.advisory")

	AttrErrorKind = attribute.Key("error.kind")
)
