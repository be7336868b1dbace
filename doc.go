// Package lagoon is an agent execution engine for Go.
//
// An [Agent] runs a task through a bounded sequence of steps. Each step asks
// the configured [Provider] for the next action, executes it, and records the
// outcome in the agent's [Memory]. Actions are either native tool calls or
// code snippets run by a [CodeExecutor]; tool calls issued from code are
// batched into a [ToolBatch] and resolved in parallel on first data access.
//
// # Quick Start
//
//	agent := lagoon.NewAgent("researcher", provider,
//		lagoon.WithTools(search, fetch),
//		lagoon.WithCodeExecutor(code.New()),
//		lagoon.WithMaxSteps(12),
//		lagoon.WithPlanningInterval(4),
//	)
//
//	result, err := agent.Run(ctx, lagoon.Task{Input: "Summarize today's Go release notes"})
//
// # Suspension
//
// [Agent.Start] returns a [Session] that yields at every step boundary and
// whenever a tool raises a [ControlRequest] (confirmation, user input, or a
// nested sub-agent query). The caller answers with [Session.Resume]:
//
//	sess := agent.Start(ctx, lagoon.Task{Input: "clean up old branches"})
//	defer sess.Close()
//
//	var resp *lagoon.ControlResponse
//	for {
//		y, err := sess.Resume(resp)
//		if err != nil {
//			return err
//		}
//		resp = nil
//		switch v := y.(type) {
//		case *lagoon.ConfirmationRequest:
//			resp = &lagoon.ControlResponse{RequestID: v.ID, Decision: lagoon.DecisionApprove}
//		case *lagoon.RunResult:
//			return v.Err
//		}
//	}
//
// [Agent.Run] drives the same session to completion, answering requests with
// the configured [ConfirmationPolicy] and [InputHandler].
//
// # Delegation
//
// [AsTool] exposes an agent as a tool of another agent. Control requests
// raised deep in a delegation chain surface at the top-level session wrapped
// in [SubAgentQuery] values, and a single response is routed back down.
//
// # Included Implementations
//
// Code execution: code (Starlark interpreter with a persistent state store).
// Persistence: store/sqlite (run transcripts).
// Observability: observer (OpenTelemetry tracer, metrics, and event recorder).
// The cmd/sandbox service exposes the code executor over HTTP.
package lagoon
