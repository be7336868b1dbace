package lagoon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// finalAnswerTool is the name of the built-in tool that ends a run in
// tool-calling mode, and of the built-in function that ends it in code mode.
const finalAnswerTool = "final_answer"

var finalAnswerDef = ToolDefinition{
	Name:        finalAnswerTool,
	Description: "Provide the final answer to the task and finish.",
	Parameters:  json.RawMessage(`{"type":"object","properties":{"answer":{"description":"The final answer."}},"required":["answer"]}`),
}

// stepOutcome tells the loop how an action step affects control flow.
type stepOutcome struct {
	fatal error
	halt  *ErrHalt
	// skip means the step already has its result (a rejected request or
	// response) and no action must run.
	skip bool
}

func (o stepOutcome) done() bool { return o.fatal != nil || o.halt != nil || o.skip }

// runLoop executes the step state machine for one session:
//
//	Idle -> [Planning] -> Acting -> Evaluating -> (Planning | Acting | Done)
//
// Every recorded step is appended to memory and then yielded to the driver.
// Evaluation ends the run on a final answer, a fatal error, a processor halt,
// or an exhausted step budget; everything else loops.
func (a *Agent) runLoop(ctx context.Context, s *Session) *RunResult {
	start := time.Now()
	runID := NewID()
	task := s.task

	var cur atomic.Int64
	ctx = withController(ctx, s)
	ctx = withRunScope(ctx, &runScope{agent: a, runID: runID, step: func() int { return int(cur.Load()) }})
	ctx, span := a.startSpan(ctx, "agent.run",
		StringAttr("agent.name", a.name),
		StringAttr("run.id", runID),
		IntAttr("agent.max_steps", a.cfg.maxSteps))
	defer span.End()

	if !task.Continue {
		a.mem.Reset()
		if r, ok := a.cfg.executor.(StateResetter); ok {
			r.ResetState()
		}
	}
	// Tools may be added between runs; a continued run keeps its prompt.
	if !task.Continue || a.mem.SystemPrompt() == "" {
		a.mem.SetSystemPrompt(a.systemPrompt())
	}
	a.mem.Append(&TaskStep{Task: task.Input, Attachments: task.Attachments})
	a.logger.Info("run started", "agent", a.name, "run_id", runID, "max_steps", a.cfg.maxSteps)

	var usage Usage
	finish := func(state RunState, output any, err error) *RunResult {
		res := &RunResult{
			ID:       runID,
			Agent:    a.name,
			State:    state,
			Output:   output,
			Steps:    len(a.mem.ActionSteps()),
			Usage:    usage,
			Duration: time.Since(start),
			Err:      err,
		}
		if state == RunSuccess {
			a.mem.Append(&FinalAnswerStep{Output: output})
			a.emit(ctx, Event{Type: EventFinalAnswer, Result: res})
		}
		span.SetAttr(
			StringAttr("run.state", string(state)),
			IntAttr("run.steps", res.Steps),
			IntAttr("llm.input_tokens", usage.InputTokens),
			IntAttr("llm.output_tokens", usage.OutputTokens))
		if err != nil {
			span.Error(err)
		}
		switch state {
		case RunError:
			a.logger.Error("run failed", "agent", a.name, "run_id", runID, "steps", res.Steps, "error", err)
		case RunMaxSteps:
			a.logger.Warn("run exhausted step budget", "agent", a.name, "run_id", runID, "steps", res.Steps)
		default:
			a.logger.Info("run completed", "agent", a.name, "run_id", runID, "steps", res.Steps,
				"duration", res.Duration, "tokens", usage.Total())
		}
		a.saveTranscript(ctx, task, res)
		a.emit(ctx, Event{Type: EventRunCompleted, Result: res, Err: err, Duration: res.Duration})
		return res
	}

	for n := 1; ; n++ {
		cur.Store(int64(n))
		if err := ctx.Err(); err != nil {
			return finish(RunError, nil, err)
		}

		if a.planningDue(n) {
			s.setState(LoopPlanning)
			ps, err := a.plan(ctx, task.Input, n)
			if err != nil {
				return finish(RunError, nil, err)
			}
			usage = usage.Add(ps.Usage)
			a.mem.Append(ps)
			a.emit(ctx, Event{Type: EventPlanningCompleted, Plan: ps, Duration: ps.Duration})
			if _, err := s.yield(ps); err != nil {
				return finish(RunError, nil, err)
			}
		}

		s.setState(LoopActing)
		as, out := a.act(ctx, s, n)
		usage = usage.Add(as.Usage)
		a.mem.Append(as)

		s.setState(LoopEvaluating)
		a.checkHeuristics(ctx, task.Input, as)
		a.emit(ctx, Event{Type: EventStepCompleted, Action: as, Duration: as.Duration})
		if as.Error != nil {
			a.emit(ctx, Event{Type: EventError, Action: as, Err: as.Error})
		}
		if _, err := s.yield(as); err != nil && out.fatal == nil {
			out.fatal = err
		}

		switch {
		case out.fatal != nil:
			return finish(RunError, nil, out.fatal)
		case out.halt != nil:
			return finish(RunSuccess, out.halt.Response, nil)
		case as.IsFinalAnswer:
			return finish(RunSuccess, as.Output, nil)
		case n >= a.cfg.maxSteps:
			return finish(RunMaxSteps, nil, ErrMaxStepsReached)
		}
	}
}

// act performs one action step: model call, then execution of the action.
func (a *Agent) act(ctx context.Context, s *Session, n int) (*ActionStep, stepOutcome) {
	start := time.Now()
	as := &ActionStep{Number: n, StartedAt: start}
	ctx, span := a.startSpan(ctx, "agent.step", IntAttr("step.number", n))
	defer func() {
		as.Duration = time.Since(start)
		span.SetAttr(
			BoolAttr("step.final", as.IsFinalAnswer),
			IntAttr("step.tool_calls", len(as.ToolCalls)),
			DurationAttr("step.duration_ms", as.Duration))
		if as.Error != nil {
			span.SetAttr(StringAttr("step.error_kind", as.Error.Kind))
		}
		span.End()
	}()
	a.emit(ctx, Event{Type: EventStepStarted, Step: n})

	req := ChatRequest{Messages: a.mem.ToMessages(false), Temperature: a.cfg.temperature}
	if a.cfg.executor == nil {
		req.Tools = append(a.tools.Definitions(), finalAnswerDef)
	} else {
		req.StopSequences = []string{"Observation:"}
	}
	if out := a.processorOutcome(a.procs.RunPreLLM(ctx, &req), as); out.done() {
		return as, out
	}
	as.ModelInput = req.Messages

	resp, err := a.provider.Chat(ctx, req)
	if err != nil {
		merr := &ModelError{Provider: a.provider.Name(), Step: n, Err: err}
		as.Error = &StepError{Kind: "model", Message: err.Error()}
		span.Error(merr)
		return as, stepOutcome{fatal: merr}
	}
	as.Usage = resp.Usage
	as.ModelOutput = resp.Content
	if out := a.processorOutcome(a.procs.RunPostLLM(ctx, &resp), as); out.done() {
		return as, out
	}
	as.ModelOutput = resp.Content
	as.ModelToolCalls = resp.ToolCalls

	var out stepOutcome
	if a.cfg.executor != nil {
		out = a.runCode(ctx, as)
	} else {
		out = a.runToolCalls(ctx, as)
	}
	if err := s.fatalErr(); err != nil && out.fatal == nil {
		out.fatal = err
	}

	if err := a.procs.RunPostStep(ctx, as); err != nil {
		var halt *ErrHalt
		if errors.As(err, &halt) && out.fatal == nil {
			out.halt = halt
		} else {
			a.logger.Warn("step processor failed", "agent", a.name, "step", n, "error", err)
		}
	}
	return as, out
}

// processorOutcome maps a processor error onto the step.
func (a *Agent) processorOutcome(err error, as *ActionStep) stepOutcome {
	if err == nil {
		return stepOutcome{}
	}
	var halt *ErrHalt
	if errors.As(err, &halt) {
		a.logger.Info("processor halted run", "agent", a.name, "step", as.Number)
		return stepOutcome{halt: halt}
	}
	var rej *ErrRejected
	if errors.As(err, &rej) {
		as.Error = &StepError{Kind: "rejected", Message: rej.Reason}
		a.logger.Warn("processor rejected step", "agent", a.name, "step", as.Number, "reason", rej.Reason)
		return stepOutcome{skip: true}
	}
	as.Error = &StepError{Kind: "processor", Message: err.Error()}
	return stepOutcome{fatal: err}
}

// newBatch creates a batch that reports every settled call as an event.
func (a *Agent) newBatch() *ToolBatch {
	return a.tools.NewBatch(OnToolResult(func(ctx context.Context, r ToolCallResult) {
		if r.Err != nil {
			a.logger.Warn("tool failed", "agent", a.name, "tool", r.Call.Name, "error", r.Err)
		} else {
			a.logger.Debug("tool completed", "agent", a.name, "tool", r.Call.Name, "duration", r.Duration)
		}
		a.emit(ctx, Event{Type: EventToolCompleted, Tool: &r, Err: r.Err, Duration: r.Duration})
	}))
}

// runCode executes the code block of a code-mode action.
func (a *Agent) runCode(ctx context.Context, as *ActionStep) stepOutcome {
	code, ok := extractCode(as.ModelOutput)
	if !ok {
		as.Error = &StepError{Kind: "parse", Message: missingCodeMessage}
		return stepOutcome{}
	}
	as.Code = code

	batch := a.newBatch()
	ctx, span := a.startSpan(ctx, "code.execute", IntAttr("code.bytes", len(code)))
	res := a.cfg.executor.Execute(ctx, CodeRequest{Code: code, Tools: batch, Limits: a.cfg.limits})
	span.SetAttr(
		BoolAttr("code.success", res.Success),
		IntAttr("tool.count", len(batch.Calls())),
		DurationAttr("code.duration_ms", res.Duration))
	if res.Err != nil {
		span.Error(res.Err)
	}
	span.End()

	as.ToolCalls = batch.Calls()
	as.ToolResults = batch.Results()
	as.Observation = renderObservation(res)
	if res.Err != nil {
		as.Error = &StepError{Kind: string(res.Err.Kind), Message: res.Err.Message}
		if isFatal(ctx, res.Err) {
			return stepOutcome{fatal: res.Err}
		}
		return stepOutcome{}
	}
	as.Output = res.Output
	as.IsFinalAnswer = res.IsFinalAnswer
	return stepOutcome{}
}

func renderObservation(res ExecutionResult) string {
	var b strings.Builder
	if res.Logs != "" {
		b.WriteString("Execution logs:\n")
		b.WriteString(strings.TrimRight(res.Logs, "\n"))
	}
	if res.Output != nil && !res.IsFinalAnswer {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Last output from code snippet:\n")
		b.WriteString(FormatValue(res.Output))
	}
	return b.String()
}

// runToolCalls executes the native tool calls of a tool-calling action.
// A response without tool calls is the final answer.
func (a *Agent) runToolCalls(ctx context.Context, as *ActionStep) stepOutcome {
	if len(as.ModelToolCalls) == 0 {
		as.IsFinalAnswer = true
		as.Output = as.ModelOutput
		return stepOutcome{}
	}

	batch := a.newBatch()
	var final *ToolCall
	for i := range as.ModelToolCalls {
		if as.ModelToolCalls[i].ID == "" {
			as.ModelToolCalls[i].ID = NewID()
		}
		tc := as.ModelToolCalls[i]
		if tc.Name == finalAnswerTool {
			final = &tc
			continue
		}
		batch.InvokeCall(tc)
	}

	ctx, span := a.startSpan(ctx, "tool.batch", IntAttr("tool.count", batch.Pending()))
	batch.Resolve(ctx)
	span.End()

	as.ToolCalls = batch.Calls()
	as.ToolResults = batch.Results()

	var (
		lines []string
		fatal error
	)
	for _, r := range as.ToolResults {
		if r.Err != nil {
			lines = append(lines, fmt.Sprintf("%s: error: %v", r.Call.Name, r.Err))
			if fatal == nil && isFatal(ctx, r.Err) {
				fatal = r.Err
			}
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", r.Call.Name, FormatValue(r.Value)))
	}
	as.Observation = strings.Join(lines, "\n")
	if fatal != nil {
		as.Error = &StepError{Kind: string(ErrTool), Message: fatal.Error()}
		return stepOutcome{fatal: fatal}
	}
	if final != nil {
		as.IsFinalAnswer = true
		as.Output = final.Args["answer"]
	}
	return stepOutcome{}
}

// checkHeuristics flags the newest action for repetition and goal drift.
func (a *Agent) checkHeuristics(ctx context.Context, task string, as *ActionStep) {
	actions := a.mem.ActionSteps()
	if repeated(actions, a.cfg.repetitionWindow) {
		as.Flags.Repetition = true
		a.logger.Warn("repeated action detected", "agent", a.name, "step", as.Number)
		a.emit(ctx, Event{Type: EventRepetition, Action: as})
	}
	if a.cfg.drift != nil && a.cfg.drift.Drifting(task, observations(actions)) {
		as.Flags.GoalDrift = true
		a.logger.Warn("goal drift detected", "agent", a.name, "step", as.Number)
		a.emit(ctx, Event{Type: EventGoalDrift, Action: as})
	}
}
