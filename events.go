package lagoon

import (
	"context"
	"time"
)

// EventType identifies the kind of observability event.
type EventType string

const (
	// EventStepStarted signals the loop is about to call the model for an action.
	EventStepStarted EventType = "step-started"
	// EventStepCompleted carries a finished action step.
	EventStepCompleted EventType = "step-completed"
	// EventPlanningCompleted carries a finished planning step.
	EventPlanningCompleted EventType = "planning-completed"
	// EventToolCompleted carries the result of one tool call.
	EventToolCompleted EventType = "tool-completed"
	// EventControlRequest signals a tool raised a control request.
	EventControlRequest EventType = "control-request-raised"
	// EventError carries a recoverable or fatal step error.
	EventError EventType = "error"
	// EventFinalAnswer signals the run produced its final answer.
	EventFinalAnswer EventType = "final-answer-produced"
	// EventRepetition flags an action repeated within the detection window.
	EventRepetition EventType = "repetition-detected"
	// EventGoalDrift flags recent observations unrelated to the task.
	EventGoalDrift EventType = "goal-drift-detected"
	// EventSubAgentCompleted carries the record of a finished delegation.
	EventSubAgentCompleted EventType = "sub-agent-completed"
	// EventRunCompleted carries the run's final result.
	EventRunCompleted EventType = "run-completed"
)

// Event is emitted to the agent's EventHandler. Only the fields relevant to
// Type are set.
type Event struct {
	Type     EventType
	Agent    string
	RunID    string
	Step     int
	Time     time.Time
	Action   *ActionStep
	Plan     *PlanningStep
	Tool     *ToolCallResult
	Request  ControlRequest
	Record   *DelegationRecord
	Result   *RunResult
	Err      error
	Duration time.Duration
}

// EventHandler receives events synchronously from the run goroutine (tool
// events arrive from batch workers). Handlers must be fast and safe for
// concurrent use.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// EventFunc adapts a function into an EventHandler.
type EventFunc func(ctx context.Context, ev Event)

func (f EventFunc) HandleEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// MultiHandler fans events out to several handlers in order.
func MultiHandler(hs ...EventHandler) EventHandler {
	return EventFunc(func(ctx context.Context, ev Event) {
		for _, h := range hs {
			h.HandleEvent(ctx, ev)
		}
	})
}

// runScope is carried in the run context so code deeper in the call stack
// (tools, delegation bridges) can attribute events to the run.
type runScope struct {
	agent *Agent
	runID string
	step  func() int
}

type runScopeKey struct{}

func withRunScope(ctx context.Context, sc *runScope) context.Context {
	return context.WithValue(ctx, runScopeKey{}, sc)
}

func runScopeFrom(ctx context.Context) *runScope {
	sc, _ := ctx.Value(runScopeKey{}).(*runScope)
	return sc
}

// emit stamps ev with the run identity from ctx and delivers it.
func (a *Agent) emit(ctx context.Context, ev Event) {
	if a.cfg.events == nil {
		return
	}
	if ev.Agent == "" {
		ev.Agent = a.name
	}
	if sc := runScopeFrom(ctx); sc != nil && sc.agent == a {
		if ev.RunID == "" {
			ev.RunID = sc.runID
		}
		if ev.Step == 0 && sc.step != nil {
			ev.Step = sc.step()
		}
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	a.cfg.events.HandleEvent(ctx, ev)
}
