package lagoon

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// DelegationRecord describes one finished delegation to a sub-agent.
type DelegationRecord struct {
	Agent    string        `json:"agent"`
	Task     string        `json:"task"`
	State    RunState      `json:"state"`
	Output   any           `json:"output,omitempty"`
	Steps    int           `json:"steps"`
	Usage    Usage         `json:"usage"`
	Duration time.Duration `json:"duration"`
	Requests int           `json:"requests"`
	Err      string        `json:"error,omitempty"`
}

// DelegationError is returned by a delegated agent tool when the sub-agent
// run does not end in success.
type DelegationError struct {
	Agent string
	State RunState
	Err   error
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("sub-agent %s ended in %s: %v", e.Agent, e.State, e.Err)
}

func (e *DelegationError) Unwrap() error { return e.Err }

type delegateTool struct {
	agent *Agent
	def   ToolDefinition
}

// AsTool exposes agent as a tool named after it. The tool takes a single
// "task" argument, runs the agent in a session of its own, and returns its
// final output.
//
// Control requests raised inside the sub-agent are forwarded to the calling
// session wrapped in a SubAgentQuery that names the originating agent and
// the delegation path; the answer is routed back down unchanged except for
// its RequestID.
func AsTool(agent *Agent) Tool {
	desc := agent.Description()
	if desc == "" {
		desc = "Delegate a task to the " + agent.Name() + " agent."
	}
	return &delegateTool{
		agent: agent,
		def: ToolDefinition{
			Name:        agent.Name(),
			Description: desc,
			Parameters:  json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"The task for the agent, with all the context it needs."}},"required":["task"]}`),
		},
	}
}

func (d *delegateTool) Definition() ToolDefinition { return d.def }

// Exclusive keeps delegations out of parallel batches: a sub-agent owns its
// memory and can only run once at a time.
func (d *delegateTool) Exclusive() bool { return true }

func (d *delegateTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	task := StringArg(args, "task")
	if task == "" {
		return nil, fmt.Errorf("missing task for agent %s", d.agent.Name())
	}

	sess := d.agent.Start(ctx, Task{Input: task})
	defer sess.Close()

	rec := DelegationRecord{Agent: d.agent.Name(), Task: task}
	var resp *ControlResponse
	for {
		y, err := sess.Resume(resp)
		if err != nil {
			return nil, err
		}
		resp = nil
		switch v := y.(type) {
		case *RunResult:
			rec.State, rec.Output, rec.Steps = v.State, v.Output, v.Steps
			rec.Usage, rec.Duration = v.Usage, v.Duration
			if v.Err != nil {
				rec.Err = v.Err.Error()
			}
			if sc := runScopeFrom(ctx); sc != nil {
				sc.agent.emit(ctx, Event{Type: EventSubAgentCompleted, Record: &rec, Duration: rec.Duration})
			}
			if v.State != RunSuccess {
				return nil, &DelegationError{Agent: d.agent.Name(), State: v.State, Err: v.Err}
			}
			return v.Output, nil
		case ControlRequest:
			rec.Requests++
			up := wrapQuery(d.agent.Name(), v)
			answer, err := RequestControl(ctx, up)
			if err != nil {
				resp = failResponse(v.RequestID(), err)
				continue
			}
			answer.RequestID = v.RequestID()
			resp = &answer
		}
	}
}

// wrapQuery wraps a request raised by the sub-agent named name for the
// calling session. A request that is already a SubAgentQuery keeps its
// originating agent and gains name at the front of its path.
func wrapQuery(name string, r ControlRequest) *SubAgentQuery {
	q := &SubAgentQuery{
		ID:      NewID(),
		Agent:   name,
		Path:    []string{name},
		Inner:   r,
		Context: map[string]any{"original_request_id": r.RequestID()},
	}
	switch v := r.(type) {
	case *SubAgentQuery:
		q.Agent = v.Agent
		q.Path = append([]string{name}, v.Path...)
		q.Query = v.Query
		q.Options = v.Options
		q.Default = v.Default
		maps.Copy(q.Context, v.Context)
	case *UserInputRequest:
		q.Query = v.Prompt
		q.Options = v.Options
		q.Default = v.Default
		for k, val := range v.Context {
			if k != "original_request_id" {
				q.Context[k] = val
			}
		}
	case *ConfirmationRequest:
		q.Query = v.Describe()
		q.Options = []string{string(DecisionApprove), string(DecisionDeny)}
	default:
		q.Query = r.Describe()
	}
	return q
}
