package lagoon

import (
	"context"
	"fmt"
)

// ConfirmationPolicy decides confirmation requests when an agent runs
// through Run. Returning an error fails the request; ErrControlUnanswerable
// ends the run.
type ConfirmationPolicy func(ctx context.Context, req *ConfirmationRequest) (Decision, error)

// ApproveReversible approves reversible actions and refuses to decide
// irreversible ones, ending the run. This is the default policy.
func ApproveReversible(_ context.Context, req *ConfirmationRequest) (Decision, error) {
	if req.Reversible {
		return DecisionApprove, nil
	}
	return "", fmt.Errorf("%w: irreversible action %q needs explicit approval", ErrControlUnanswerable, req.Action)
}

// ApproveAll approves every action.
func ApproveAll(context.Context, *ConfirmationRequest) (Decision, error) {
	return DecisionApprove, nil
}

// DenyIrreversible approves reversible actions and denies the rest. The tool
// sees ErrDenied and the run continues.
func DenyIrreversible(_ context.Context, req *ConfirmationRequest) (Decision, error) {
	if req.Reversible {
		return DecisionApprove, nil
	}
	return DecisionDeny, nil
}

// InputHandler answers user input requests when an agent runs through Run.
// Implementations bridge to the actual channel (CLI, chat, HTTP) and must
// block until an answer arrives or ctx is cancelled.
type InputHandler interface {
	RequestInput(ctx context.Context, req *UserInputRequest) (string, error)
}

// InputHandlerFunc adapts a function into an InputHandler.
type InputHandlerFunc func(ctx context.Context, req *UserInputRequest) (string, error)

func (f InputHandlerFunc) RequestInput(ctx context.Context, req *UserInputRequest) (string, error) {
	return f(ctx, req)
}

// Run executes task to completion, answering control requests with the
// agent's ConfirmationPolicy and InputHandler. Requests nested in a
// SubAgentQuery are answered by their innermost request. A request that
// cannot be answered ends the run in the error state with
// ErrControlUnanswerable.
//
// The returned error is non-nil only when the run ended in the error state;
// a run that exhausted its step budget reports ErrMaxStepsReached in
// RunResult.Err with a nil error.
func (a *Agent) Run(ctx context.Context, task Task) (RunResult, error) {
	sess := a.Start(ctx, task)
	defer sess.Close()

	var resp *ControlResponse
	for {
		y, err := sess.Resume(resp)
		if err != nil {
			return RunResult{Agent: a.name, State: RunError, Err: err}, err
		}
		resp = nil
		switch v := y.(type) {
		case *RunResult:
			if v.State == RunError {
				return *v, v.Err
			}
			return *v, nil
		case ControlRequest:
			resp = a.answer(ctx, v)
		}
	}
}

// answer resolves a control request without a human in the loop.
func (a *Agent) answer(ctx context.Context, req ControlRequest) *ControlResponse {
	id := req.RequestID()
	switch r := Innermost(req).(type) {
	case *ConfirmationRequest:
		d, err := a.cfg.confirmPolicy(ctx, r)
		if err != nil {
			return failResponse(id, err)
		}
		return &ControlResponse{RequestID: id, Decision: d}
	case *UserInputRequest:
		if a.cfg.inputHandler == nil {
			if r.Default != "" {
				return &ControlResponse{RequestID: id, Decision: DecisionValue, Value: r.Default}
			}
			return failResponse(id, fmt.Errorf("%w: no input handler for %q", ErrControlUnanswerable, r.Prompt))
		}
		v, err := a.cfg.inputHandler.RequestInput(ctx, r)
		if err != nil {
			return failResponse(id, err)
		}
		return &ControlResponse{RequestID: id, Decision: DecisionValue, Value: v}
	}
	return failResponse(id, fmt.Errorf("%w: %s", ErrControlUnanswerable, req.Describe()))
}
