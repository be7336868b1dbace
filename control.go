package lagoon

import (
	"context"
	"fmt"
	"strings"
)

// Yield is a value handed to the session driver when a run suspends. The set
// of implementations is closed: *ActionStep and *PlanningStep at step
// boundaries, *UserInputRequest, *ConfirmationRequest and *SubAgentQuery when
// a tool needs an answer, and *RunResult when the run has finished.
type Yield interface {
	yield()
}

func (*ActionStep) yield()   {}
func (*PlanningStep) yield() {}
func (*RunResult) yield()    {}

// ControlRequest is a question raised by a tool that the driver must answer
// before the run can continue.
type ControlRequest interface {
	Yield
	// RequestID identifies the request. A response must echo it.
	RequestID() string
	// Kind names the request type.
	Kind() RequestKind
	// Describe returns a one-line human readable summary.
	Describe() string
}

// RequestKind names a ControlRequest type.
type RequestKind string

const (
	RequestUserInput    RequestKind = "user_input"
	RequestConfirmation RequestKind = "confirmation"
	RequestSubAgent     RequestKind = "sub_agent_query"
)

// UserInputRequest asks for free-form input, optionally from a set of options.
// Default is the answer used when the driver has nothing better to give.
type UserInputRequest struct {
	ID      string         `json:"id"`
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context,omitempty"`
	Options []string       `json:"options,omitempty"`
	Default string         `json:"default,omitempty"`
}

// ConfirmationRequest asks the driver to approve or deny an action.
type ConfirmationRequest struct {
	ID           string `json:"id"`
	Action       string `json:"action"`
	Consequences string `json:"consequences,omitempty"`
	Reversible   bool   `json:"reversible"`
}

// SubAgentQuery carries a control request raised inside a delegated agent.
// Agent names the agent that originally raised the request; Path lists the
// delegation chain from the outermost delegated agent down to Agent. Inner
// holds the request one level down, so the innermost concrete request is
// reached by following Inner until it is not a SubAgentQuery.
type SubAgentQuery struct {
	ID      string         `json:"id"`
	Agent   string         `json:"agent"`
	Path    []string       `json:"path"`
	Query   string         `json:"query"`
	Options []string       `json:"options,omitempty"`
	Default string         `json:"default,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	Inner   ControlRequest `json:"-"`
}

func (r *UserInputRequest) RequestID() string    { return r.ID }
func (r *ConfirmationRequest) RequestID() string { return r.ID }
func (r *SubAgentQuery) RequestID() string       { return r.ID }

func (*UserInputRequest) Kind() RequestKind    { return RequestUserInput }
func (*ConfirmationRequest) Kind() RequestKind { return RequestConfirmation }
func (*SubAgentQuery) Kind() RequestKind       { return RequestSubAgent }

func (r *UserInputRequest) Describe() string { return r.Prompt }

func (r *ConfirmationRequest) Describe() string {
	s := "confirm: " + r.Action
	if r.Consequences != "" {
		s += " (" + r.Consequences + ")"
	}
	if !r.Reversible {
		s += " [irreversible]"
	}
	return s
}

func (r *SubAgentQuery) Describe() string {
	return fmt.Sprintf("%s: %s", strings.Join(r.Path, " > "), r.Query)
}

func (*UserInputRequest) yield()    {}
func (*ConfirmationRequest) yield() {}
func (*SubAgentQuery) yield()       {}

// Innermost follows SubAgentQuery.Inner to the concrete request that was
// originally raised.
func Innermost(r ControlRequest) ControlRequest {
	for {
		q, ok := r.(*SubAgentQuery)
		if !ok || q.Inner == nil {
			return r
		}
		r = q.Inner
	}
}

// Decision is the driver's answer to a control request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	// DecisionValue answers a UserInputRequest or SubAgentQuery with Value.
	DecisionValue Decision = "value"
)

// ControlResponse answers a pending ControlRequest.
type ControlResponse struct {
	RequestID string   `json:"request_id"`
	Decision  Decision `json:"decision"`
	Value     any      `json:"value,omitempty"`

	// err fails the request instead of answering it. Set by in-package
	// drivers that cannot answer.
	err error
}

// failResponse builds a response that makes RequestControl return err.
func failResponse(id string, err error) *ControlResponse {
	return &ControlResponse{RequestID: id, err: err}
}

// controller answers control requests raised by tools. A running Session is
// the only implementation; it is carried in the context handed to tools.
type controller interface {
	request(ctx context.Context, req ControlRequest) (ControlResponse, error)
}

type controllerKey struct{}

func withController(ctx context.Context, c controller) context.Context {
	return context.WithValue(ctx, controllerKey{}, c)
}

// RequestControl suspends the running session until the driver answers req.
// Tools call it with the context they were invoked with. Requests raised
// concurrently by parallel tools are yielded one at a time.
func RequestControl(ctx context.Context, req ControlRequest) (ControlResponse, error) {
	c, ok := ctx.Value(controllerKey{}).(controller)
	if !ok {
		return ControlResponse{}, ErrNoControlHandler
	}
	return c.request(ctx, req)
}

// Confirm asks the driver to approve an action. It returns nil when approved
// and ErrDenied when denied.
//
//	if err := lagoon.Confirm(ctx, "drop table users", "all rows are lost", false); err != nil {
//		return nil, err
//	}
func Confirm(ctx context.Context, action, consequences string, reversible bool) error {
	req := &ConfirmationRequest{ID: NewID(), Action: action, Consequences: consequences, Reversible: reversible}
	resp, err := RequestControl(ctx, req)
	if err != nil {
		return err
	}
	if resp.Decision != DecisionApprove {
		return ErrDenied
	}
	return nil
}

// AskUser asks the driver for free-form input and returns the answer.
func AskUser(ctx context.Context, prompt string, options ...string) (string, error) {
	return Ask(ctx, &UserInputRequest{Prompt: prompt, Options: options})
}

// Ask raises req and returns the answer. An empty ID is filled in. A value
// response without a value yields req.Default.
func Ask(ctx context.Context, req *UserInputRequest) (string, error) {
	if req.ID == "" {
		req.ID = NewID()
	}
	resp, err := RequestControl(ctx, req)
	if err != nil {
		return "", err
	}
	if resp.Decision == DecisionDeny {
		return "", ErrDenied
	}
	if resp.Value == nil {
		return req.Default, nil
	}
	return FormatValue(resp.Value), nil
}
