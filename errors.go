package lagoon

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMaxStepsReached is set on RunResult.Err when the step budget runs
	// out before a final answer is produced.
	ErrMaxStepsReached = errors.New("max steps reached")

	// ErrControlUnanswerable means a control request reached a driver that
	// cannot answer it (sync mode without a handler, or a denied policy).
	// The run ends in the error state.
	ErrControlUnanswerable = errors.New("control request cannot be answered")

	// ErrDenied is returned by Confirm when the caller denies the action.
	ErrDenied = errors.New("action denied")

	// ErrSessionDone is returned by Resume after the session yielded its RunResult.
	ErrSessionDone = errors.New("session already completed")

	// ErrSessionClosed is returned to a suspended run when its session is
	// closed without an answer.
	ErrSessionClosed = errors.New("session closed")

	// ErrResponseMismatch is returned by Resume when the response does not
	// answer the pending control request. The session state is unchanged.
	ErrResponseMismatch = errors.New("response does not match pending request")

	// ErrAgentBusy is returned when Start is called on an agent that is
	// already running. An agent's memory belongs to one run at a time.
	ErrAgentBusy = errors.New("agent is already running")

	// ErrUnknownTool is wrapped in a ToolError when a call names a tool that
	// is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrNoControlHandler is returned by RequestControl when ctx carries no
	// running session.
	ErrNoControlHandler = errors.New("no control handler in context")

	// ErrRunNotFound is returned by TranscriptStore.GetRun for an unknown id.
	ErrRunNotFound = errors.New("run not found")
)

// ErrLLM reports a provider-level failure that is not an HTTP status.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is returned by providers for non-2xx responses. RetryAfter carries
// the parsed Retry-After header, or zero.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ModelError wraps a failed model invocation. It is always fatal to the run.
type ModelError struct {
	Provider string
	Step     int
	Err      error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s failed at step %d: %v", e.Provider, e.Step, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// ToolError wraps a failed tool invocation. The failure is reported to the
// model as an observation; the run continues unless Err wraps a fatal cause.
type ToolError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// StepError is the error recorded on a step. Kind is one of the ErrorKind
// values for execution failures, or "model", "parse", "rejected", "control".
type StepError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *StepError) Error() string { return e.Kind + ": " + e.Message }

// isFatal reports whether err must end the run instead of being fed back to
// the model as an observation. Cancellation is fatal only when the run's own
// ctx is done; a tool that times out its own work is an ordinary tool error.
// A sub-agent's model failure stays inside its DelegationError; control
// failures cross the boundary.
func isFatal(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, ErrControlUnanswerable) || errors.Is(err, ErrSessionClosed) {
		return true
	}
	var de *DelegationError
	if errors.As(err, &de) {
		return false
	}
	var me *ModelError
	return errors.As(err, &me)
}
