package lagoon

import (
	"context"
	"time"
)

// CodeExecutor runs model-written code in a sandbox. Implementations control
// the language and runtime; the code package provides a Starlark interpreter.
//
// Tool calls made from code must go through req.Tools so they are batched and
// recorded on the action step. Execute never returns a Go error: every failure
// is reported in ExecutionResult.Err with a machine-readable kind.
type CodeExecutor interface {
	Execute(ctx context.Context, req CodeRequest) ExecutionResult
}

// StateResetter is implemented by executors that keep state across
// executions. The agent calls ResetState when it starts a fresh run.
type StateResetter interface {
	ResetState()
}

// CodeRequest is the input to CodeExecutor.Execute.
type CodeRequest struct {
	// Code is the source to execute.
	Code string `json:"code"`
	// Tools is the batch tool calls are registered on. Nil means the code
	// runs without access to tools.
	Tools *ToolBatch `json:"-"`
	// Limits bounds the execution. Zero fields fall back to the executor's defaults.
	Limits Limits `json:"limits"`
}

// Limits bounds one code execution.
type Limits struct {
	// MaxOperations caps interpreter steps. Zero means executor default.
	MaxOperations uint64 `toml:"max_operations" json:"max_operations,omitempty"`
	// MaxOutputBytes caps captured print output. Zero means executor default.
	MaxOutputBytes int `toml:"max_output_bytes" json:"max_output_bytes,omitempty"`
	// Timeout is the wall-clock bound. Zero means executor default.
	Timeout time.Duration `toml:"timeout" json:"timeout,omitempty"`
}

// Merge returns l with zero fields filled from def.
func (l Limits) Merge(def Limits) Limits {
	if l.MaxOperations == 0 {
		l.MaxOperations = def.MaxOperations
	}
	if l.MaxOutputBytes == 0 {
		l.MaxOutputBytes = def.MaxOutputBytes
	}
	if l.Timeout == 0 {
		l.Timeout = def.Timeout
	}
	return l
}

// ExecutionResult is the outcome of CodeExecutor.Execute.
type ExecutionResult struct {
	// Success is true when the code ran to completion or produced a final answer.
	Success bool `json:"success"`
	// Output is the final answer when IsFinalAnswer is set, otherwise the
	// value of the trailing expression (nil when there is none).
	Output any `json:"output,omitempty"`
	// Logs captures print() output, possibly truncated.
	Logs string `json:"logs,omitempty"`
	// IsFinalAnswer is set when the code called final_answer.
	IsFinalAnswer bool `json:"is_final_answer"`
	// Err describes the failure when Success is false.
	Err *ExecError `json:"error,omitempty"`
	// Duration is the wall-clock execution time.
	Duration time.Duration `json:"duration"`
}

// ErrorKind classifies an execution failure.
type ErrorKind string

const (
	ErrSyntax         ErrorKind = "syntax_error"
	ErrRuntime        ErrorKind = "runtime_error"
	ErrTool           ErrorKind = "tool_error"
	ErrOperationLimit ErrorKind = "operation_limit_exceeded"
	ErrOutputLimit    ErrorKind = "output_limit_exceeded"
	ErrTimeout        ErrorKind = "timeout"
	ErrCancelled      ErrorKind = "cancelled"
	ErrForbidden      ErrorKind = "forbidden"
)

// ExecError describes a failed execution.
type ExecError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// Cause is the underlying Go error, when there is one (a *ToolError for
	// tool failures). It is not serialized.
	Cause error `json:"-"`
}

func (e *ExecError) Error() string { return string(e.Kind) + ": " + e.Message }

func (e *ExecError) Unwrap() error { return e.Cause }
