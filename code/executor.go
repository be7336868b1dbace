package code

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	lagoon "github.com/nevindra/lagoon"
)

// Executor runs model-written Starlark. Each call gets fresh globals; only
// the "state" store survives between calls. Tools on the request's batch are
// bound as builtins that return lazily resolved results.
//
// Executions on one Executor are serialized. Use one Executor per agent.
type Executor struct {
	cfg   execConfig
	mu    sync.Mutex
	state *store
}

// New creates an Executor.
//
//	exec := code.New(code.WithTimeout(10 * time.Second))
//	agent := lagoon.NewAgent("analyst", model, lagoon.WithCodeExecutor(exec))
func New(opts ...Option) *Executor {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{cfg: cfg, state: newStore()}
}

const (
	truncationMarker = "\n[output truncated]"
	resolverName     = "__resolve__"
)

var fileOptions = syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// reserved names cannot be shadowed by tools.
var reserved = map[string]bool{
	"final_answer": true,
	"state":        true,
	"resolve":      true,
	resolverName:   true,
	"json":         true,
	"math":         true,
}

// errFinalAnswer unwinds the interpreter after final_answer is called.
var errFinalAnswer = errors.New("final answer")

// State returns a copy of the persisted store.
func (e *Executor) State() map[string]any { return e.state.snapshot() }

// SetState stores v under key, making it visible to later executions as
// state[key]. v should be plain data (see toStarlark for what converts).
func (e *Executor) SetState(key string, v any) { e.state.set(key, v) }

// ResetState clears the persisted store.
func (e *Executor) ResetState() { e.state.reset() }

// Execute implements lagoon.CodeExecutor.
func (e *Executor) Execute(ctx context.Context, req lagoon.CodeRequest) lagoon.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	limits := req.Limits.Merge(lagoon.Limits{
		MaxOperations:  e.cfg.maxOperations,
		MaxOutputBytes: e.cfg.maxOutput,
		Timeout:        e.cfg.timeout,
	})
	res := e.execute(ctx, req, limits)
	res.Duration = time.Since(start)

	if res.Err != nil {
		e.cfg.logger.Debug("code execution failed",
			"kind", res.Err.Kind,
			"error", res.Err.Message,
			"duration", res.Duration)
	} else {
		e.cfg.logger.Debug("code executed",
			"final", res.IsFinalAnswer,
			"output_bytes", len(res.Logs),
			"duration", res.Duration)
	}
	return res
}

func (e *Executor) execute(parent context.Context, req lagoon.CodeRequest, limits lagoon.Limits) lagoon.ExecutionResult {
	if err := parent.Err(); err != nil {
		return failed(lagoon.ErrCancelled, "execution cancelled", err, "")
	}
	for _, re := range e.cfg.blocked {
		if loc := re.FindStringIndex(req.Code); loc != nil {
			return failed(lagoon.ErrForbidden, fmt.Sprintf("forbidden construct %q", strings.TrimSpace(req.Code[loc[0]:loc[1]])), nil, "")
		}
	}

	f, err := fileOptions.Parse("agent.star", req.Code, 0)
	if err != nil {
		return failed(lagoon.ErrSyntax, err.Error(), nil, "")
	}
	resolveOperands(f)

	var tail syntax.Expr
	if n := len(f.Stmts); n > 0 {
		if es, ok := f.Stmts[n-1].(*syntax.ExprStmt); ok {
			tail = es.X
			f.Stmts = f.Stmts[:n-1]
		}
	}

	ctx := parent
	cancel := context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		ctx, cancel = context.WithTimeoutCause(parent, limits.Timeout, errExecTimeout)
	}
	defer cancel()

	x := &execution{
		ctx:   ctx,
		batch: req.Tools,
		out:   &outputBuffer{max: limits.MaxOutputBytes},
	}
	x.thread = &starlark.Thread{
		Name: "agent",
		Print: func(th *starlark.Thread, msg string) {
			if !x.out.print(msg) {
				x.outputExceeded = true
				th.Cancel("output limit exceeded")
			}
		},
	}
	if limits.MaxOperations > 0 {
		x.thread.SetMaxExecutionSteps(limits.MaxOperations)
	}
	stop := context.AfterFunc(ctx, func() { x.thread.Cancel(context.Cause(ctx).Error()) })
	defer stop()

	predeclared := x.predeclared(e)
	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		// Resolution failures (undefined names, misplaced statements) surface
		// the way the interpreter reports a NameError.
		return failed(lagoon.ErrRuntime, err.Error(), nil, "")
	}

	globals, err := prog.Init(x.thread, predeclared)
	var tailVal starlark.Value
	if err == nil && tail != nil {
		env := make(starlark.StringDict, len(predeclared)+len(globals))
		for k, v := range predeclared {
			env[k] = v
		}
		for k, v := range globals {
			env[k] = v
		}
		tailVal, err = starlark.EvalExprOptions(&fileOptions, x.thread, tail, env)
	}

	// Calls issued but never read still run: tools may have side effects.
	if x.batch != nil && x.batch.Pending() > 0 {
		x.batch.Resolve(ctx)
	}

	logs := x.out.String()
	if x.final {
		return lagoon.ExecutionResult{Success: true, Output: x.answer, Logs: logs, IsFinalAnswer: true}
	}
	if err == nil {
		if x.abortErr != nil {
			err = x.abortErr
		} else {
			var out any
			if tailVal != nil && tailVal != starlark.None {
				out, err = toGo(tailVal)
			}
			if err == nil {
				return lagoon.ExecutionResult{Success: true, Output: out, Logs: logs}
			}
		}
	}
	return x.classify(parent, ctx, err, limits, logs)
}

var errExecTimeout = errors.New("execution timed out")

// classify maps an interpreter failure onto an ExecError kind. Limits are
// checked before tool failures because a cancelled thread may also have
// interrupted a tool.
func (x *execution) classify(parent, ctx context.Context, err error, limits lagoon.Limits, logs string) lagoon.ExecutionResult {
	switch {
	case x.outputExceeded:
		return failed(lagoon.ErrOutputLimit,
			fmt.Sprintf("print output exceeded %d bytes", limits.MaxOutputBytes), nil, logs)
	case limits.MaxOperations > 0 && x.thread.ExecutionSteps() >= limits.MaxOperations:
		return failed(lagoon.ErrOperationLimit,
			fmt.Sprintf("execution exceeded %d operations", limits.MaxOperations), nil, logs)
	case parent.Err() != nil:
		return failed(lagoon.ErrCancelled, "execution cancelled", parent.Err(), logs)
	case errors.Is(context.Cause(ctx), errExecTimeout):
		return failed(lagoon.ErrTimeout,
			fmt.Sprintf("execution exceeded %s", limits.Timeout), errExecTimeout, logs)
	case x.toolErr != nil:
		return failed(lagoon.ErrTool, x.toolErr.Error(), x.toolErr, logs)
	case x.abortErr != nil:
		return failed(lagoon.ErrRuntime, x.abortErr.Error(), nil, logs)
	}
	return failed(lagoon.ErrRuntime, errorMessage(err), nil, logs)
}

func failed(kind lagoon.ErrorKind, msg string, cause error, logs string) lagoon.ExecutionResult {
	return lagoon.ExecutionResult{
		Logs: logs,
		Err:  &lagoon.ExecError{Kind: kind, Message: msg, Cause: cause},
	}
}

// errorMessage renders a Starlark error with its backtrace so the model can
// locate the failing line.
func errorMessage(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}

// execution is the per-call interpreter state.
type execution struct {
	ctx    context.Context
	thread *starlark.Thread
	batch  *lagoon.ToolBatch
	out    *outputBuffer

	final  bool
	answer any

	outputExceeded bool
	toolErr        error // first tool failure observed by the code
	abortErr       error // failure raised where the interpreter cannot return one
}

func (x *execution) noteToolError(err error) {
	var te *lagoon.ToolError
	if x.toolErr == nil && errors.As(err, &te) {
		x.toolErr = err
	}
}

// abort stops the interpreter from a value method that has no error return.
func (x *execution) abort(err error) {
	if x.abortErr == nil {
		x.abortErr = err
	}
	x.noteToolError(err)
	x.thread.Cancel(err.Error())
}

func (x *execution) predeclared(e *Executor) starlark.StringDict {
	resolve := starlark.NewBuiltin("resolve", x.resolveBuiltin)
	env := starlark.StringDict{
		"final_answer": starlark.NewBuiltin("final_answer", x.finalAnswer),
		"state":        &stateValue{s: e.state},
		"resolve":      resolve,
		resolverName:   resolve,
		"json":         starlarkjson.Module,
		"math":         starlarkmath.Module,
	}
	for name, b := range resolvers {
		env[name] = b
	}
	if x.batch == nil || x.batch.Registry() == nil {
		return env
	}
	for _, def := range x.batch.Registry().Definitions() {
		if reserved[def.Name] {
			e.cfg.logger.Warn("tool name shadows a builtin, skipping", "tool", def.Name)
			continue
		}
		env[def.Name] = x.toolBuiltin(def)
	}
	return env
}

func (x *execution) finalAnswer(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "answer", &v); err != nil {
		return nil, err
	}
	answer, err := toGo(v)
	if err != nil {
		return nil, err
	}
	x.final, x.answer = true, answer
	return nil, errFinalAnswer
}

// resolveBuiltin returns the concrete value behind a tool result. Other
// values pass through unchanged.
func (x *execution) resolveBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	if fv, ok := v.(*future); ok {
		return fv.resolve()
	}
	return v, nil
}

// toolBuiltin binds a tool. Positional arguments map onto the tool's
// parameters in ParamNames order; keyword arguments map by name.
func (x *execution) toolBuiltin(def lagoon.ToolDefinition) *starlark.Builtin {
	params := def.ParamNames()
	return starlark.NewBuiltin(def.Name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) > len(params) {
			return nil, fmt.Errorf("%s: got %d positional arguments, want at most %d", b.Name(), len(args), len(params))
		}
		callArgs := make(map[string]any, len(args)+len(kwargs))
		for i, a := range args {
			v, err := toGo(a)
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", b.Name(), params[i], err)
			}
			callArgs[params[i]] = v
		}
		for _, kv := range kwargs {
			name := string(kv[0].(starlark.String))
			if _, dup := callArgs[name]; dup {
				return nil, fmt.Errorf("%s: got multiple values for parameter %s", b.Name(), name)
			}
			v, err := toGo(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", b.Name(), name, err)
			}
			callArgs[name] = v
		}
		return &future{f: x.batch.Invoke(def.Name, callArgs), exec: x}, nil
	})
}

// resolveOperands wraps both operands of every comparison and membership test
// in a resolver call, so tool results compare by value.
func resolveOperands(f *syntax.File) {
	syntax.Walk(f, func(n syntax.Node) bool {
		b, ok := n.(*syntax.BinaryExpr)
		if !ok {
			return true
		}
		switch b.Op {
		case syntax.EQL, syntax.NEQ, syntax.LT, syntax.GT, syntax.LE, syntax.GE, syntax.IN, syntax.NOT_IN:
			b.X = resolverCall(b.X)
			b.Y = resolverCall(b.Y)
		}
		return true
	})
}

func resolverCall(e syntax.Expr) syntax.Expr {
	start, end := e.Span()
	return &syntax.CallExpr{
		Fn:     &syntax.Ident{NamePos: start, Name: resolverName},
		Lparen: start,
		Args:   []syntax.Expr{e},
		Rparen: end,
	}
}

// outputBuffer collects print output up to max bytes.
type outputBuffer struct {
	buf      strings.Builder
	max      int
	exceeded bool
}

// print appends msg and a newline. It returns false once the limit is hit,
// after writing what fits and the truncation marker.
func (b *outputBuffer) print(msg string) bool {
	if b.exceeded {
		return false
	}
	line := msg + "\n"
	if b.max > 0 && b.buf.Len()+len(line) > b.max {
		if rem := b.max - b.buf.Len(); rem > 0 {
			b.buf.WriteString(line[:rem])
		}
		b.buf.WriteString(truncationMarker)
		b.exceeded = true
		return false
	}
	b.buf.WriteString(line)
	return true
}

func (b *outputBuffer) String() string { return strings.ToValidUTF8(b.buf.String(), "") }

// compile-time checks
var (
	_ lagoon.CodeExecutor  = (*Executor)(nil)
	_ lagoon.StateResetter = (*Executor)(nil)
)
