package lagoon

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is a named capability the agent can invoke. Args arrive decoded: from
// native tool calls they are the model's JSON arguments, from code they are
// the interpreter values converted to Go (string, int64, float64, bool, nil,
// []any, map[string]any).
//
// Invoke may run concurrently with other tools in the same batch. A tool that
// must not run alongside others implements ExclusiveTool.
type Tool interface {
	Definition() ToolDefinition
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// ExclusiveTool is implemented by tools whose side effects forbid parallel
// execution. A batch containing an exclusive tool runs sequentially.
type ExclusiveTool interface {
	Tool
	Exclusive() bool
}

// ToolFunc is the function signature accepted by NewTool.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

type funcTool struct {
	def ToolDefinition
	fn  ToolFunc
}

// NewTool builds a Tool from a definition and a function.
//
//	add := lagoon.NewTool(lagoon.ToolDefinition{Name: "add"}, func(ctx context.Context, args map[string]any) (any, error) {
//		return lagoon.IntArg(args, "a") + lagoon.IntArg(args, "b"), nil
//	})
func NewTool(def ToolDefinition, fn ToolFunc) Tool {
	return &funcTool{def: def, fn: fn}
}

func (t *funcTool) Definition() ToolDefinition { return t.def }

func (t *funcTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}

// ToolRegistry holds the tools available to an agent and creates batches
// that invoke them. Safe for concurrent use.
type ToolRegistry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	order      []string
	sequential bool
	limiter    *toolLimiter
}

// RegistryOption configures a ToolRegistry.
type RegistryOption func(*ToolRegistry)

// Sequential forces every batch to invoke its calls one at a time, in issue order.
func Sequential() RegistryOption {
	return func(r *ToolRegistry) { r.sequential = true }
}

// NewToolRegistry creates a registry holding tools.
func NewToolRegistry(tools []Tool, opts ...RegistryOption) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	for _, opt := range opts {
		opt(r)
	}
	for _, t := range tools {
		r.Add(t)
	}
	return r
}

// Add registers a tool. A later tool with the same name replaces the earlier one.
func (r *ToolRegistry) Add(t Tool) {
	name := t.Definition().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get returns the tool registered under name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Definitions returns the definitions of all registered tools in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, n := range r.order {
		defs = append(defs, r.tools[n].Definition())
	}
	return defs
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// invoke runs one call with panic recovery and the registry's limits applied.
func (r *ToolRegistry) invoke(ctx context.Context, call ToolCall) (v any, err error) {
	t, ok := r.Get(call.Name)
	if !ok {
		return nil, &ToolError{Tool: call.Name, CallID: call.ID, Err: ErrUnknownTool}
	}
	if r.limiter != nil {
		release, lerr := r.limiter.acquire(ctx, call.Name)
		if lerr != nil {
			return nil, &ToolError{Tool: call.Name, CallID: call.ID, Err: lerr}
		}
		defer release()
	}
	defer func() {
		if p := recover(); p != nil {
			v, err = nil, &ToolError{Tool: call.Name, CallID: call.ID, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	v, err = t.Invoke(ctx, call.Args)
	if err != nil {
		return nil, &ToolError{Tool: call.Name, CallID: call.ID, Err: err}
	}
	return v, nil
}

func (r *ToolRegistry) exclusive(name string) bool {
	t, ok := r.Get(name)
	if !ok {
		return false
	}
	x, ok := t.(ExclusiveTool)
	return ok && x.Exclusive()
}

// --- argument helpers ---

// StringArg returns args[key] as a string, or "" when absent or not a string.
func StringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// IntArg returns args[key] as an int64. Integral float64 values (as produced
// by JSON decoding) are accepted. Other types yield 0.
func IntArg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// FloatArg returns args[key] as a float64. Integers are widened.
func FloatArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}
