package lagoon

import (
	"context"
	"sync"
	"time"
)

// maxParallelDispatch caps the number of concurrent tool invocations in one
// batch to avoid overwhelming external services with unbounded parallelism.
const maxParallelDispatch = 10

// FutureState is the lifecycle state of a ToolFuture.
type FutureState int

const (
	FutureUnresolved FutureState = iota
	FutureResolved
	FutureFailed
)

func (s FutureState) String() string {
	switch s {
	case FutureResolved:
		return "resolved"
	case FutureFailed:
		return "failed"
	}
	return "unresolved"
}

// ToolFuture is the deferred result of a tool call issued through a batch.
// It transitions exactly once from unresolved to resolved or failed, and only
// as part of a whole-batch resolution.
type ToolFuture struct {
	batch *ToolBatch
	call  ToolCall

	mu       sync.Mutex
	state    FutureState
	value    any
	err      error
	duration time.Duration
}

// Call returns the tool call this future stands for.
func (f *ToolFuture) Call() ToolCall { return f.call }

// State returns the current lifecycle state.
func (f *ToolFuture) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Value returns the tool's result, resolving the owning batch first if this
// future is still unresolved. A failed future returns its captured error on
// every access.
func (f *ToolFuture) Value(ctx context.Context) (any, error) {
	if f.State() == FutureUnresolved {
		f.batch.Resolve(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

func (f *ToolFuture) settle(v any, err error, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FutureUnresolved {
		return
	}
	f.duration = d
	if err != nil {
		f.state, f.err = FutureFailed, err
		return
	}
	f.state, f.value = FutureResolved, v
}

// ToolCallResult is the settled outcome of one call in a batch.
type ToolCallResult struct {
	Call     ToolCall      `json:"call"`
	Value    any           `json:"value,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// BatchOption configures a ToolBatch.
type BatchOption func(*ToolBatch)

// OnToolResult registers a callback invoked after each call settles. It may
// be called from worker goroutines.
func OnToolResult(fn func(ctx context.Context, r ToolCallResult)) BatchOption {
	return func(b *ToolBatch) { b.onResult = fn }
}

// ToolBatch collects tool calls issued during one action and resolves them
// together. Calls are registered with Invoke, which returns immediately; the
// first Resolve (triggered explicitly or by any future's Value) dispatches
// every pending call in parallel and returns only after all of them settle.
//
// A batch belongs to a single action execution. Safe for concurrent use.
type ToolBatch struct {
	registry *ToolRegistry
	onResult func(ctx context.Context, r ToolCallResult)

	mu      sync.Mutex
	pending []*ToolFuture
	all     []*ToolFuture

	resolveMu sync.Mutex
}

// NewBatch creates an empty batch over the registry's tools.
func (r *ToolRegistry) NewBatch(opts ...BatchOption) *ToolBatch {
	b := &ToolBatch{registry: r}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry returns the registry the batch invokes tools from.
func (b *ToolBatch) Registry() *ToolRegistry { return b.registry }

// Invoke registers a call and returns its unresolved future.
func (b *ToolBatch) Invoke(name string, args map[string]any) *ToolFuture {
	return b.InvokeCall(ToolCall{ID: NewID(), Name: name, Args: args})
}

// InvokeCall registers a call that already carries an ID (e.g. a native tool
// call from the model).
func (b *ToolBatch) InvokeCall(call ToolCall) *ToolFuture {
	if call.ID == "" {
		call.ID = NewID()
	}
	f := &ToolFuture{batch: b, call: call}
	b.mu.Lock()
	b.pending = append(b.pending, f)
	b.all = append(b.all, f)
	b.mu.Unlock()
	return f
}

// Pending returns the number of registered calls not yet dispatched.
func (b *ToolBatch) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Resolve dispatches every pending call and blocks until each has settled.
// Calling it again with nothing pending is a no-op. Individual failures are
// captured in their futures; one failing call never prevents the others
// from resolving.
//
// When ctx is cancelled, calls that have not started fail with ctx.Err().
// Resolve still waits for in-flight calls to return before it does.
func (b *ToolBatch) Resolve(ctx context.Context) {
	b.resolveMu.Lock()
	defer b.resolveMu.Unlock()

	b.mu.Lock()
	work := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(work) == 0 {
		return
	}

	if len(work) == 1 || b.sequential(work) {
		for _, f := range work {
			b.run(ctx, f)
		}
		return
	}

	workCh := make(chan *ToolFuture, len(work))
	for _, f := range work {
		workCh <- f
	}
	close(workCh)

	var wg sync.WaitGroup
	numWorkers := min(len(work), maxParallelDispatch)
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for f := range workCh {
				b.run(ctx, f)
			}
		}()
	}
	wg.Wait()
}

func (b *ToolBatch) sequential(work []*ToolFuture) bool {
	if b.registry.sequential {
		return true
	}
	for _, f := range work {
		if b.registry.exclusive(f.call.Name) {
			return true
		}
	}
	return false
}

func (b *ToolBatch) run(ctx context.Context, f *ToolFuture) {
	start := time.Now()
	var (
		v   any
		err error
	)
	if cerr := ctx.Err(); cerr != nil {
		err = &ToolError{Tool: f.call.Name, CallID: f.call.ID, Err: cerr}
	} else {
		v, err = b.registry.invoke(ctx, f.call)
	}
	d := time.Since(start)
	f.settle(v, err, d)
	if b.onResult != nil {
		b.onResult(ctx, ToolCallResult{Call: f.call, Value: v, Err: err, Duration: d})
	}
}

// Calls returns every call registered on the batch, in issue order.
func (b *ToolBatch) Calls() []ToolCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	calls := make([]ToolCall, len(b.all))
	for i, f := range b.all {
		calls[i] = f.call
	}
	return calls
}

// Results returns the settled outcome of every resolved or failed call, in
// issue order. Unresolved calls are omitted.
func (b *ToolBatch) Results() []ToolCallResult {
	b.mu.Lock()
	all := make([]*ToolFuture, len(b.all))
	copy(all, b.all)
	b.mu.Unlock()

	var out []ToolCallResult
	for _, f := range all {
		f.mu.Lock()
		if f.state != FutureUnresolved {
			out = append(out, ToolCallResult{Call: f.call, Value: f.value, Err: f.err, Duration: f.duration})
		}
		f.mu.Unlock()
	}
	return out
}
