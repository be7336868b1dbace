package lagoon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// --- Provider mocks (shared across loop, session, sync, delegate tests) ---

// scriptProvider returns pre-configured replies in order and records every
// request it receives. Safe for concurrent use.
type scriptProvider struct {
	mu      sync.Mutex
	replies []scriptReply
	reqs    []ChatRequest
}

type scriptReply struct {
	resp ChatResponse
	err  error
}

func script(replies ...scriptReply) *scriptProvider {
	return &scriptProvider{replies: replies}
}

// reply is a model response costing 10 input and 5 output tokens.
func reply(content string, calls ...ToolCall) scriptReply {
	return scriptReply{resp: ChatResponse{Content: content, ToolCalls: calls, Usage: Usage{InputTokens: 10, OutputTokens: 5}}}
}

func failReply(err error) scriptReply { return scriptReply{err: err} }

// codeReply wraps code in a fenced block the way a model would.
func codeReply(code string) scriptReply {
	return reply("Thought: let me compute this.\n```py\n" + code + "\n```")
}

func finalCall(answer any) ToolCall {
	return ToolCall{ID: NewID(), Name: finalAnswerTool, Args: map[string]any{"answer": answer}}
}

func call(name string, args map[string]any) ToolCall {
	return ToolCall{ID: NewID(), Name: name, Args: args}
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := len(p.reqs)
	p.reqs = append(p.reqs, req)
	if i >= len(p.replies) {
		return ChatResponse{}, errors.New("script exhausted")
	}
	r := p.replies[i]
	return r.resp, r.err
}

func (p *scriptProvider) requests() []ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChatRequest, len(p.reqs))
	copy(out, p.reqs)
	return out
}

var _ Provider = (*scriptProvider)(nil)

// --- Tool mocks ---

func addTool() Tool {
	return NewTool(ToolDefinition{
		Name:        "add",
		Description: "Add two integers",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"]}`),
	}, func(_ context.Context, args map[string]any) (any, error) {
		return IntArg(args, "a") + IntArg(args, "b"), nil
	})
}

func echoTool() Tool {
	return NewTool(ToolDefinition{Name: "echo", Description: "Echo text"}, func(_ context.Context, args map[string]any) (any, error) {
		return StringArg(args, "text"), nil
	})
}

func failTool(err error) Tool {
	return NewTool(ToolDefinition{Name: "fail", Description: "Always fails"}, func(context.Context, map[string]any) (any, error) {
		return nil, err
	})
}

// deleteTool asks for confirmation before "deleting" its path argument.
func deleteTool(reversible bool) Tool {
	return NewTool(ToolDefinition{Name: "delete_file", Description: "Delete a file"}, func(ctx context.Context, args map[string]any) (any, error) {
		path := StringArg(args, "path")
		if err := Confirm(ctx, "delete "+path, "the file is gone", reversible); err != nil {
			return nil, err
		}
		return "deleted " + path, nil
	})
}

func askTool() Tool {
	return NewTool(ToolDefinition{Name: "ask", Description: "Ask the user"}, func(ctx context.Context, args map[string]any) (any, error) {
		return AskUser(ctx, StringArg(args, "question"))
	})
}

// --- CodeExecutor mock ---

// fakeExecutor runs fn for every execution and records the code it was given.
type fakeExecutor struct {
	mu     sync.Mutex
	fn     func(ctx context.Context, req CodeRequest) ExecutionResult
	codes  []string
	resets int
}

func (e *fakeExecutor) Execute(ctx context.Context, req CodeRequest) ExecutionResult {
	e.mu.Lock()
	e.codes = append(e.codes, req.Code)
	e.mu.Unlock()
	return e.fn(ctx, req)
}

func (e *fakeExecutor) ResetState() {
	e.mu.Lock()
	e.resets++
	e.mu.Unlock()
}

func finalResult(v any) ExecutionResult {
	return ExecutionResult{Success: true, Output: v, IsFinalAnswer: true}
}

// --- Event and transcript sinks ---

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) HandleEvent(_ context.Context, ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) count(t EventType) int {
	n := 0
	for _, ev := range l.all() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type memTranscripts struct {
	mu   sync.Mutex
	runs []RunRecord
}

func (m *memTranscripts) SaveRun(_ context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, rec)
	return nil
}

func (m *memTranscripts) GetRun(_ context.Context, id string) (RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return RunRecord{}, fmt.Errorf("get run %s: %w", id, ErrRunNotFound)
}

func (m *memTranscripts) ListRuns(_ context.Context, agent string, limit int) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RunRecord
	for i := len(m.runs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if agent == "" || m.runs[i].Agent == agent {
			out = append(out, m.runs[i])
		}
	}
	return out, nil
}

var _ TranscriptStore = (*memTranscripts)(nil)

// stepKinds lists the kinds of the steps in m.
func stepKinds(m *Memory) []StepKind {
	var kinds []StepKind
	for _, s := range m.Steps() {
		kinds = append(kinds, s.Kind())
	}
	return kinds
}
