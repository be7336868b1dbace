package lagoon

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is the ordered log of steps of one agent. It is the only state the
// loop carries between steps: the message list for the next model call is
// rebuilt from it every time.
//
// Memory is owned by a single agent and must not be shared across concurrent
// runs. Methods are safe to call from an observer goroutine while the run is
// suspended.
type Memory struct {
	mu     sync.RWMutex
	system *SystemPromptStep
	steps  []Step
}

// NewMemory returns a memory holding only the given system prompt. An empty
// prompt leaves the memory without one.
func NewMemory(prompt string) *Memory {
	m := &Memory{}
	if prompt != "" {
		m.system = &SystemPromptStep{Prompt: prompt}
	}
	return m
}

// SetSystemPrompt replaces the system prompt. There is at most one.
func (m *Memory) SetSystemPrompt(prompt string) {
	m.mu.Lock()
	m.system = &SystemPromptStep{Prompt: prompt}
	m.mu.Unlock()
}

// Append adds a step to the end of the log. A SystemPromptStep replaces the
// current system prompt instead of being appended.
func (m *Memory) Append(s Step) {
	m.mu.Lock()
	if sp, ok := s.(*SystemPromptStep); ok {
		m.system = sp
	} else {
		m.steps = append(m.steps, s)
	}
	m.mu.Unlock()
}

// Reset discards every step except the system prompt.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.steps = nil
	m.mu.Unlock()
}

// Steps returns a snapshot of the log in insertion order, system prompt first.
func (m *Memory) Steps() []Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Step, 0, len(m.steps)+1)
	if m.system != nil {
		out = append(out, m.system)
	}
	return append(out, m.steps...)
}

// Len returns the number of recorded steps, the system prompt included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.system != nil {
		return len(m.steps) + 1
	}
	return len(m.steps)
}

// ActionSteps returns the recorded action steps in order.
func (m *Memory) ActionSteps() []*ActionStep {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ActionStep
	for _, s := range m.steps {
		if a, ok := s.(*ActionStep); ok {
			out = append(out, a)
		}
	}
	return out
}

// SystemPrompt returns the system prompt, or "" when none is set.
func (m *Memory) SystemPrompt() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.system == nil {
		return ""
	}
	return m.system.Prompt
}

// AllGeneratedCode concatenates the code of every action step, separated by
// blank lines. Steps without code are skipped.
func (m *Memory) AllGeneratedCode() string {
	var parts []string
	for _, a := range m.ActionSteps() {
		if a.Code != "" {
			parts = append(parts, a.Code)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ToMessages renders the log as the message list for the next model call.
//
// In summary mode only the system prompt, the task, plans, and the model's
// own outputs are kept; observations, tool results, and errors are dropped.
// Planning uses summary mode to keep replanning prompts short.
func (m *Memory) ToMessages(summary bool) []ChatMessage {
	steps := m.Steps()
	msgs := make([]ChatMessage, 0, len(steps)*2)
	for _, s := range steps {
		switch v := s.(type) {
		case *SystemPromptStep:
			msgs = append(msgs, SystemMessage(v.Prompt))
		case *TaskStep:
			msg := UserMessage("New task:\n" + v.Task)
			msg.Attachments = v.Attachments
			msgs = append(msgs, msg)
		case *PlanningStep:
			msgs = append(msgs, AssistantMessage(v.Plan))
		case *ActionStep:
			msgs = append(msgs, renderAction(v, summary)...)
		case *FinalAnswerStep:
			// The final answer is the run's output, never replayed to the model.
		}
	}
	return msgs
}

func renderAction(a *ActionStep, summary bool) []ChatMessage {
	var msgs []ChatMessage
	native := len(a.ModelToolCalls) > 0 && a.Code == ""
	if a.ModelOutput != "" || native {
		msg := AssistantMessage(a.ModelOutput)
		if native && !summary {
			msg.ToolCalls = a.ModelToolCalls
		}
		msgs = append(msgs, msg)
	}
	if summary {
		return msgs
	}
	if native {
		results := make(map[string]ToolCallResult, len(a.ToolResults))
		for _, r := range a.ToolResults {
			results[r.Call.ID] = r
		}
		for _, tc := range a.ModelToolCalls {
			r, ok := results[tc.ID]
			switch {
			case !ok:
				msgs = append(msgs, ToolResultMessage(tc.ID, "not executed"))
			case r.Err != nil:
				msgs = append(msgs, ToolResultMessage(tc.ID, "error: "+r.Err.Error()))
			default:
				msgs = append(msgs, ToolResultMessage(tc.ID, FormatValue(r.Value)))
			}
		}
	} else if a.Observation != "" {
		msgs = append(msgs, UserMessage("Observation:\n"+a.Observation))
	}
	if a.Error != nil {
		msgs = append(msgs, UserMessage(fmt.Sprintf(
			"Error:\n%s\nNow let's retry: take care not to repeat previous errors! If you have retried several times, try a completely different approach.",
			a.Error.Message)))
	}
	return msgs
}

// FormatValue renders a tool or code value for display to the model.
// Strings are returned as-is; everything else is JSON-encoded.
func FormatValue(v any) string {
	switch s := v.(type) {
	case nil:
		return "None"
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// canonicalArgs encodes args with sorted keys so equal calls compare equal.
func canonicalArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(FormatValue(args[k]))
		b.WriteByte(',')
	}
	return b.String()
}
