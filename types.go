package lagoon

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// --- Model protocol types ---

type ChatMessage struct {
	Role        string       `json:"role"` // "system", "user", "assistant", "tool"
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
}

// Attachment is binary content sent alongside a message (images, documents).
type Attachment struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data,omitempty"`
}

type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ChatRequest is one model invocation. Tools is empty when the agent runs in
// code mode; the model is expected to answer with a code block instead.
type ChatRequest struct {
	Messages      []ChatMessage    `json:"messages"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
}

// ParamNames returns the parameter names declared in the JSON Schema, in the
// order used to bind positional arguments: required parameters first in
// declaration order, then the remaining properties sorted by name.
func (d ToolDefinition) ParamNames() []string {
	if len(d.Parameters) == 0 {
		return nil
	}
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(d.Parameters, &schema); err != nil {
		return nil
	}
	seen := make(map[string]bool, len(schema.Properties))
	names := make([]string, 0, len(schema.Properties))
	for _, n := range schema.Required {
		if _, ok := schema.Properties[n]; ok && !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	var rest []string
	for n := range schema.Properties {
		if !seen[n] {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// Task is the unit of work handed to an agent.
type Task struct {
	Input       string         `json:"input"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	// Continue keeps the agent's memory from the previous run instead of
	// resetting it. The new task is appended after the existing steps.
	Continue bool `json:"continue,omitempty"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Run, step, tool call, and control request identifiers all use it.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func nowUnix() int64 { return time.Now().Unix() }
