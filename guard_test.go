package lagoon

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func codeResponse(code string) *ChatResponse {
	return &ChatResponse{Content: "```py\n" + code + "\n```"}
}

func TestCodeGuard(t *testing.T) {
	g := NewCodeGuard([]string{"os.remove", "subprocess"}, ForbidPatterns(`while\s+True`))

	tests := []struct {
		name   string
		code   string
		reject bool
	}{
		{"clean", "x = add(a=1, b=2)\nfinal_answer(x)", false},
		{"forbidden token", "os.remove('/etc/passwd')", true},
		{"case folded", "SubProcess.run(['ls'])", true},
		{"zero-width split", "os.re\u200bmove('/tmp')", true},
		{"fullwidth letters", "ｓｕｂｐｒｏｃｅｓｓ.run()", true},
		{"pattern", "while   True:\n    pass", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.PostLLM(context.Background(), codeResponse(tt.code))
			var rej *ErrRejected
			if got := errors.As(err, &rej); got != tt.reject {
				t.Errorf("rejected = %v, want %v (err %v)", got, tt.reject, err)
			}
		})
	}
}

func TestCodeGuardIgnoresProse(t *testing.T) {
	g := NewCodeGuard([]string{"subprocess"})
	resp := &ChatResponse{Content: "I will not use subprocess here."}
	if err := g.PostLLM(context.Background(), resp); err != nil {
		t.Errorf("prose without a code block should pass: %v", err)
	}
}

func TestCodeGuardInAgent(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, CodeRequest) ExecutionResult { return finalResult("safe") }}
	p := script(codeReply("subprocess.run('rm -rf /')"), codeReply("final_answer('safe')"))
	a := NewAgent("coder", p, WithCodeExecutor(exec), WithProcessors(NewCodeGuard([]string{"subprocess"})))

	res, err := a.Run(context.Background(), Task{Input: "x"})
	if err != nil || res.Output != "safe" {
		t.Fatalf("result = %+v, err = %v", res, err)
	}
	if len(exec.codes) != 1 || strings.Contains(exec.codes[0], "subprocess") {
		t.Errorf("rejected code must never execute: %v", exec.codes)
	}
	if e := a.Memory().ActionSteps()[0].Error; e == nil || e.Kind != "rejected" {
		t.Errorf("first step error = %+v", e)
	}
}

func TestContentGuardInputLength(t *testing.T) {
	g := NewContentGuard(20, 0, nil)

	short := &ChatRequest{Messages: []ChatMessage{UserMessage("New task:\nhi")}}
	if err := g.PreLLM(context.Background(), short); err != nil {
		t.Errorf("short task: %v", err)
	}
	long := &ChatRequest{Messages: []ChatMessage{UserMessage("New task:\n" + strings.Repeat("x", 50))}}
	var halt *ErrHalt
	if err := g.PreLLM(context.Background(), long); !errors.As(err, &halt) {
		t.Errorf("long task: err = %v, want ErrHalt", err)
	}
	// Observations are not tasks.
	obs := &ChatRequest{Messages: []ChatMessage{UserMessage("Observation:\n" + strings.Repeat("x", 50))}}
	if err := g.PreLLM(context.Background(), obs); err != nil {
		t.Errorf("observation: %v", err)
	}
}

func TestContentGuardOutputLength(t *testing.T) {
	g := NewContentGuard(0, 10, nil)
	var rej *ErrRejected
	if err := g.PostLLM(context.Background(), &ChatResponse{Content: strings.Repeat("é", 11)}); !errors.As(err, &rej) {
		t.Errorf("err = %v, want ErrRejected", err)
	}
	if err := g.PostLLM(context.Background(), &ChatResponse{Content: strings.Repeat("é", 10)}); err != nil {
		t.Errorf("limit counts runes, not bytes: %v", err)
	}
}

func TestContentGuardZeroLimitSkips(t *testing.T) {
	g := NewContentGuard(0, 0, nil)
	big := strings.Repeat("x", 10000)
	if err := g.PreLLM(context.Background(), &ChatRequest{Messages: []ChatMessage{UserMessage("New task:\n" + big)}}); err != nil {
		t.Error(err)
	}
	if err := g.PostLLM(context.Background(), &ChatResponse{Content: big}); err != nil {
		t.Error(err)
	}
}

func TestMaxToolCallsGuard(t *testing.T) {
	g := NewMaxToolCallsGuard(2)
	resp := &ChatResponse{ToolCalls: []ToolCall{{ID: "1"}, {ID: "2"}, {ID: "3"}}}
	if err := g.PostLLM(context.Background(), resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 2 || resp.ToolCalls[0].ID != "1" || resp.ToolCalls[1].ID != "2" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
}
