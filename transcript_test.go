package lagoon

import (
	"testing"
	"time"
)

func TestNewRunRecord(t *testing.T) {
	steps := []Step{
		&SystemPromptStep{Prompt: "sys"},
		&TaskStep{Task: "sum"},
		&PlanningStep{Number: 1, Plan: "1. add", Usage: Usage{InputTokens: 1}},
		&ActionStep{
			Number:      1,
			ModelOutput: "```py\nfinal_answer(3)\n```",
			Code:        "final_answer(3)",
			ToolCalls:   []ToolCall{{ID: "c", Name: "add"}},
			Observation: "ok",
			Error:       &StepError{Kind: "runtime_error", Message: "late"},
			Usage:       Usage{InputTokens: 10, OutputTokens: 5},
			Duration:    time.Second,
		},
		&FinalAnswerStep{Output: map[string]any{"sum": 3}},
	}
	res := &RunResult{
		ID:       "run-1",
		Agent:    "calc",
		State:    RunError,
		Output:   map[string]any{"sum": 3},
		Steps:    1,
		Usage:    Usage{InputTokens: 11, OutputTokens: 5},
		Duration: 2 * time.Second,
		Err:      errTest,
	}

	rec := NewRunRecord("sum", res, steps)
	if rec.ID != "run-1" || rec.Agent != "calc" || rec.Task != "sum" || rec.State != RunError {
		t.Errorf("record = %+v", rec)
	}
	if rec.Output != `{"sum":3}` || rec.Error != "test error" || rec.StepCount != 1 {
		t.Errorf("record = %+v", rec)
	}
	if rec.CreatedAt == 0 || rec.Usage.Total() != 16 {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Steps) != 5 {
		t.Fatalf("steps = %d", len(rec.Steps))
	}
	for i, s := range rec.Steps {
		if s.Index != i || s.Kind != steps[i].Kind() {
			t.Errorf("step %d = %+v", i, s)
		}
	}
	act := rec.Steps[3]
	if act.Code != "final_answer(3)" || act.Observation != "ok" || act.Error != "runtime_error: late" || len(act.ToolCalls) != 1 {
		t.Errorf("action record = %+v", act)
	}
	if rec.Steps[2].Content != "1. add" || rec.Steps[4].Content != `{"sum":3}` {
		t.Errorf("planning / final = %+v / %+v", rec.Steps[2], rec.Steps[4])
	}
}
