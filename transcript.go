package lagoon

import (
	"context"
	"encoding/json"
	"time"
)

// TranscriptStore persists finished runs. store/sqlite provides an
// implementation.
type TranscriptStore interface {
	SaveRun(ctx context.Context, rec RunRecord) error
	GetRun(ctx context.Context, id string) (RunRecord, error)
	ListRuns(ctx context.Context, agent string, limit int) ([]RunRecord, error)
}

// RunRecord is the persisted form of a run: its result plus every step.
type RunRecord struct {
	ID        string        `json:"id"`
	Agent     string        `json:"agent"`
	Task      string        `json:"task"`
	State     RunState      `json:"state"`
	Output    string        `json:"output,omitempty"` // JSON-encoded final output
	Error     string        `json:"error,omitempty"`
	StepCount int           `json:"step_count"`
	Usage     Usage         `json:"usage"`
	Duration  time.Duration `json:"duration"`
	CreatedAt int64         `json:"created_at"`
	Steps     []StepRecord  `json:"steps,omitempty"`
}

// StepRecord is the persisted form of one memory step.
type StepRecord struct {
	Index       int           `json:"index"`
	Kind        StepKind      `json:"kind"`
	Number      int           `json:"number,omitempty"`
	Content     string        `json:"content,omitempty"`
	Code        string        `json:"code,omitempty"`
	Observation string        `json:"observation,omitempty"`
	Error       string        `json:"error,omitempty"`
	ToolCalls   []ToolCall    `json:"tool_calls,omitempty"`
	Usage       Usage         `json:"usage"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// NewRunRecord builds the persisted form of res from the steps of its memory.
func NewRunRecord(task string, res *RunResult, steps []Step) RunRecord {
	rec := RunRecord{
		ID:        res.ID,
		Agent:     res.Agent,
		Task:      task,
		State:     res.State,
		StepCount: res.Steps,
		Usage:     res.Usage,
		Duration:  res.Duration,
		CreatedAt: nowUnix(),
	}
	if res.Output != nil {
		if b, err := json.Marshal(res.Output); err == nil {
			rec.Output = string(b)
		}
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	for i, s := range steps {
		sr := StepRecord{Index: i, Kind: s.Kind()}
		switch v := s.(type) {
		case *SystemPromptStep:
			sr.Content = v.Prompt
		case *TaskStep:
			sr.Content = v.Task
		case *PlanningStep:
			sr.Number, sr.Content, sr.Usage, sr.Duration = v.Number, v.Plan, v.Usage, v.Duration
		case *ActionStep:
			sr.Number, sr.Content, sr.Code = v.Number, v.ModelOutput, v.Code
			sr.Observation, sr.ToolCalls = v.Observation, v.ToolCalls
			sr.Usage, sr.Duration = v.Usage, v.Duration
			if v.Error != nil {
				sr.Error = v.Error.Error()
			}
		case *FinalAnswerStep:
			sr.Content = FormatValue(v.Output)
		}
		rec.Steps = append(rec.Steps, sr)
	}
	return rec
}

// saveTranscript persists the finished run when a store is configured.
// Failures are logged; they never change the run's result.
func (a *Agent) saveTranscript(ctx context.Context, task Task, res *RunResult) {
	if a.cfg.transcripts == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := a.cfg.transcripts.SaveRun(ctx, NewRunRecord(task.Input, res, a.mem.Steps())); err != nil {
		a.logger.Error("failed to save transcript", "agent", a.name, "run_id", res.ID, "error", err)
	}
}
