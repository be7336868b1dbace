package lagoon

import "time"

// StepKind identifies the concrete type of a Step.
type StepKind string

const (
	StepSystemPrompt StepKind = "system_prompt"
	StepTask         StepKind = "task"
	StepPlanning     StepKind = "planning"
	StepAction       StepKind = "action"
	StepFinalAnswer  StepKind = "final_answer"
)

// Step is one entry of an agent's Memory. The set of implementations is
// closed: SystemPromptStep, TaskStep, PlanningStep, ActionStep, FinalAnswerStep.
type Step interface {
	Kind() StepKind
	step()
}

// SystemPromptStep holds the system prompt the run was started with.
type SystemPromptStep struct {
	Prompt string `json:"prompt"`
}

// TaskStep records the task given to the agent.
type TaskStep struct {
	Task        string       `json:"task"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// PlanningStep records a plan produced (or revised) by the model.
type PlanningStep struct {
	Number     int           `json:"number"`
	Plan       string        `json:"plan"`
	ModelInput []ChatMessage `json:"-"`
	Usage      Usage         `json:"usage"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// ActionStep records one model turn and the execution of its action.
type ActionStep struct {
	// Number is the 1-based step index within the run.
	Number int `json:"number"`
	// ModelInput is the message list the model was invoked with.
	ModelInput []ChatMessage `json:"-"`
	// ModelOutput is the raw model content.
	ModelOutput string `json:"model_output"`
	// ModelToolCalls are native tool calls returned by the model.
	ModelToolCalls []ToolCall `json:"model_tool_calls,omitempty"`
	// Code is the snippet extracted from ModelOutput in code mode.
	Code string `json:"code,omitempty"`
	// ToolCalls lists every call executed during the action, from code or
	// from the model.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolResults holds the settled outcome of each executed call.
	ToolResults []ToolCallResult `json:"-"`
	// Observation is the execution feedback shown to the model next turn.
	Observation string `json:"observation,omitempty"`
	// Output is the action's result value (the final answer when IsFinalAnswer).
	Output any `json:"output,omitempty"`
	// Error is the recoverable or fatal error of the step, if any.
	Error *StepError `json:"error,omitempty"`
	// IsFinalAnswer is set when the action produced the run's final answer.
	IsFinalAnswer bool `json:"is_final_answer"`
	// Flags carries advisory heuristic results.
	Flags StepFlags `json:"flags"`

	Usage     Usage         `json:"usage"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// StepFlags are advisory signals attached to an action step. They never
// change control flow.
type StepFlags struct {
	Repetition bool `json:"repetition,omitempty"`
	GoalDrift  bool `json:"goal_drift,omitempty"`
}

// FinalAnswerStep records the value the run finished with.
type FinalAnswerStep struct {
	Output any `json:"output"`
}

func (*SystemPromptStep) Kind() StepKind { return StepSystemPrompt }
func (*TaskStep) Kind() StepKind         { return StepTask }
func (*PlanningStep) Kind() StepKind     { return StepPlanning }
func (*ActionStep) Kind() StepKind       { return StepAction }
func (*FinalAnswerStep) Kind() StepKind  { return StepFinalAnswer }

func (*SystemPromptStep) step() {}
func (*TaskStep) step()         {}
func (*PlanningStep) step()     {}
func (*ActionStep) step()       {}
func (*FinalAnswerStep) step()  {}

// actionSignature identifies what an action did, for repetition detection.
func (s *ActionStep) actionSignature() string {
	if s.Code != "" {
		return "code:" + s.Code
	}
	if len(s.ModelToolCalls) == 0 {
		return ""
	}
	var sig string
	for _, tc := range s.ModelToolCalls {
		sig += tc.Name + ":" + canonicalArgs(tc.Args) + ";"
	}
	return sig
}
