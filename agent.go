package lagoon

import (
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	defaultMaxSteps         = 20
	defaultRepetitionWindow = 3
)

// Agent runs tasks through the step loop. An Agent owns its Memory and runs
// one task at a time; concurrent Start calls on a running agent end
// immediately with ErrAgentBusy.
type Agent struct {
	name     string
	provider Provider
	tools    *ToolRegistry
	cfg      agentConfig
	procs    *ProcessorChain
	mem      *Memory
	logger   *slog.Logger
	running  atomic.Bool
}

// agentConfig holds everything set through AgentOption.
type agentConfig struct {
	tools            []Tool
	registryOpts     []RegistryOption
	executor         CodeExecutor
	limits           Limits
	maxSteps         int
	planningInterval int
	prompt           string
	description      string
	processors       []any
	tracer           Tracer
	logger           *slog.Logger
	events           EventHandler
	confirmPolicy    ConfirmationPolicy
	inputHandler     InputHandler
	repetitionWindow int
	drift            DriftDetector
	transcripts      TranscriptStore
	suspendTTL       time.Duration
	temperature      *float64
}

// AgentOption configures an Agent.
type AgentOption func(*agentConfig)

// WithTools adds tools the agent can call.
func WithTools(tools ...Tool) AgentOption {
	return func(c *agentConfig) { c.tools = append(c.tools, tools...) }
}

// WithRegistryOptions configures the agent's tool registry (Sequential,
// WithToolLimits).
func WithRegistryOptions(opts ...RegistryOption) AgentOption {
	return func(c *agentConfig) { c.registryOpts = append(c.registryOpts, opts...) }
}

// WithCodeExecutor switches the agent to code mode: the model answers with a
// code block that e runs, and tools are called from code instead of natively.
func WithCodeExecutor(e CodeExecutor) AgentOption {
	return func(c *agentConfig) { c.executor = e }
}

// WithLimits sets the per-action execution limits passed to the code executor.
func WithLimits(l Limits) AgentOption {
	return func(c *agentConfig) { c.limits = l }
}

// WithMaxSteps sets the action step budget (default 20).
func WithMaxSteps(n int) AgentOption {
	return func(c *agentConfig) { c.maxSteps = n }
}

// WithPlanningInterval enables planning before step 1 and then every n
// steps. Zero (default) disables planning.
func WithPlanningInterval(n int) AgentOption {
	return func(c *agentConfig) { c.planningInterval = n }
}

// WithPrompt replaces the default system prompt. The tool list is appended
// to it automatically.
func WithPrompt(s string) AgentOption {
	return func(c *agentConfig) { c.prompt = s }
}

// WithDescription sets the description used when the agent is exposed as a
// tool through AsTool.
func WithDescription(s string) AgentOption {
	return func(c *agentConfig) { c.description = s }
}

// WithProcessors adds processors to the agent's pipeline. Each processor must
// implement at least one of PreProcessor, PostProcessor, or StepProcessor.
func WithProcessors(processors ...any) AgentOption {
	return func(c *agentConfig) { c.processors = append(c.processors, processors...) }
}

// WithTracer sets the tracer for the agent. Use observer.NewTracer() for an
// OTEL-backed implementation.
func WithTracer(t Tracer) AgentOption {
	return func(c *agentConfig) { c.tracer = t }
}

// WithLogger sets the structured logger for the agent. If not set, a no-op
// logger is used (no output).
func WithLogger(l *slog.Logger) AgentOption {
	return func(c *agentConfig) { c.logger = l }
}

// WithEventHandler sets the observability event sink.
func WithEventHandler(h EventHandler) AgentOption {
	return func(c *agentConfig) { c.events = h }
}

// WithConfirmationPolicy sets how Run answers confirmation requests
// (default ApproveReversible).
func WithConfirmationPolicy(p ConfirmationPolicy) AgentOption {
	return func(c *agentConfig) { c.confirmPolicy = p }
}

// WithInputHandler sets how Run answers user input requests. Without one,
// user input requests end a Run in the error state.
func WithInputHandler(h InputHandler) AgentOption {
	return func(c *agentConfig) { c.inputHandler = h }
}

// WithRepetitionWindow sets how many recent actions are compared for
// repetition detection (default 3). Zero disables the check.
func WithRepetitionWindow(n int) AgentOption {
	return func(c *agentConfig) { c.repetitionWindow = n }
}

// WithDriftDetector enables goal-drift detection.
func WithDriftDetector(d DriftDetector) AgentOption {
	return func(c *agentConfig) { c.drift = d }
}

// WithTranscriptStore persists every finished run to s.
func WithTranscriptStore(s TranscriptStore) AgentOption {
	return func(c *agentConfig) { c.transcripts = s }
}

// WithSuspendTTL closes a session that stays suspended longer than d.
// Zero (default) keeps suspended sessions until Close.
func WithSuspendTTL(d time.Duration) AgentOption {
	return func(c *agentConfig) { c.suspendTTL = d }
}

// WithTemperature sets the sampling temperature sent with every model call.
func WithTemperature(t float64) AgentOption {
	return func(c *agentConfig) { c.temperature = &t }
}

// WithConfig applies the plain-data fields of cfg. Tools listed by name in
// cfg.Tools are not resolved; register them with WithTools.
func WithConfig(cfg AgentConfig) AgentOption {
	return func(c *agentConfig) {
		if cfg.MaxSteps > 0 {
			c.maxSteps = cfg.MaxSteps
		}
		c.planningInterval = cfg.PlanningInterval
		if cfg.Description != "" {
			c.description = cfg.Description
		}
		if cfg.Prompt != "" {
			c.prompt = cfg.Prompt
		}
		c.limits = cfg.Limits
		if cfg.RepetitionWindow > 0 {
			c.repetitionWindow = cfg.RepetitionWindow
		}
	}
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(slog.DiscardHandler)

// NewAgent creates an agent that uses provider for every model call.
func NewAgent(name string, provider Provider, opts ...AgentOption) *Agent {
	c := agentConfig{
		maxSteps:         defaultMaxSteps,
		repetitionWindow: defaultRepetitionWindow,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	if c.confirmPolicy == nil {
		c.confirmPolicy = ApproveReversible
	}
	if c.maxSteps <= 0 {
		c.maxSteps = defaultMaxSteps
	}
	procs := NewProcessorChain()
	for _, p := range c.processors {
		procs.Add(p)
	}
	return &Agent{
		name:     name,
		provider: provider,
		tools:    NewToolRegistry(c.tools, c.registryOpts...),
		cfg:      c,
		procs:    procs,
		mem:      NewMemory(""),
		logger:   c.logger,
	}
}

// Name returns the agent's identifier.
func (a *Agent) Name() string { return a.name }

// Description returns the agent's description.
func (a *Agent) Description() string { return a.cfg.description }

// Memory returns the agent's step log. It stays inspectable after the run
// ends, including after a fatal error.
func (a *Agent) Memory() *Memory { return a.mem }

// Tools returns the agent's tool registry.
func (a *Agent) Tools() *ToolRegistry { return a.tools }

// AgentConfig is the serializable configuration of an agent.
type AgentConfig struct {
	Name             string   `toml:"name" json:"name"`
	Description      string   `toml:"description" json:"description,omitempty"`
	Provider         string   `toml:"provider" json:"provider,omitempty"`
	Prompt           string   `toml:"prompt" json:"prompt,omitempty"`
	MaxSteps         int      `toml:"max_steps" json:"max_steps"`
	PlanningInterval int      `toml:"planning_interval" json:"planning_interval,omitempty"`
	RepetitionWindow int      `toml:"repetition_window" json:"repetition_window,omitempty"`
	Tools            []string `toml:"tools" json:"tools,omitempty"`
	CodeMode         bool     `toml:"code_mode" json:"code_mode"`
	Limits           Limits   `toml:"limits" json:"limits"`
}

// Config returns the agent's configuration as plain data.
func (a *Agent) Config() AgentConfig {
	cfg := AgentConfig{
		Name:             a.name,
		Description:      a.cfg.description,
		Prompt:           a.cfg.prompt,
		MaxSteps:         a.cfg.maxSteps,
		PlanningInterval: a.cfg.planningInterval,
		RepetitionWindow: a.cfg.repetitionWindow,
		Tools:            a.tools.Names(),
		CodeMode:         a.cfg.executor != nil,
		Limits:           a.cfg.limits,
	}
	if a.provider != nil {
		cfg.Provider = a.provider.Name()
	}
	return cfg
}

// RunState is the terminal state of a run.
type RunState string

const (
	RunSuccess  RunState = "success"
	RunMaxSteps RunState = "max_steps"
	RunError    RunState = "error"
)

// RunResult is the outcome of a run. It is the last value a Session yields.
type RunResult struct {
	ID       string        `json:"id"`
	Agent    string        `json:"agent"`
	State    RunState      `json:"state"`
	Output   any           `json:"output,omitempty"`
	Steps    int           `json:"steps"`
	Usage    Usage         `json:"usage"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// execute runs the loop for s and returns its result. Called on the
// session goroutine.
func (a *Agent) execute(s *Session) *RunResult {
	if !a.running.CompareAndSwap(false, true) {
		return &RunResult{ID: NewID(), Agent: a.name, State: RunError, Err: ErrAgentBusy}
	}
	defer a.running.Store(false)
	return a.runLoop(s.ctx, s)
}

// compile-time checks
var (
	_ Yield = (*RunResult)(nil)
	_ Yield = (*ActionStep)(nil)
	_ Yield = (*PlanningStep)(nil)
	_ ControlRequest = (*UserInputRequest)(nil)
	_ ControlRequest = (*ConfirmationRequest)(nil)
	_ ControlRequest = (*SubAgentQuery)(nil)
)
