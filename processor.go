package lagoon

import (
	"context"
	"fmt"
)

// PreProcessor runs before each model call of an action step.
// Implementations can rewrite the request or return an error:
// ErrHalt ends the run successfully with a canned answer, ErrRejected turns
// the step into a recoverable error, anything else is fatal.
// Must be safe for concurrent use.
type PreProcessor interface {
	PreLLM(ctx context.Context, req *ChatRequest) error
}

// PostProcessor runs after the model responds, before the action executes.
// Same error semantics as PreProcessor.
type PostProcessor interface {
	PostLLM(ctx context.Context, resp *ChatResponse) error
}

// StepProcessor runs after an action step executes, before it is recorded
// in memory. It may edit the step (redact observations, attach flags).
// Only ErrHalt is honored; other errors are logged and ignored because the
// step has already happened.
type StepProcessor interface {
	PostStep(ctx context.Context, step *ActionStep) error
}

// ErrHalt signals that a processor wants to stop the run and answer with
// Response. The run ends in the success state with Response as output.
type ErrHalt struct {
	Response string
}

func (e *ErrHalt) Error() string { return "processor halted: " + e.Response }

// ErrRejected signals that a processor refused the model output. The
// reason is shown to the model as the step's error and the run continues.
type ErrRejected struct {
	Reason string
}

func (e *ErrRejected) Error() string { return "rejected: " + e.Reason }

// ProcessorChain holds an ordered list of processors and runs them at each
// hook point. A processor only participates in phases whose interface it
// implements.
type ProcessorChain struct {
	processors []any
}

// NewProcessorChain creates an empty chain.
func NewProcessorChain() *ProcessorChain {
	return &ProcessorChain{}
}

// Add appends a processor to the chain.
// Panics if p implements none of PreProcessor, PostProcessor, StepProcessor.
func (c *ProcessorChain) Add(p any) {
	_, isPre := p.(PreProcessor)
	_, isPost := p.(PostProcessor)
	_, isStep := p.(StepProcessor)
	if !isPre && !isPost && !isStep {
		panic(fmt.Sprintf("lagoon: processor %T implements none of PreProcessor, PostProcessor, StepProcessor", p))
	}
	c.processors = append(c.processors, p)
}

// RunPreLLM runs all PreProcessor hooks in registration order.
// Stops and returns the first non-nil error.
func (c *ProcessorChain) RunPreLLM(ctx context.Context, req *ChatRequest) error {
	for _, p := range c.processors {
		if pre, ok := p.(PreProcessor); ok {
			if err := pre.PreLLM(ctx, req); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPostLLM runs all PostProcessor hooks in registration order.
// Stops and returns the first non-nil error.
func (c *ProcessorChain) RunPostLLM(ctx context.Context, resp *ChatResponse) error {
	for _, p := range c.processors {
		if post, ok := p.(PostProcessor); ok {
			if err := post.PostLLM(ctx, resp); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPostStep runs all StepProcessor hooks in registration order.
// Stops and returns the first non-nil error.
func (c *ProcessorChain) RunPostStep(ctx context.Context, step *ActionStep) error {
	for _, p := range c.processors {
		if sp, ok := p.(StepProcessor); ok {
			if err := sp.PostStep(ctx, step); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of registered processors.
func (c *ProcessorChain) Len() int { return len(c.processors) }
