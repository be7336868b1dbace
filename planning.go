package lagoon

import (
	"context"
	"strings"
	"time"
)

// planningDue reports whether a planning step precedes action step n:
// before the first step, then every planningInterval steps.
func (a *Agent) planningDue(n int) bool {
	k := a.cfg.planningInterval
	return k > 0 && (n == 1 || (n-1)%k == 0)
}

// plan asks the model for a plan of the remaining work. The planner sees the
// summary rendering of memory, so it reasons over the model's own outputs
// without the noise of full observations.
func (a *Agent) plan(ctx context.Context, task string, n int) (*PlanningStep, error) {
	start := time.Now()
	ctx, span := a.startSpan(ctx, "agent.plan", IntAttr("step.number", n))
	defer span.End()

	msgs := []ChatMessage{SystemMessage(planningPrompt + a.toolCatalog())}
	history := a.mem.ToMessages(true)
	if len(history) > 0 && history[0].Role == "system" {
		history = history[1:]
	}
	msgs = append(msgs, history...)
	if n == 1 {
		msgs = append(msgs, UserMessage("Write the initial plan for this task: "+task))
	} else {
		msgs = append(msgs, UserMessage(replanSuffix))
	}

	resp, err := a.provider.Chat(ctx, ChatRequest{Messages: msgs, Temperature: a.cfg.temperature})
	if err != nil {
		merr := &ModelError{Provider: a.provider.Name(), Step: n, Err: err}
		span.Error(merr)
		return nil, merr
	}
	ps := &PlanningStep{
		Number:     n,
		Plan:       strings.TrimSpace(resp.Content),
		ModelInput: msgs,
		Usage:      resp.Usage,
		StartedAt:  start,
		Duration:   time.Since(start),
	}
	span.SetAttr(IntAttr("plan.length", len(ps.Plan)))
	a.logger.Debug("plan produced", "agent", a.name, "step", n, "length", len(ps.Plan))
	return ps, nil
}
