package lagoon

import (
	"fmt"
	"strings"
)

const defaultCodePrompt = `You are an expert assistant who solves tasks by writing code.
At each step, think about what to do next, then write a single code block:

` + "```py" + `
result = web_search(query="...")
print(result)
` + "```" + `

The code is Starlark, a dialect of Python. Printed output and the value of the
last expression are shown to you as the observation of the step. Variables do
not carry over between steps; use state["key"] = value to keep data and
state["key"] to read it back.

Tool calls return placeholders that are fetched together when you first use
one, so issue independent calls before reading any of their results.

When you have the answer, call final_answer(answer).`

const defaultToolPrompt = `You are an expert assistant who solves tasks by calling tools.
At each step, call one or more tools. Their results are shown to you before the
next step. When you have the answer, call final_answer with it, or reply
without calling any tool.`

const planningPrompt = `You are a planner. Given a task and the progress so far, write a short
numbered plan of the remaining steps. List the facts you already know and the
facts you still need. Do not solve the task yourself; only plan.`

const replanSuffix = "Here is the progress so far. Update the plan for the remaining steps."

// systemPrompt builds the system prompt for a run: the configured (or
// default) instructions followed by the tool catalog.
func (a *Agent) systemPrompt() string {
	base := a.cfg.prompt
	if base == "" {
		if a.cfg.executor != nil {
			base = defaultCodePrompt
		} else {
			base = defaultToolPrompt
		}
	}
	return base + a.toolCatalog()
}

// toolCatalog lists the agent's tools with their parameters, or "" when the
// agent has none.
func (a *Agent) toolCatalog() string {
	defs := a.tools.Definitions()
	if len(defs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nAvailable tools:\n")
	for _, d := range defs {
		fmt.Fprintf(&b, "- %s(%s): %s\n", d.Name, strings.Join(d.ParamNames(), ", "), d.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
