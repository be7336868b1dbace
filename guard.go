package lagoon

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// zeroWidthChars are invisible characters used to hide forbidden tokens.
var zeroWidthChars = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // zero-width no-break space (BOM)
	"\u2060", "", // word joiner
	"\u180e", "", // Mongolian vowel separator
)

// normalizeText strips zero-width characters and applies NFKC so fullwidth
// and other compatibility forms compare equal to their ASCII counterparts.
func normalizeText(s string) string {
	return norm.NFKC.String(zeroWidthChars.Replace(s))
}

// --- CodeGuard ---

// CodeGuard is a PostProcessor that rejects model responses whose code
// contains forbidden substrings or matches forbidden patterns. The model
// sees the rejection reason as the step's error and can try again.
// Safe for concurrent use.
type CodeGuard struct {
	forbidden []string
	patterns  []*regexp.Regexp
	logger    *slog.Logger
}

// CodeGuardOption configures a CodeGuard.
type CodeGuardOption func(*CodeGuard)

// ForbidPatterns adds regular expressions that code must not match.
func ForbidPatterns(patterns ...string) CodeGuardOption {
	return func(g *CodeGuard) {
		for _, p := range patterns {
			g.patterns = append(g.patterns, regexp.MustCompile(p))
		}
	}
}

// CodeGuardLogger sets the structured logger for the guard.
func CodeGuardLogger(l *slog.Logger) CodeGuardOption {
	return func(g *CodeGuard) { g.logger = l }
}

// NewCodeGuard creates a guard rejecting code that contains any of forbidden
// (case-insensitive, after normalization).
//
//	guard := lagoon.NewCodeGuard([]string{"os.remove", "subprocess"}, lagoon.ForbidPatterns(`while\s+True`))
func NewCodeGuard(forbidden []string, opts ...CodeGuardOption) *CodeGuard {
	g := &CodeGuard{}
	for _, f := range forbidden {
		g.forbidden = append(g.forbidden, strings.ToLower(normalizeText(f)))
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = nopLogger
	}
	return g
}

// PostLLM checks the code blocks of the response.
func (g *CodeGuard) PostLLM(_ context.Context, resp *ChatResponse) error {
	code, ok := extractCode(resp.Content)
	if !ok {
		return nil
	}
	cleaned := normalizeText(code)
	lower := strings.ToLower(cleaned)
	for _, f := range g.forbidden {
		if strings.Contains(lower, f) {
			g.logger.Warn("code rejected", "forbidden", f)
			return &ErrRejected{Reason: "code uses forbidden construct " + f}
		}
	}
	for _, re := range g.patterns {
		if re.MatchString(cleaned) {
			g.logger.Warn("code rejected", "pattern", re.String())
			return &ErrRejected{Reason: "code matches forbidden pattern " + re.String()}
		}
	}
	return nil
}

// --- ContentGuard ---

// ContentGuard enforces rune limits on the task and on model responses.
// An oversized task halts the run with a canned answer; an oversized model
// response is rejected and the model is asked to try again.
// Zero disables a limit. Safe for concurrent use.
type ContentGuard struct {
	maxInputLen  int
	maxOutputLen int
	response     string
	logger       *slog.Logger
}

// NewContentGuard creates a guard that enforces content length limits.
func NewContentGuard(maxInput, maxOutput int, logger *slog.Logger) *ContentGuard {
	if logger == nil {
		logger = nopLogger
	}
	return &ContentGuard{
		maxInputLen:  maxInput,
		maxOutputLen: maxOutput,
		response:     "The task exceeds the allowed length.",
		logger:       logger,
	}
}

// PreLLM checks the task message length.
func (g *ContentGuard) PreLLM(_ context.Context, req *ChatRequest) error {
	if g.maxInputLen <= 0 {
		return nil
	}
	for _, m := range req.Messages {
		if m.Role != "user" || !strings.HasPrefix(m.Content, "New task:\n") {
			continue
		}
		if n := len([]rune(m.Content)); n > g.maxInputLen {
			g.logger.Warn("task exceeds limit", "length", n, "max", g.maxInputLen)
			return &ErrHalt{Response: g.response}
		}
	}
	return nil
}

// PostLLM checks the model response length.
func (g *ContentGuard) PostLLM(_ context.Context, resp *ChatResponse) error {
	if g.maxOutputLen <= 0 {
		return nil
	}
	if n := len([]rune(resp.Content)); n > g.maxOutputLen {
		g.logger.Warn("model output exceeds limit", "length", n, "max", g.maxOutputLen)
		return &ErrRejected{Reason: "response too long; answer more concisely"}
	}
	return nil
}

// --- MaxToolCallsGuard ---

// MaxToolCallsGuard is a PostProcessor that limits the number of native tool
// calls per model response. Excess calls are dropped (first N are kept).
// Safe for concurrent use.
type MaxToolCallsGuard struct {
	max int
}

// NewMaxToolCallsGuard creates a guard that limits tool calls per response.
func NewMaxToolCallsGuard(max int) *MaxToolCallsGuard {
	return &MaxToolCallsGuard{max: max}
}

// PostLLM trims excess tool calls from the response.
func (g *MaxToolCallsGuard) PostLLM(_ context.Context, resp *ChatResponse) error {
	if len(resp.ToolCalls) > g.max {
		resp.ToolCalls = resp.ToolCalls[:g.max]
	}
	return nil
}

// compile-time checks
var (
	_ PostProcessor = (*CodeGuard)(nil)
	_ PreProcessor  = (*ContentGuard)(nil)
	_ PostProcessor = (*ContentGuard)(nil)
	_ PostProcessor = (*MaxToolCallsGuard)(nil)
)
