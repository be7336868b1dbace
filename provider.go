package lagoon

import "context"

// Provider abstracts the model backend. Implementations translate ChatRequest
// into their wire format; the engine treats them as a black box.
//
// Errors returned by Chat end the run: the loop has no way to recover from a
// model it cannot reach. Wrap providers with WithRetry to absorb transient
// failures before they surface.
type Provider interface {
	// Chat sends a request and returns a complete response. When req.Tools is
	// non-empty the response may carry native tool calls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "gemini", "openai").
	Name() string
}

// ProviderFunc adapts a function into a Provider named "func".
type ProviderFunc func(ctx context.Context, req ChatRequest) (ChatResponse, error)

func (f ProviderFunc) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return f(ctx, req)
}

func (f ProviderFunc) Name() string { return "func" }
