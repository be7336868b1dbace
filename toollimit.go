package lagoon

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// ToolLimit bounds how often and how concurrently one tool may be invoked.
// A zero field disables that bound.
type ToolLimit struct {
	QPS           float64 `toml:"qps" json:"qps"`
	Burst         int     `toml:"burst" json:"burst"`
	MaxConcurrent int     `toml:"max_concurrent" json:"max_concurrent"`
}

// WithToolLimits applies per-tool limits to every batch created by the
// registry. The "*" key is the fallback for tools without an entry.
//
//	reg := lagoon.NewToolRegistry(tools, lagoon.WithToolLimits(map[string]lagoon.ToolLimit{
//		"web_search": {QPS: 2, MaxConcurrent: 2},
//		"*":          {MaxConcurrent: 8},
//	}))
func WithToolLimits(limits map[string]ToolLimit) RegistryOption {
	return func(r *ToolRegistry) { r.limiter = newToolLimiter(limits) }
}

type toolLimiter struct {
	mu       sync.Mutex
	config   map[string]ToolLimit
	limiters map[string]*limitState
}

type limitState struct {
	rate *rate.Limiter
	sem  chan struct{}
}

func newToolLimiter(config map[string]ToolLimit) *toolLimiter {
	return &toolLimiter{config: config, limiters: make(map[string]*limitState)}
}

// acquire waits for a rate token and a concurrency slot for tool name.
// The returned release must be called when the invocation ends.
func (l *toolLimiter) acquire(ctx context.Context, name string) (func(), error) {
	st := l.state(name)
	if st == nil {
		return func() {}, nil
	}
	if st.rate != nil {
		if err := st.rate.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if st.sem == nil {
		return func() {}, nil
	}
	select {
	case st.sem <- struct{}{}:
		return func() { <-st.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *toolLimiter) state(name string) *limitState {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := name
	cfg, ok := l.config[name]
	if !ok {
		if cfg, ok = l.config["*"]; !ok {
			return nil
		}
		// Tools without their own entry share the fallback state.
		key = "*"
	}
	if st, ok := l.limiters[key]; ok {
		return st
	}
	st := &limitState{}
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.QPS))
		}
		st.rate = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}
	if cfg.MaxConcurrent > 0 {
		st.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	l.limiters[key] = st
	return st
}
