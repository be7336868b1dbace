package lagoon

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitProvider wraps a Provider with proactive rate limiting. Requests
// per minute are metered by a token bucket; tokens per minute by a sliding
// window of recorded usage.
type rateLimitProvider struct {
	inner Provider
	rpm   int
	tpm   int

	requests *rate.Limiter

	mu     sync.Mutex
	window []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures WithRateLimit.
type RateLimitOption func(*rateLimitProvider)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined), counted
// from ChatResponse.Usage. The request that crosses the budget completes;
// later requests wait until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// WithRateLimit wraps p with proactive rate limiting. Compose with WithRetry:
//
//	model = lagoon.WithRateLimit(lagoon.WithRetry(model), lagoon.RPM(60), lagoon.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	if r.rpm > 0 {
		r.requests = rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.rpm)), r.rpm)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if r.requests != nil {
		if err := r.requests.Wait(ctx); err != nil {
			return ChatResponse{}, err
		}
	}
	if err := r.waitForTokens(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// waitForTokens blocks until the token window is under budget.
func (r *rateLimitProvider) waitForTokens(ctx context.Context) error {
	if r.tpm <= 0 {
		return nil
	}
	for {
		r.mu.Lock()
		now := time.Now()
		r.window = pruneTpm(r.window, now.Add(-time.Minute))
		var total int
		for _, e := range r.window {
			total += e.tokens
		}
		if total < r.tpm {
			r.mu.Unlock()
			return nil
		}
		wait := r.window[0].at.Add(time.Minute).Sub(now)
		r.mu.Unlock()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// recordUsage adds token counts to the sliding window.
func (r *rateLimitProvider) recordUsage(u Usage) {
	if r.tpm <= 0 || u.Total() <= 0 {
		return
	}
	r.mu.Lock()
	r.window = append(r.window, tpmEntry{at: time.Now(), tokens: u.Total()})
	r.mu.Unlock()
}

// pruneTpm removes entries older than cutoff from a sorted window.
func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time check
var _ Provider = (*rateLimitProvider)(nil)
