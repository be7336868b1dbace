package lagoon

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryConfig holds the settings shared by the provider and tool retry wrappers.
type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger
}

// RetryOption configures WithRetry and WithToolRetry.
type RetryOption func(*retryConfig)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryConfig) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt (default: 1s).
// Each subsequent delay doubles: baseDelay, 2×baseDelay, 4×baseDelay, …
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryConfig) { r.baseDelay = d }
}

// RetryTimeout bounds the whole retry sequence. The zero value (default)
// disables the bound.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryConfig) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN and exhausted attempts at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryConfig) { r.logger = l }
}

func newRetryConfig(opts []RetryOption) retryConfig {
	c := retryConfig{maxAttempts: 3, baseDelay: time.Second}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// withTimeout returns a child context with a deadline if c.timeout is set.
// If timeout is zero or ctx already has an earlier deadline, returns ctx unchanged.
func (c retryConfig) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(c.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// retryProvider wraps a Provider and retries transient HTTP failures.
type retryProvider struct {
	inner Provider
	cfg   retryConfig
}

// WithRetry wraps p with automatic retry on transient HTTP errors (429, 502,
// 503, 504). Retries use exponential backoff with jitter; a Retry-After
// duration carried by ErrHTTP is honored as a minimum.
//
//	model = lagoon.WithRetry(model)
//	model = lagoon.WithRetry(model, lagoon.RetryMaxAttempts(5), lagoon.RetryTimeout(30*time.Second))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	return &retryProvider{inner: p, cfg: newRetryConfig(opts)}
}

// Name delegates to the inner provider.
func (r *retryProvider) Name() string { return r.inner.Name() }

// Chat implements Provider with retry.
func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ctx, cancel := r.cfg.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.cfg, "provider:"+r.inner.Name(), func() (ChatResponse, error) {
		return r.inner.Chat(ctx, req)
	})
}

// retryTool wraps a Tool and retries transient failures.
type retryTool struct {
	inner Tool
	cfg   retryConfig
}

// WithToolRetry wraps t so transient HTTP failures returned by Invoke are
// retried with the same backoff as WithRetry. Use it for tools backed by
// rate-limited APIs; a tool with side effects should not be retried.
func WithToolRetry(t Tool, opts ...RetryOption) Tool {
	return &retryTool{inner: t, cfg: newRetryConfig(opts)}
}

func (r *retryTool) Definition() ToolDefinition { return r.inner.Definition() }

func (r *retryTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	ctx, cancel := r.cfg.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.cfg, "tool:"+r.inner.Definition().Name, func() (any, error) {
		return r.inner.Invoke(ctx, args)
	})
}

// Exclusive preserves the inner tool's exclusivity.
func (r *retryTool) Exclusive() bool {
	x, ok := r.inner.(ExclusiveTool)
	return ok && x.Exclusive()
}

// isTransient reports whether err is a retryable HTTP error.
func isTransient(err error) bool {
	var e *ErrHTTP
	if !errors.As(err, &e) {
		return false
	}
	switch e.Status {
	case 429, 502, 503, 504:
		return true
	}
	return false
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryDelay computes the delay before retry attempt i: exponential backoff,
// raised to the server's Retry-After when that is longer.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	var e *ErrHTTP
	if errors.As(err, &e) && e.RetryAfter > backoff {
		return e.RetryAfter
	}
	return backoff
}

// retryCall calls fn up to cfg.maxAttempts times, sleeping between transient failures.
func retryCall[T any](ctx context.Context, cfg retryConfig, target string, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < cfg.maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		cfg.logger.Warn("retrying transient error",
			"target", target,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", cfg.maxAttempts)
		if i < cfg.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(cfg.baseDelay, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	cfg.logger.Error("all retry attempts exhausted",
		"target", target,
		"attempts", cfg.maxAttempts,
		"error", last)
	return zero, last
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// compile-time checks
var (
	_ Provider      = (*retryProvider)(nil)
	_ ExclusiveTool = (*retryTool)(nil)
)
