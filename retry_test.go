package lagoon

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubProvider is a test Provider that returns pre-configured results in order.
type stubProvider struct {
	calls   int
	results []stubResult
}

type stubResult struct {
	resp ChatResponse
	err  error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Chat(_ context.Context, _ ChatRequest) (ChatResponse, error) {
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i].resp, s.results[i].err
	}
	return ChatResponse{}, nil
}

var _ Provider = (*stubProvider)(nil)

func TestWithRetry_Chat_SucceedsFirstAttempt(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "hello"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("got %q, want %q", resp.Content, "hello")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRetry_Chat_RetriesTransient(t *testing.T) {
	for _, status := range []int{429, 502, 503, 504} {
		stub := &stubProvider{results: []stubResult{
			{err: &ErrHTTP{Status: status, Body: "busy"}},
			{resp: ChatResponse{Content: "hello"}},
		}}
		p := WithRetry(stub, RetryBaseDelay(0))

		resp, err := p.Chat(context.Background(), ChatRequest{})
		if err != nil {
			t.Fatalf("status %d: unexpected error: %v", status, err)
		}
		if resp.Content != "hello" || stub.calls != 2 {
			t.Errorf("status %d: content = %q, calls = %d", status, resp.Content, stub.calls)
		}
	}
}

func TestWithRetry_Chat_NoRetryOnPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"500", &ErrHTTP{Status: 500, Body: "internal"}},
		{"400", &ErrHTTP{Status: 400, Body: "bad request"}},
		{"plain error", errors.New("connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubProvider{results: []stubResult{{err: tt.err}}}
			p := WithRetry(stub, RetryBaseDelay(0))
			if _, err := p.Chat(context.Background(), ChatRequest{}); !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
			if stub.calls != 1 {
				t.Errorf("got %d calls, want 1", stub.calls)
			}
		})
	}
}

func TestWithRetry_Chat_ExhaustsAttempts(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 503}},
		{err: &ErrHTTP{Status: 503}},
		{err: &ErrHTTP{Status: 429}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0), RetryMaxAttempts(3))

	_, err := p.Chat(context.Background(), ChatRequest{})
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 429 {
		t.Errorf("err = %v, want the last ErrHTTP", err)
	}
	if stub.calls != 3 {
		t.Errorf("got %d calls, want 3", stub.calls)
	}
}

func TestWithRetry_Chat_HonorsRetryAfter(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 429, RetryAfter: 30 * time.Millisecond}},
		{resp: ChatResponse{Content: "ok"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	start := time.Now()
	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %s, want at least the Retry-After delay", elapsed)
	}
}

func TestWithRetry_Chat_Timeout(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 503}},
		{resp: ChatResponse{Content: "too late"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(time.Second), RetryTimeout(20*time.Millisecond))

	_, err := p.Chat(context.Background(), ChatRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRetry_Name(t *testing.T) {
	if got := WithRetry(&stubProvider{}).Name(); got != "stub" {
		t.Errorf("Name = %q", got)
	}
}

func TestWithToolRetry(t *testing.T) {
	attempts := 0
	flaky := NewTool(ToolDefinition{Name: "search"}, func(context.Context, map[string]any) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, &ErrHTTP{Status: 502}
		}
		return "results", nil
	})
	tool := WithToolRetry(flaky, RetryBaseDelay(0))

	v, err := tool.Invoke(context.Background(), nil)
	if err != nil || v != "results" {
		t.Fatalf("Invoke = %v, %v", v, err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if tool.Definition().Name != "search" {
		t.Errorf("definition = %+v", tool.Definition())
	}
}

func TestWithToolRetry_PreservesExclusive(t *testing.T) {
	plain := WithToolRetry(echoTool()).(ExclusiveTool)
	if plain.Exclusive() {
		t.Error("plain tool should not become exclusive")
	}
	delegated := WithToolRetry(AsTool(NewAgent("helper", script()))).(ExclusiveTool)
	if !delegated.Exclusive() {
		t.Error("exclusive tool lost exclusivity")
	}
}

func TestRetryBackoff(t *testing.T) {
	for i := range 4 {
		base := 10 * time.Millisecond
		exp := base * (1 << i)
		for range 20 {
			d := retryBackoff(base, i)
			if d < exp || d > exp+exp/2 {
				t.Fatalf("retryBackoff(%d) = %s, want in [%s, %s]", i, d, exp, exp+exp/2)
			}
		}
	}
}
