package lagoon

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func deleteAgent(p Provider, opts ...AgentOption) *Agent {
	return NewAgent("janitor", p, append([]AgentOption{WithTools(deleteTool(false))}, opts...)...)
}

func deleteScript() *scriptProvider {
	return script(
		reply("", call("delete_file", map[string]any{"path": "/tmp/x"})),
		reply("", finalCall("done")),
	)
}

func TestSessionConfirmationFlow(t *testing.T) {
	a := deleteAgent(deleteScript())
	sess := a.Start(context.Background(), Task{Input: "clean up"})
	defer sess.Close()

	if sess.Pending() != nil {
		t.Fatal("nothing should be pending before the first Resume")
	}
	y, err := sess.Resume(nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	req, ok := y.(*ConfirmationRequest)
	if !ok {
		t.Fatalf("yield = %T, want *ConfirmationRequest", y)
	}
	if req.Action != "delete /tmp/x" || req.Reversible {
		t.Errorf("request = %+v", req)
	}
	if sess.State() != LoopActing {
		t.Errorf("state = %s, want acting", sess.State())
	}

	y, err = sess.Resume(&ControlResponse{RequestID: req.ID, Decision: DecisionApprove})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	as, ok := y.(*ActionStep)
	if !ok {
		t.Fatalf("yield = %T, want *ActionStep", y)
	}
	if as.Observation != "delete_file: deleted /tmp/x" {
		t.Errorf("observation = %q", as.Observation)
	}

	if y, _ = sess.Resume(nil); !isAction(y) {
		t.Fatalf("yield = %T, want final *ActionStep", y)
	}
	y, err = sess.Resume(nil)
	res, ok := y.(*RunResult)
	if err != nil || !ok {
		t.Fatalf("yield = %T, err = %v", y, err)
	}
	if res.State != RunSuccess || res.Output != "done" {
		t.Errorf("result = %+v", res)
	}
	if !sess.Done() || sess.Result() != res || sess.State() != LoopDone {
		t.Error("session should report completion")
	}

	if _, err := sess.Resume(nil); !errors.Is(err, ErrSessionDone) {
		t.Errorf("Resume after completion = %v, want ErrSessionDone", err)
	}
}

func isAction(y Yield) bool {
	_, ok := y.(*ActionStep)
	return ok
}

func TestSessionResponseMismatch(t *testing.T) {
	a := deleteAgent(deleteScript())
	sess := a.Start(context.Background(), Task{Input: "clean up"})
	defer sess.Close()

	y, _ := sess.Resume(nil)
	req := y.(*ConfirmationRequest)

	tests := []struct {
		name string
		resp *ControlResponse
	}{
		{"nil response", nil},
		{"wrong id", &ControlResponse{RequestID: "other", Decision: DecisionApprove}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sess.Resume(tt.resp); !errors.Is(err, ErrResponseMismatch) {
				t.Errorf("err = %v, want ErrResponseMismatch", err)
			}
			if sess.Pending() != Yield(req) {
				t.Error("pending request changed after a mismatch")
			}
		})
	}

	// The session still accepts the right answer.
	y, err := sess.Resume(&ControlResponse{RequestID: req.ID, Decision: DecisionApprove})
	if err != nil || !isAction(y) {
		t.Fatalf("yield = %T, err = %v", y, err)
	}
	if _, err := sess.Resume(&ControlResponse{RequestID: req.ID}); !errors.Is(err, ErrResponseMismatch) {
		t.Errorf("response after a step yield: err = %v", err)
	}
}

func TestSessionDeny(t *testing.T) {
	a := deleteAgent(deleteScript())
	sess := a.Start(context.Background(), Task{Input: "clean up"})
	defer sess.Close()

	y, _ := sess.Resume(nil)
	req := y.(*ConfirmationRequest)
	y, err := sess.Resume(&ControlResponse{RequestID: req.ID, Decision: DecisionDeny})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	as := y.(*ActionStep)
	if len(as.ToolResults) != 1 || !errors.Is(as.ToolResults[0].Err, ErrDenied) {
		t.Errorf("tool results = %+v", as.ToolResults)
	}

	for !sess.Done() {
		if _, err := sess.Resume(nil); err != nil {
			t.Fatalf("Resume: %v", err)
		}
	}
	if res := sess.Result(); res.State != RunSuccess {
		t.Errorf("denial must not end the run: %+v", res)
	}
}

func TestSessionUserInput(t *testing.T) {
	p := script(
		reply("", call("ask", map[string]any{"question": "Which color?"})),
		reply("", finalCall("ok")),
	)
	a := NewAgent("asker", p, WithTools(askTool()))
	sess := a.Start(context.Background(), Task{Input: "pick a color"})
	defer sess.Close()

	y, _ := sess.Resume(nil)
	req, ok := y.(*UserInputRequest)
	if !ok || req.Prompt != "Which color?" {
		t.Fatalf("yield = %#v", y)
	}
	y, _ = sess.Resume(&ControlResponse{RequestID: req.ID, Decision: DecisionValue, Value: "blue"})
	if as := y.(*ActionStep); as.Observation != "ask: blue" {
		t.Errorf("observation = %q", as.Observation)
	}
}

func TestSessionCloseWhileSuspended(t *testing.T) {
	store := &memTranscripts{}
	events := &eventLog{}
	a := deleteAgent(deleteScript(), WithTranscriptStore(store), WithEventHandler(events))
	sess := a.Start(context.Background(), Task{Input: "clean up"})

	if _, err := sess.Resume(nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	sess.Close()
	sess.Close() // idempotent

	if _, err := sess.Resume(nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Resume after Close = %v, want ErrSessionClosed", err)
	}
	if len(store.runs) != 1 {
		t.Fatalf("transcripts = %d, want 1", len(store.runs))
	}
	rec := store.runs[0]
	if rec.State != RunError || !strings.Contains(rec.Error, ErrSessionClosed.Error()) {
		t.Errorf("record = %+v", rec)
	}
	if events.count(EventRunCompleted) != 1 {
		t.Error("closing a suspended run must still complete it")
	}

	// The agent is free again; the script's remaining reply finishes the run.
	res, err := a.Run(context.Background(), Task{Input: "again"})
	if err != nil || res.Output != "done" {
		t.Errorf("run after close = %+v, %v", res, err)
	}
}

func TestSessionCloseBeforeStart(t *testing.T) {
	a := NewAgent("idle", script())
	sess := a.Start(context.Background(), Task{Input: "x"})
	sess.Close()
	if _, err := sess.Resume(nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

func TestSessionAgentBusy(t *testing.T) {
	a := deleteAgent(deleteScript())
	first := a.Start(context.Background(), Task{Input: "clean up"})
	defer first.Close()
	if _, err := first.Resume(nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	second := a.Start(context.Background(), Task{Input: "something else"})
	defer second.Close()
	y, err := second.Resume(nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	res, ok := y.(*RunResult)
	if !ok || res.State != RunError || !errors.Is(res.Err, ErrAgentBusy) {
		t.Errorf("yield = %#v", y)
	}
	// The busy attempt must not touch the running session's memory.
	if got := a.Memory().Len(); got != 2 {
		t.Errorf("memory len = %d, want 2 (system prompt and task)", got)
	}
}

func TestSessionSuspendTTL(t *testing.T) {
	a := deleteAgent(deleteScript(), WithSuspendTTL(20*time.Millisecond))
	sess := a.Start(context.Background(), Task{Input: "clean up"})
	defer sess.Close()

	if _, err := sess.Resume(nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := sess.Resume(nil)
		if errors.Is(err, ErrSessionClosed) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not expired, last err = %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := deleteAgent(deleteScript())
	sess := a.Start(ctx, Task{Input: "clean up"})
	defer sess.Close()

	y, _ := sess.Resume(nil)
	req := y.(*ConfirmationRequest)
	cancel()

	resp := &ControlResponse{RequestID: req.ID, Decision: DecisionApprove}
	for i := 0; i < 10 && !sess.Done(); i++ {
		if _, err := sess.Resume(resp); err != nil {
			t.Fatalf("Resume: %v", err)
		}
		resp = nil
	}
	res := sess.Result()
	if res == nil {
		t.Fatal("run did not finish after cancellation")
	}
	if res.State != RunError || !errors.Is(res.Err, context.Canceled) {
		t.Errorf("result = %+v", res)
	}
}

func TestLoopStateString(t *testing.T) {
	tests := []struct {
		state LoopState
		want  string
	}{
		{LoopIdle, "idle"},
		{LoopPlanning, "planning"},
		{LoopActing, "acting"},
		{LoopEvaluating, "evaluating"},
		{LoopDone, "done"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
		if tt.state.IsTerminal() != (tt.state == LoopDone) {
			t.Errorf("%s.IsTerminal() wrong", tt.state)
		}
	}
}
