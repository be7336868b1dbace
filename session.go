package lagoon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// LoopState is the phase a run is in.
type LoopState int32

const (
	LoopIdle LoopState = iota
	LoopPlanning
	LoopActing
	LoopEvaluating
	LoopDone
)

func (s LoopState) String() string {
	switch s {
	case LoopPlanning:
		return "planning"
	case LoopActing:
		return "acting"
	case LoopEvaluating:
		return "evaluating"
	case LoopDone:
		return "done"
	}
	return "idle"
}

// IsTerminal reports whether no further transitions are possible.
func (s LoopState) IsTerminal() bool { return s == LoopDone }

// Session is a suspended-able run of an agent. The run executes on its own
// goroutine and hands control back to the driver at every step boundary and
// whenever a tool raises a ControlRequest. Exactly one side runs at a time:
// the run is parked while the driver holds a Yield, and the driver is blocked
// in Resume while the run executes.
//
// The driver must eventually either drive the session to its RunResult or
// call Close; an abandoned session keeps its goroutine parked.
type Session struct {
	agent *Agent
	ctx   context.Context
	task  Task

	yieldCh  chan Yield
	resumeCh chan *ControlResponse
	closed   chan struct{}
	exited   chan struct{}

	closeOnce sync.Once
	started   atomic.Bool
	state     atomic.Int32

	mu      sync.Mutex // serializes Resume
	pending Yield
	result  *RunResult
	timer   *time.Timer

	reqMu sync.Mutex // one control request in flight at a time

	fatalMu sync.Mutex
	fatal   error
}

func newSession(ctx context.Context, a *Agent, task Task) *Session {
	return &Session{
		agent:    a,
		ctx:      ctx,
		task:     task,
		yieldCh:  make(chan Yield, 1),
		resumeCh: make(chan *ControlResponse, 1),
		closed:   make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Start begins a run of task and returns its session. Nothing executes until
// the first Resume(nil).
func (a *Agent) Start(ctx context.Context, task Task) *Session {
	return newSession(ctx, a, task)
}

// Resume hands control to the run until its next yield point. The first call
// starts the run and must pass nil. When the last yield was a ControlRequest,
// resp must answer it (matching RequestID); after a step yield resp must be nil.
//
// A mismatched response returns ErrResponseMismatch and leaves the session
// unchanged. After the RunResult has been yielded Resume returns ErrSessionDone.
func (s *Session) Resume(resp *ControlResponse) (Yield, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result != nil {
		return nil, ErrSessionDone
	}
	select {
	case <-s.closed:
		return nil, ErrSessionClosed
	default:
	}
	if err := s.check(resp); err != nil {
		return nil, err
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	if s.started.CompareAndSwap(false, true) {
		go s.run()
	} else {
		// Drop an answer the run stopped waiting for when its context ended.
		select {
		case <-s.resumeCh:
		default:
		}
		s.resumeCh <- resp
	}

	var y Yield
	select {
	case y = <-s.yieldCh:
	case <-s.exited:
		select {
		case y = <-s.yieldCh:
		default:
			return nil, ErrSessionClosed
		}
	}
	s.pending = y
	if r, ok := y.(*RunResult); ok {
		s.result = r
		return y, nil
	}
	if ttl := s.agent.cfg.suspendTTL; ttl > 0 {
		s.timer = time.AfterFunc(ttl, func() {
			s.agent.logger.Warn("session expired while suspended", "agent", s.agent.name, "ttl", ttl)
			s.Close()
		})
	}
	return y, nil
}

func (s *Session) check(resp *ControlResponse) error {
	req, ok := s.pending.(ControlRequest)
	if !ok {
		if resp != nil {
			return ErrResponseMismatch
		}
		return nil
	}
	if resp == nil || resp.RequestID != req.RequestID() {
		return ErrResponseMismatch
	}
	return nil
}

// Pending returns the last value yielded to the driver, or nil before the
// first Resume.
func (s *Session) Pending() Yield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Done reports whether the session has yielded its RunResult.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result != nil
}

// Result returns the final result, or nil while the run is in progress.
func (s *Session) Result() *RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// State returns the loop phase of the run.
func (s *Session) State() LoopState { return LoopState(s.state.Load()) }

func (s *Session) setState(st LoopState) { s.state.Store(int32(st)) }

// Close abandons the session. A run parked at a yield point resumes with
// ErrSessionClosed and finishes in the error state; Close waits for it, so
// an in-flight tool batch completes before Close returns. Safe to call more
// than once and after completion.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	if s.started.Load() {
		<-s.exited
	}
}

func (s *Session) run() {
	defer close(s.exited)
	res := s.agent.execute(s)
	s.setState(LoopDone)
	select {
	case s.yieldCh <- res:
	case <-s.closed:
	}
}

// yield parks the run until the driver resumes it.
func (s *Session) yield(y Yield) (*ControlResponse, error) {
	select {
	case s.yieldCh <- y:
	case <-s.closed:
		return nil, ErrSessionClosed
	}
	select {
	case resp := <-s.resumeCh:
		if resp != nil && resp.err != nil {
			return nil, resp.err
		}
		return resp, nil
	case <-s.closed:
		return nil, ErrSessionClosed
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// request implements controller for tools running inside this session.
func (s *Session) request(ctx context.Context, req ControlRequest) (ControlResponse, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	s.agent.emit(ctx, Event{Type: EventControlRequest, Request: req})
	s.agent.logger.Info("control request raised", "agent", s.agent.name, "request_id", req.RequestID(), "request", req.Describe())

	resp, err := s.yield(req)
	if err != nil {
		if errors.Is(err, ErrControlUnanswerable) || errors.Is(err, ErrSessionClosed) {
			s.setFatal(err)
		}
		return ControlResponse{}, err
	}
	return *resp, nil
}

// setFatal records a control failure that must end the run even if the tool
// that raised the request swallows the error.
func (s *Session) setFatal(err error) {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	if s.fatal == nil {
		s.fatal = err
	}
}

func (s *Session) fatalErr() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatal
}
