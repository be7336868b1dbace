package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	lagoon "github.com/nevindra/lagoon"
	"github.com/nevindra/lagoon/internal/config"
)

// executeRequest is the parsed body of POST /execute.
type executeRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

// executeResponse is the JSON body returned by POST /execute. Execution
// failures are reported in Error with status 200.
type executeResponse struct {
	ExecutionID   string            `json:"execution_id"`
	Success       bool              `json:"success"`
	Output        any               `json:"output,omitempty"`
	Logs          string            `json:"logs,omitempty"`
	IsFinalAnswer bool              `json:"is_final_answer"`
	Error         *lagoon.ExecError `json:"error,omitempty"`
	DurationMs    int64             `json:"duration_ms"`
}

const (
	maxRequestBodyBytes = 1 << 20 // 1MB
	defaultListLimit    = 20
)

// server serves the sandbox HTTP API.
type server struct {
	cfg      config.SandboxConfig
	sessions *sessionManager
	sem      chan struct{}
	store    lagoon.TranscriptStore // nil disables execution history
	logger   *slog.Logger
}

func newServer(cfg config.SandboxConfig, sessions *sessionManager, store lagoon.TranscriptStore, logger *slog.Logger) *server {
	return &server{
		cfg:      cfg,
		sessions: sessions,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		store:    store,
		logger:   logger,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("DELETE /session/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /session/{id}/runs", s.handleListRuns)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req executeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.TimeoutMs < 0 {
		writeError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return
	}

	// Acquire execution slot, fail fast under load.
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		writeError(w, http.StatusServiceUnavailable, "server busy: execution capacity reached")
		return
	}

	entry, err := s.sessions.get(req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limits := s.cfg.Limits
	if req.TimeoutMs > 0 {
		limits.Timeout = min(time.Duration(req.TimeoutMs)*time.Millisecond, s.cfg.MaxTimeout)
	}

	entry.mu.Lock()
	res := entry.exec.Execute(r.Context(), lagoon.CodeRequest{Code: req.Code, Limits: limits})
	entry.mu.Unlock()

	id := lagoon.NewID()
	s.logger.Info("code executed",
		"execution_id", id,
		"session_id", req.SessionID,
		"success", res.Success,
		"final", res.IsFinalAnswer,
		"duration", res.Duration,
	)
	s.record(r.Context(), id, req, res)

	writeJSON(w, http.StatusOK, executeResponse{
		ExecutionID:   id,
		Success:       res.Success,
		Output:        res.Output,
		Logs:          res.Logs,
		IsFinalAnswer: res.IsFinalAnswer,
		Error:         res.Err,
		DurationMs:    res.Duration.Milliseconds(),
	})
}

// record saves the execution as a single-step run of the session. Failures
// are logged and never affect the response.
func (s *server) record(ctx context.Context, id string, req executeRequest, res lagoon.ExecutionResult) {
	if s.store == nil {
		return
	}
	rec := lagoon.RunRecord{
		ID:        id,
		Agent:     sessionAgent(req.SessionID),
		Task:      req.Code,
		State:     lagoon.RunSuccess,
		StepCount: 1,
		Duration:  res.Duration,
		CreatedAt: time.Now().Unix(),
	}
	step := lagoon.StepRecord{
		Index:       0,
		Kind:        lagoon.StepAction,
		Number:      1,
		Code:        req.Code,
		Observation: res.Logs,
		Duration:    res.Duration,
	}
	if res.Output != nil {
		if b, err := json.Marshal(res.Output); err == nil {
			rec.Output = string(b)
		}
	}
	if res.Err != nil {
		rec.State = lagoon.RunError
		rec.Error = res.Err.Error()
		step.Error = rec.Error
	}
	rec.Steps = []lagoon.StepRecord{step}

	if err := s.store.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("failed to save execution", "execution_id", id, "error", err)
	}
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.delete(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "execution history is disabled")
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), sessionAgent(r.PathValue("id")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []lagoon.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "sessions": s.sessions.len()})
}

// sessionAgent is the agent name under which a session's executions are stored.
func sessionAgent(sessionID string) string { return "sandbox/" + sessionID }

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
