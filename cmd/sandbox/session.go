package main

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	lagoon "github.com/nevindra/lagoon"
)

var validSessionID = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// sessionEntry holds one session's executor. mu serializes executions so
// that variables persisted by one request are visible to the next.
type sessionEntry struct {
	mu         sync.Mutex
	exec       lagoon.CodeExecutor
	lastAccess time.Time
}

// sessionManager creates, reuses, and evicts per-session executors.
// All methods are safe for concurrent use.
type sessionManager struct {
	newExec  func() lagoon.CodeExecutor
	ttl      time.Duration
	max      int
	logger   *slog.Logger
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newSessionManager(newExec func() lagoon.CodeExecutor, ttl time.Duration, max int, logger *slog.Logger) *sessionManager {
	return &sessionManager{
		newExec:  newExec,
		ttl:      ttl,
		max:      max,
		logger:   logger,
		sessions: make(map[string]*sessionEntry),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// start launches the background cleanup goroutine.
func (m *sessionManager) start(interval time.Duration) {
	go m.runCleanup(interval)
}

// get returns the entry for sessionID, creating it if necessary. When the
// manager is full the least recently used session is evicted.
func (m *sessionManager) get(sessionID string) (*sessionEntry, error) {
	if !validSessionID.MatchString(sessionID) {
		return nil, fmt.Errorf("invalid session_id: %q", sessionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		if m.max > 0 && len(m.sessions) >= m.max {
			m.evictOldestLocked()
		}
		entry = &sessionEntry{exec: m.newExec()}
		m.sessions[sessionID] = entry
		m.logger.Debug("session created", "session_id", sessionID)
	}
	entry.lastAccess = time.Now()
	return entry, nil
}

// delete drops the session and reports whether it existed.
func (m *sessionManager) delete(sessionID string) bool {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		m.logger.Debug("session deleted", "session_id", sessionID)
	}
	return ok
}

func (m *sessionManager) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// close stops the cleanup goroutine and waits for it to exit.
func (m *sessionManager) close() {
	close(m.stopCh)
	<-m.doneCh
}

// runCleanup runs the TTL eviction loop until stopCh is closed.
func (m *sessionManager) runCleanup(interval time.Duration) {
	defer close(m.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictExpired(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// evictExpired removes sessions idle for longer than the TTL. An execution
// already running on an evicted session completes normally.
func (m *sessionManager) evictExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, entry := range m.sessions {
		if now.Sub(entry.lastAccess) > m.ttl {
			delete(m.sessions, id)
			n++
		}
	}
	if n > 0 {
		m.logger.Info("sessions evicted", "count", n, "remaining", len(m.sessions))
	}
	return n
}

func (m *sessionManager) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, entry := range m.sessions {
		if oldestID == "" || entry.lastAccess.Before(oldest) {
			oldestID, oldest = id, entry.lastAccess
		}
	}
	if oldestID != "" {
		delete(m.sessions, oldestID)
		m.logger.Info("session evicted: capacity reached", "session_id", oldestID)
	}
}
