// Package sqlite implements lagoon.TranscriptStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lagoon "github.com/nevindra/lagoon"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements lagoon.TranscriptStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ lagoon.TranscriptStore = (*Store)(nil)

// defaultListLimit applies when ListRuns is called with limit <= 0.
const defaultListLimit = 50

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables. Safe to call more than once.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			task TEXT NOT NULL,
			state TEXT NOT NULL,
			output TEXT,
			error TEXT,
			step_count INTEGER NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent, created_at)`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			run_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			kind TEXT NOT NULL,
			number INTEGER NOT NULL,
			content TEXT,
			code TEXT,
			observation TEXT,
			error TEXT,
			tool_calls TEXT,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			PRIMARY KEY (run_id, idx)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.logger.Error("sqlite: init failed", "error", err, "duration", time.Since(start))
			return fmt.Errorf("create schema: %w", err)
		}
	}
	s.logger.Debug("sqlite: init ok", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun writes rec and its steps in one transaction. Saving an existing
// run ID replaces the earlier record.
func (s *Store) SaveRun(ctx context.Context, rec lagoon.RunRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: save run", "id", rec.ID, "agent", rec.Agent, "steps", len(rec.Steps))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
		 (id, agent, task, state, output, error, step_count, input_tokens, output_tokens, duration_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Agent, rec.Task, string(rec.State), nullable(rec.Output), nullable(rec.Error),
		rec.StepCount, rec.Usage.InputTokens, rec.Usage.OutputTokens, int64(rec.Duration), rec.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save run failed", "id", rec.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_steps WHERE run_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("save run: clear steps: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_steps
		 (run_id, idx, kind, number, content, code, observation, error, tool_calls, input_tokens, output_tokens, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save run: prepare steps: %w", err)
	}
	defer stmt.Close()

	for _, st := range rec.Steps {
		var calls *string
		if len(st.ToolCalls) > 0 {
			data, err := json.Marshal(st.ToolCalls)
			if err != nil {
				return fmt.Errorf("save run: encode tool calls of step %d: %w", st.Index, err)
			}
			v := string(data)
			calls = &v
		}
		_, err := stmt.ExecContext(ctx,
			rec.ID, st.Index, string(st.Kind), st.Number, nullable(st.Content), nullable(st.Code),
			nullable(st.Observation), nullable(st.Error), calls,
			st.Usage.InputTokens, st.Usage.OutputTokens, int64(st.Duration),
		)
		if err != nil {
			s.logger.Error("sqlite: save step failed", "id", rec.ID, "index", st.Index, "error", err)
			return fmt.Errorf("save run: step %d: %w", st.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save run: commit: %w", err)
	}
	s.logger.Debug("sqlite: save run ok", "id", rec.ID, "duration", time.Since(start))
	return nil
}

// GetRun returns a run with all of its steps. It returns an error wrapping
// lagoon.ErrRunNotFound when id is unknown.
func (s *Store) GetRun(ctx context.Context, id string) (lagoon.RunRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get run", "id", id)

	rec, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, agent, task, state, output, error, step_count, input_tokens, output_tokens, duration_ns, created_at
		 FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return lagoon.RunRecord{}, fmt.Errorf("get run %s: %w", id, lagoon.ErrRunNotFound)
	}
	if err != nil {
		s.logger.Error("sqlite: get run failed", "id", id, "error", err, "duration", time.Since(start))
		return lagoon.RunRecord{}, fmt.Errorf("get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, kind, number, content, code, observation, error, tool_calls, input_tokens, output_tokens, duration_ns
		 FROM run_steps WHERE run_id = ? ORDER BY idx`, id)
	if err != nil {
		return lagoon.RunRecord{}, fmt.Errorf("get run steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st                                        lagoon.StepRecord
			kind                                      string
			content, code, observation, errMsg, calls sql.NullString
			durationNs                                int64
		)
		if err := rows.Scan(&st.Index, &kind, &st.Number, &content, &code, &observation, &errMsg, &calls,
			&st.Usage.InputTokens, &st.Usage.OutputTokens, &durationNs); err != nil {
			return lagoon.RunRecord{}, fmt.Errorf("scan step: %w", err)
		}
		st.Kind = lagoon.StepKind(kind)
		st.Content, st.Code, st.Observation, st.Error = content.String, code.String, observation.String, errMsg.String
		st.Duration = time.Duration(durationNs)
		if calls.Valid {
			if err := json.Unmarshal([]byte(calls.String), &st.ToolCalls); err != nil {
				return lagoon.RunRecord{}, fmt.Errorf("decode tool calls of step %d: %w", st.Index, err)
			}
		}
		rec.Steps = append(rec.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return lagoon.RunRecord{}, fmt.Errorf("get run steps: %w", err)
	}
	s.logger.Debug("sqlite: get run ok", "id", id, "steps", len(rec.Steps), "duration", time.Since(start))
	return rec, nil
}

// ListRuns returns run summaries (without steps), most recent first. An
// empty agent lists runs of every agent.
func (s *Store) ListRuns(ctx context.Context, agent string, limit int) ([]lagoon.RunRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list runs", "agent", agent, "limit", limit)
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent, task, state, output, error, step_count, input_tokens, output_tokens, duration_ns, created_at
		 FROM runs WHERE (? = '' OR agent = ?)
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		agent, agent, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: list runs failed", "agent", agent, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []lagoon.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	s.logger.Debug("sqlite: list runs ok", "agent", agent, "count", len(runs), "duration", time.Since(start))
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (lagoon.RunRecord, error) {
	var (
		rec            lagoon.RunRecord
		state          string
		output, errMsg sql.NullString
		durationNs     int64
	)
	err := row.Scan(&rec.ID, &rec.Agent, &rec.Task, &state, &output, &errMsg, &rec.StepCount,
		&rec.Usage.InputTokens, &rec.Usage.OutputTokens, &durationNs, &rec.CreatedAt)
	if err != nil {
		return lagoon.RunRecord{}, err
	}
	rec.State = lagoon.RunState(state)
	rec.Output, rec.Error = output.String, errMsg.String
	rec.Duration = time.Duration(durationNs)
	return rec, nil
}

// nullable maps "" to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
