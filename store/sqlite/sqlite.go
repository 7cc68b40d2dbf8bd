// Package sqlite implements setfarm.Store on a single local SQLite file
// using the pure-Go driver. Zero CGO required.
//
// The database is the system's only source of truth. Every compound state
// transition (claim, complete, fail, reset, resume) runs as one immediate
// write transaction, so concurrent engine processes, CLI invocations, and
// the medic serialize through SQLite's locking instead of coordinating in
// memory.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/setfarm/setfarm"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// maxMedicChecks is the medic report retention bound.
const maxMedicChecks = 500

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements setfarm.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ setfarm.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// dsn builds the connection string: WAL journaling for concurrent readers,
// immediate transactions so writers take the lock up front, and a busy
// timeout so short-lived CLI processes wait for each other instead of
// failing with SQLITE_BUSY.
func dsn(path string) string {
	return "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"
}

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and applies pending schema migrations.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			task TEXT NOT NULL,
			status TEXT NOT NULL,
			meta TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			step_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_limit INTEGER NOT NULL DEFAULT 3,
			abandoned_count INTEGER NOT NULL DEFAULT 0,
			timeout_minutes INTEGER NOT NULL DEFAULT 0,
			input TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			outputs TEXT NOT NULL DEFAULT '[]',
			loop_config TEXT,
			current_story_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(run_id, step_index)
		)`,
		`CREATE TABLE IF NOT EXISTS stories (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			story_id TEXT NOT NULL,
			story_index INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			input TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_limit INTEGER NOT NULL DEFAULT 3,
			abandoned_count INTEGER NOT NULL DEFAULT 0,
			needs_verify INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(step_id, story_index)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS medic_checks (
			id TEXT PRIMARY KEY,
			checked_at INTEGER NOT NULL,
			issues_found INTEGER NOT NULL DEFAULT 0,
			actions_taken INTEGER NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			findings TEXT NOT NULL DEFAULT '[]'
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	if err := s.migrate(ctx); err != nil {
		return err
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id, status)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_steps_claim ON steps(status, agent_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_stories_step ON stories(step_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_stories_claim ON stories(status, needs_verify)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// migration is one versioned schema change. Migrations run inside a
// transaction and are recorded in schema_migrations, so each applies exactly
// once per database.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "steps verify agent column",
		stmts: []string{
			`ALTER TABLE steps ADD COLUMN verify_agent_id TEXT NOT NULL DEFAULT ''`,
		},
	},
	{
		version: 2,
		name:    "stories verify input column",
		stmts: []string{
			`ALTER TABLE stories ADD COLUMN verify_input TEXT NOT NULL DEFAULT ''`,
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if current.Valid && m.version <= int(current.Int64) {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback() //nolint:errcheck
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, time.Now().Unix()); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		s.logger.Info("sqlite: migration applied", "version", m.version, "name", m.name)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: store closed")
	return s.db.Close()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx, so scan and event helpers
// work inside and outside transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const runCols = `id, workflow_id, task, status, meta, created_at, updated_at`

const stepCols = `id, run_id, step_index, step_id, agent_id, type, status,
	retry_count, retry_limit, abandoned_count, timeout_minutes,
	input, output, outputs, loop_config, current_story_id, created_at, updated_at`

const storyCols = `id, run_id, step_id, story_id, story_index, title, input, status,
	output, retry_count, retry_limit, abandoned_count, needs_verify, verify_input,
	created_at, updated_at`

func scanRun(sc rowScanner) (*setfarm.Run, error) {
	var run setfarm.Run
	var meta string
	if err := sc.Scan(&run.ID, &run.WorkflowID, &run.Task, &run.Status, &meta,
		&run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Meta = map[string]string{}
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &run.Meta)
	}
	return &run, nil
}

func scanStep(sc rowScanner) (*setfarm.Step, error) {
	var step setfarm.Step
	var outputs string
	var loopCfg sql.NullString
	if err := sc.Scan(&step.ID, &step.RunID, &step.StepIndex, &step.StepID, &step.AgentID,
		&step.Type, &step.Status, &step.RetryCount, &step.RetryLimit, &step.AbandonedCount,
		&step.TimeoutMinutes, &step.Input, &step.Output, &outputs, &loopCfg,
		&step.CurrentStoryID, &step.CreatedAt, &step.UpdatedAt); err != nil {
		return nil, err
	}
	if outputs != "" {
		_ = json.Unmarshal([]byte(outputs), &step.Outputs)
	}
	if loopCfg.Valid && loopCfg.String != "" {
		var lc setfarm.LoopConfig
		if err := json.Unmarshal([]byte(loopCfg.String), &lc); err == nil {
			step.Loop = &lc
		}
	}
	return &step, nil
}

func scanStory(sc rowScanner) (*setfarm.Story, error) {
	var story setfarm.Story
	var needsVerify int
	if err := sc.Scan(&story.ID, &story.RunID, &story.StepID, &story.StoryID, &story.StoryIndex,
		&story.Title, &story.Input, &story.Status, &story.Output, &story.RetryCount,
		&story.RetryLimit, &story.AbandonedCount, &needsVerify, &story.VerifyInput,
		&story.CreatedAt, &story.UpdatedAt); err != nil {
		return nil, err
	}
	story.NeedsVerify = needsVerify != 0
	return &story, nil
}

func jsonArray(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func jsonMap(v map[string]string) string {
	if len(v) == 0 {
		return "{}"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func insertEvent(ctx context.Context, q dbtx, ev setfarm.Event) error {
	if _, err := q.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, kind, detail, ts) VALUES (?, ?, ?, ?, ?)`,
		ev.RunID, ev.StepID, ev.Kind, ev.Detail, ev.TS); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// --- Runs ---

// SeedRun inserts a run and its steps in one transaction.
func (s *Store) SeedRun(ctx context.Context, run *setfarm.Run, steps []*setfarm.Step) error {
	start := time.Now()
	s.logger.Debug("sqlite: seed run", "run_id", run.ID, "workflow_id", run.WorkflowID, "steps", len(steps))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, task, status, meta, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.Task, run.Status, jsonMap(run.Meta), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: insert run failed", "run_id", run.ID, "error", err)
		return fmt.Errorf("insert run: %w", err)
	}

	for _, st := range steps {
		var loopJSON any
		var verifyAgent string
		if st.Loop != nil {
			data, _ := json.Marshal(st.Loop)
			loopJSON = string(data)
			verifyAgent = st.Loop.VerifyAgentID
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO steps (id, run_id, step_index, step_id, agent_id, type, status,
				retry_count, retry_limit, abandoned_count, timeout_minutes,
				input, output, outputs, loop_config, verify_agent_id, current_story_id,
				created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?, '', ?, ?, ?, '', ?, ?)`,
			st.ID, st.RunID, st.StepIndex, st.StepID, st.AgentID, st.Type, st.Status,
			st.RetryLimit, st.TimeoutMinutes, st.Input, jsonArray(st.Outputs),
			loopJSON, verifyAgent, st.CreatedAt, st.UpdatedAt,
		)
		if err != nil {
			s.logger.Error("sqlite: insert step failed", "step_id", st.ID, "error", err)
			return fmt.Errorf("insert step: %w", err)
		}
	}

	if err := insertEvent(ctx, tx, setfarm.Event{
		RunID: run.ID, Kind: setfarm.EventRunCreated,
		Detail: run.WorkflowID, TS: run.CreatedAt,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: seed run commit failed", "run_id", run.ID, "error", err)
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: seed run ok", "run_id", run.ID, "duration", time.Since(start))
	return nil
}

func getRun(ctx context.Context, q dbtx, id string) (*setfarm.Run, error) {
	run, err := scanRun(q.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, setfarm.E(setfarm.KindNotFound, "get run", "run %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*setfarm.Run, error) {
	return getRun(ctx, s.db, id)
}

// ListRuns returns runs, newest first, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, status setfarm.RunStatus, limit int) ([]*setfarm.Run, error) {
	query := `SELECT ` + runCols + ` FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectRuns(rows)
}

// ListRunsByWorkflow returns a workflow's runs, newest first, optionally
// filtered by status.
func (s *Store) ListRunsByWorkflow(ctx context.Context, workflowID string, status setfarm.RunStatus) ([]*setfarm.Run, error) {
	query := `SELECT ` + runCols + ` FROM runs WHERE workflow_id = ?`
	args := []any{workflowID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs by workflow: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]*setfarm.Run, error) {
	var runs []*setfarm.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// markRun transitions a running run to a terminal status and emits the
// event. Marking an already-terminal run is a no-op so crash recovery can
// replay the transition.
func (s *Store) markRun(ctx context.Context, runID string, status setfarm.RunStatus, kind, detail string, now int64) error {
	start := time.Now()
	s.logger.Debug("sqlite: mark run", "run_id", runID, "status", status)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		status, now, runID, setfarm.RunRunning)
	if err != nil {
		return fmt.Errorf("mark run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := getRun(ctx, tx, runID); err != nil {
			return err
		}
		// Already terminal.
		return tx.Commit()
	}
	if err := insertEvent(ctx, tx, setfarm.Event{RunID: runID, Kind: kind, Detail: detail, TS: now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: mark run ok", "run_id", runID, "status", status, "duration", time.Since(start))
	return nil
}

// MarkRunDone transitions a running run to done.
func (s *Store) MarkRunDone(ctx context.Context, runID string, now int64) error {
	return s.markRun(ctx, runID, setfarm.RunDone, setfarm.EventRunDone, "", now)
}

// MarkRunFailed transitions a running run to failed.
func (s *Store) MarkRunFailed(ctx context.Context, runID, reason string, now int64) error {
	return s.markRun(ctx, runID, setfarm.RunFailed, setfarm.EventRunFailed, reason, now)
}

// UpdateRunMeta merges the given keys into the run's meta map.
func (s *Store) UpdateRunMeta(ctx context.Context, runID string, meta map[string]string, now int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	run, err := getRun(ctx, tx, runID)
	if err != nil {
		return err
	}
	for k, v := range meta {
		run.Meta[k] = v
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET meta = ?, updated_at = ? WHERE id = ?`,
		jsonMap(run.Meta), now, runID); err != nil {
		return fmt.Errorf("update run meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: run meta updated", "run_id", runID, "keys", len(meta))
	return nil
}

// --- Steps ---

func getStep(ctx context.Context, q dbtx, id string) (*setfarm.Step, error) {
	step, err := scanStep(q.QueryRowContext(ctx, `SELECT `+stepCols+` FROM steps WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, setfarm.E(setfarm.KindNotFound, "get step", "step %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return step, nil
}

// GetStep returns a step by id.
func (s *Store) GetStep(ctx context.Context, id string) (*setfarm.Step, error) {
	return getStep(ctx, s.db, id)
}

// ListSteps returns a run's steps ordered by step_index.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]*setfarm.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepCols+` FROM steps WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectSteps(rows)
}

// ListRunningSteps returns running steps belonging to running runs.
func (s *Store) ListRunningSteps(ctx context.Context) ([]*setfarm.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.run_id, s.step_index, s.step_id, s.agent_id, s.type, s.status,
			s.retry_count, s.retry_limit, s.abandoned_count, s.timeout_minutes,
			s.input, s.output, s.outputs, s.loop_config, s.current_story_id, s.created_at, s.updated_at
		 FROM steps s
		 JOIN runs r ON r.id = s.run_id
		 WHERE s.status = ? AND r.status = ?
		 ORDER BY s.updated_at`,
		setfarm.StepRunning, setfarm.RunRunning)
	if err != nil {
		return nil, fmt.Errorf("list running steps: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectSteps(rows)
}

func collectSteps(rows *sql.Rows) ([]*setfarm.Step, error) {
	var steps []*setfarm.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ActivateStep transitions a waiting step to pending with its resolved
// input. Activating a step that already left waiting is a no-op.
func (s *Store) ActivateStep(ctx context.Context, stepID, input string, now int64) error {
	start := time.Now()
	s.logger.Debug("sqlite: activate step", "step_id", stepID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE steps SET status = ?, input = ?, updated_at = ? WHERE id = ? AND status = ?`,
		setfarm.StepPending, input, now, stepID, setfarm.StepWaiting)
	if err != nil {
		return fmt.Errorf("activate step: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := getStep(ctx, tx, stepID); err != nil {
			return err
		}
		// Already activated by a concurrent advance.
		return tx.Commit()
	}
	step, err := getStep(ctx, tx, stepID)
	if err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, setfarm.Event{
		RunID: step.RunID, StepID: step.ID, Kind: setfarm.EventStepPending,
		Detail: step.StepID, TS: now,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: activate step ok", "step_id", stepID, "duration", time.Since(start))
	return nil
}

// --- Stories ---

func getStory(ctx context.Context, q dbtx, id string) (*setfarm.Story, error) {
	story, err := scanStory(q.QueryRowContext(ctx, `SELECT `+storyCols+` FROM stories WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, setfarm.E(setfarm.KindNotFound, "get story", "story %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}
	return story, nil
}

// GetStory returns a story by id.
func (s *Store) GetStory(ctx context.Context, id string) (*setfarm.Story, error) {
	return getStory(ctx, s.db, id)
}

// ListStories returns a loop step's stories ordered by story_index.
func (s *Store) ListStories(ctx context.Context, stepID string) ([]*setfarm.Story, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+storyCols+` FROM stories WHERE step_id = ? ORDER BY story_index`, stepID)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectStories(rows)
}

// ListRunStories returns all stories of a run ordered by step and index.
func (s *Store) ListRunStories(ctx context.Context, runID string) ([]*setfarm.Story, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+storyCols+` FROM stories WHERE run_id = ? ORDER BY step_id, story_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run stories: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectStories(rows)
}

// ListRunningStories returns running stories belonging to running runs.
func (s *Store) ListRunningStories(ctx context.Context) ([]*setfarm.Story, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.run_id, t.step_id, t.story_id, t.story_index, t.title, t.input, t.status,
			t.output, t.retry_count, t.retry_limit, t.abandoned_count, t.needs_verify, t.verify_input,
			t.created_at, t.updated_at
		 FROM stories t
		 JOIN runs r ON r.id = t.run_id
		 WHERE t.status = ? AND r.status = ?
		 ORDER BY t.updated_at`,
		setfarm.StoryRunning, setfarm.RunRunning)
	if err != nil {
		return nil, fmt.Errorf("list running stories: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return collectStories(rows)
}

func collectStories(rows *sql.Rows) ([]*setfarm.Story, error) {
	var stories []*setfarm.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		stories = append(stories, story)
	}
	return stories, rows.Err()
}

// InsertStories materializes a loop step's stories in one transaction.
func (s *Store) InsertStories(ctx context.Context, stepID string, stories []*setfarm.Story) error {
	start := time.Now()
	s.logger.Debug("sqlite: insert stories", "step_id", stepID, "count", len(stories))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, st := range stories {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stories (id, run_id, step_id, story_id, story_index, title, input,
				status, output, retry_count, retry_limit, abandoned_count, needs_verify,
				verify_input, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?, 0, 0, '', ?, ?)`,
			st.ID, st.RunID, st.StepID, st.StoryID, st.StoryIndex, st.Title, st.Input,
			st.Status, st.RetryLimit, st.CreatedAt, st.UpdatedAt,
		)
		if err != nil {
			s.logger.Error("sqlite: insert story failed", "story_id", st.ID, "error", err)
			return fmt.Errorf("insert story: %w", err)
		}
	}
	if len(stories) > 0 {
		first := stories[0]
		if err := insertEvent(ctx, tx, setfarm.Event{
			RunID: first.RunID, StepID: stepID, Kind: setfarm.EventStoriesSeeded,
			Detail: fmt.Sprintf("%d stories", len(stories)), TS: first.CreatedAt,
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: insert stories commit failed", "step_id", stepID, "error", err)
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: insert stories ok", "step_id", stepID, "count", len(stories), "duration", time.Since(start))
	return nil
}

// --- Events ---

// AppendEvent inserts one event row.
func (s *Store) AppendEvent(ctx context.Context, ev setfarm.Event) error {
	return insertEvent(ctx, s.db, ev)
}

// ListEvents returns a run's events in insertion order. A positive limit
// keeps only the most recent limit events.
func (s *Store) ListEvents(ctx context.Context, runID string, limit int) ([]setfarm.Event, error) {
	query := `SELECT id, run_id, step_id, kind, detail, ts FROM events WHERE run_id = ? ORDER BY id`
	args := []any{runID}
	if limit > 0 {
		query = `SELECT id, run_id, step_id, kind, detail, ts FROM (
			SELECT id, run_id, step_id, kind, detail, ts FROM events
			WHERE run_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var events []setfarm.Event
	for rows.Next() {
		var ev setfarm.Event
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.StepID, &ev.Kind, &ev.Detail, &ev.TS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Medic checks ---

// InsertMedicCheck records a watchdog pass and prunes retention.
func (s *Store) InsertMedicCheck(ctx context.Context, check *setfarm.MedicCheck) error {
	start := time.Now()
	findings := "[]"
	if len(check.Findings) > 0 {
		data, _ := json.Marshal(check.Findings)
		findings = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO medic_checks (id, checked_at, issues_found, actions_taken, summary, findings)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		check.ID, check.CheckedAt, check.IssuesFound, check.ActionsTaken, check.Summary, findings,
	); err != nil {
		s.logger.Error("sqlite: insert medic check failed", "id", check.ID, "error", err)
		return fmt.Errorf("insert medic check: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM medic_checks WHERE id NOT IN (
			SELECT id FROM medic_checks ORDER BY checked_at DESC, id DESC LIMIT ?
		)`, maxMedicChecks); err != nil {
		return fmt.Errorf("prune medic checks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: medic check recorded", "id", check.ID, "issues", check.IssuesFound, "duration", time.Since(start))
	return nil
}

// ListMedicChecks returns medic reports, newest first.
func (s *Store) ListMedicChecks(ctx context.Context, limit int) ([]*setfarm.MedicCheck, error) {
	query := `SELECT id, checked_at, issues_found, actions_taken, summary, findings
		FROM medic_checks ORDER BY checked_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list medic checks: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var checks []*setfarm.MedicCheck
	for rows.Next() {
		var check setfarm.MedicCheck
		var findings string
		if err := rows.Scan(&check.ID, &check.CheckedAt, &check.IssuesFound,
			&check.ActionsTaken, &check.Summary, &findings); err != nil {
			return nil, fmt.Errorf("scan medic check: %w", err)
		}
		if findings != "" {
			_ = json.Unmarshal([]byte(findings), &check.Findings)
		}
		checks = append(checks, &check)
	}
	return checks, rows.Err()
}
