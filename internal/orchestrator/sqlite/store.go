// Package sqlite is the SQLite-backed orchestrator.Store.
//
// WAL mode is enabled on Open so the status endpoints can read while
// workers write.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/orchestrator"

	// pure-Go driver, no CGO
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
    execution_ref TEXT PRIMARY KEY,
    name          TEXT NOT NULL DEFAULT '',
    workflow      TEXT NOT NULL,
    status        TEXT NOT NULL,
    phase         TEXT NOT NULL DEFAULT '',
    input         TEXT,
    output        TEXT,
    error         TEXT NOT NULL DEFAULT '',
    start_date    TEXT NOT NULL,
    stop_date     TEXT
);

CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status, start_date);
CREATE INDEX IF NOT EXISTS idx_executions_start ON executions(start_date);

-- append-only phase history
CREATE TABLE IF NOT EXISTS execution_events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_ref TEXT NOT NULL,
    phase         TEXT NOT NULL,
    detail        TEXT NOT NULL DEFAULT '',
    at            TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_execution_events_ref ON execution_events(execution_ref, id);
`

// fixed width so that TEXT ordering matches time ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const maxListLimit = 1000

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database file and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir %q: %w", dir, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, ex orchestrator.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (execution_ref, name, workflow, status, phase, input, start_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ex.Ref, ex.Name, ex.Workflow, string(ex.Status), ex.Phase, nullable(ex.Input), formatTime(ex.StartDate))
	if err != nil {
		return fmt.Errorf("sqlite: create execution %q: %w", ex.Ref, err)
	}
	return nil
}

const selectExecution = `
	SELECT execution_ref, name, workflow, status, phase, COALESCE(input, ''), COALESCE(output, ''),
	       error, start_date, stop_date
	FROM executions`

func (s *Store) Get(ctx context.Context, ref string) (orchestrator.Execution, error) {
	ex, err := scanExecution(s.db.QueryRowContext(ctx, selectExecution+` WHERE execution_ref = ?`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return orchestrator.Execution{}, orchestrator.ErrExecutionNotFound
	}
	if err != nil {
		return orchestrator.Execution{}, fmt.Errorf("sqlite: get execution %q: %w", ref, err)
	}
	return ex, nil
}

func (s *Store) List(ctx context.Context, f orchestrator.ListFilter) ([]orchestrator.Execution, error) {
	status := string(f.Status)
	if f.Status == orchestrator.StatusAll {
		status = ""
	}
	limit := f.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.QueryContext(ctx, selectExecution+`
		WHERE (? = '' OR status = ?) AND (? = '' OR workflow = ?) AND (? = '' OR name = ?)
		ORDER BY start_date DESC, execution_ref DESC
		LIMIT ?`, status, status, f.Workflow, f.Workflow, f.Name, f.Name, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list executions: %w", err)
	}
	return collect(rows)
}

func (s *Store) Running(ctx context.Context) ([]orchestrator.Execution, error) {
	rows, err := s.db.QueryContext(ctx, selectExecution+` WHERE status = ? ORDER BY start_date`, string(orchestrator.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("sqlite: running executions: %w", err)
	}
	return collect(rows)
}

func (s *Store) SetPhase(ctx context.Context, ref, phase, detail string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin set phase: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE executions SET phase = ? WHERE execution_ref = ?`, phase, ref)
	if err != nil {
		return fmt.Errorf("sqlite: set phase %q: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return orchestrator.ErrExecutionNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO execution_events (execution_ref, phase, detail, at) VALUES (?, ?, ?, ?)`,
		ref, phase, detail, formatTime(at)); err != nil {
		return fmt.Errorf("sqlite: append event %q: %w", ref, err)
	}
	return tx.Commit()
}

// Finish only moves RUNNING executions; a terminal status is never overwritten.
func (s *Store) Finish(ctx context.Context, ref string, status orchestrator.Status, output json.RawMessage, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, output = ?, error = ?, stop_date = ?
		WHERE execution_ref = ? AND status = ?`,
		string(status), nullable(output), errMsg, formatTime(at), ref, string(orchestrator.StatusRunning))
	if err != nil {
		return fmt.Errorf("sqlite: finish %q: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Events(ctx context.Context, ref string) ([]orchestrator.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_ref, phase, detail, at FROM execution_events
		WHERE execution_ref = ? ORDER BY id`, ref)
	if err != nil {
		return nil, fmt.Errorf("sqlite: events %q: %w", ref, err)
	}
	defer rows.Close()

	var out []orchestrator.Event
	for rows.Next() {
		var ev orchestrator.Event
		var at string
		if err := rows.Scan(&ev.Ref, &ev.Phase, &ev.Detail, &at); err != nil {
			return nil, err
		}
		if ev.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) Purge(ctx context.Context, stoppedBefore time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := formatTime(stoppedBefore)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM execution_events WHERE execution_ref IN (
			SELECT execution_ref FROM executions WHERE stop_date IS NOT NULL AND stop_date < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("sqlite: purge events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE stop_date IS NOT NULL AND stop_date < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (orchestrator.Execution, error) {
	var ex orchestrator.Execution
	var status, input, output, start string
	var stop sql.NullString
	if err := row.Scan(&ex.Ref, &ex.Name, &ex.Workflow, &status, &ex.Phase, &input, &output, &ex.Error, &start, &stop); err != nil {
		return ex, err
	}
	ex.Status = orchestrator.Status(status)
	if input != "" {
		ex.Input = json.RawMessage(input)
	}
	if output != "" {
		ex.Output = json.RawMessage(output)
	}
	var err error
	if ex.StartDate, err = parseTime(start); err != nil {
		return ex, err
	}
	if stop.Valid {
		t, err := parseTime(stop.String)
		if err != nil {
			return ex, err
		}
		ex.StopDate = &t
	}
	return ex, nil
}

func collect(rows *sql.Rows) ([]orchestrator.Execution, error) {
	defer rows.Close()
	out := []orchestrator.Execution{}
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan execution: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

// nullable stores NULL instead of an empty TEXT.
func nullable(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
