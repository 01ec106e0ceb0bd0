// Package sqlite persists the run audit trail: run lifecycle rows and
// per-stage events. Generated stage text is deliberately never stored.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"playlistgen/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	query TEXT NOT NULL,
	resolved_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	stage TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	detail TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs(id, query, resolved_name, status, last_error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Query, run.ResolvedName, string(run.Status), run.LastError,
		run.CreatedAt.Unix(), run.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, lastError string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC().Unix(), runID,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

func (s *Store) SetRunResolvedName(ctx context.Context, runID string, resolvedName string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET resolved_name = ?, updated_at = ? WHERE id = ?`,
		resolvedName, time.Now().UTC().Unix(), runID,
	)
	if err != nil {
		return fmt.Errorf("set run resolved name: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, query, resolved_name, status, last_error, created_at, updated_at
		FROM runs WHERE id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, query, resolved_name, status, last_error, created_at, updated_at
		FROM runs ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func (s *Store) LogEvent(ctx context.Context, event domain.RunEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	detail := event.Detail
	if detail == nil {
		detail = []byte("{}")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_events(run_id, stage, action, reason, detail, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Stage, event.Action, event.Reason, string(detail), event.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]domain.RunEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, run_id, stage, action, reason, detail, created_at
		FROM run_events WHERE run_id = ? ORDER BY id ASC LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var events []domain.RunEvent
	for rows.Next() {
		var ev domain.RunEvent
		var detail string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Stage, &ev.Action, &ev.Reason, &detail, &created); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.Detail = []byte(detail)
		ev.CreatedAt = time.Unix(created, 0).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var status string
	var created, updated int64
	if err := row.Scan(
		&run.ID, &run.Query, &run.ResolvedName, &status, &run.LastError, &created, &updated,
	); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunStatus(status)
	run.CreatedAt = time.Unix(created, 0).UTC()
	run.UpdatedAt = time.Unix(updated, 0).UTC()
	return run, nil
}
