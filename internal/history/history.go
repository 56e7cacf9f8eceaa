// Package history is the run ledger: one row per sync run plus one row per
// dispatched intent, kept in SQLite.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"icssync/internal/model"
	"icssync/internal/reconcile"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoRuns is returned by LastRun on an empty ledger.
var ErrNoRuns = errors.New("no runs recorded")

// Run statuses.
const (
	StatusSuccess = "success" // every intent applied
	StatusPartial = "partial" // some intents failed
	StatusFailed  = "failed"  // the run aborted before dispatch
	StatusDryRun  = "dry_run"
)

// Run is one ledger entry.
type Run struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Status     string            `json:"status"`
	DryRun     bool              `json:"dry_run"`
	Backend    string            `json:"backend"`
	Summary    reconcile.Summary `json:"summary"`
	Failed     int               `json:"failed"`
	Error      string            `json:"error,omitempty"`

	Intents []IntentResult `json:"intents,omitempty"`
}

// Duration is the wall time of the run.
func (r Run) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// IntentResult is the recorded outcome of one intent.
type IntentResult struct {
	Kind     model.IntentKind `json:"kind"`
	Key      string           `json:"key"`
	TargetID string           `json:"target_id,omitempty"`
	OK       bool             `json:"ok"`
	Class    string           `json:"class,omitempty"`
	Error    string           `json:"error,omitempty"`
	Duration time.Duration    `json:"duration"`
}

// Store is the SQLite-backed ledger.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger at path and migrates it.
// ":memory:" is accepted for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record stores a run and its intent results in one transaction.
func (s *Store) Record(ctx context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sum := run.Summary
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, status, dry_run, backend,
			sources, targets, creates, updates, unchanged, deletes,
			source_collisions, target_collisions, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Status, run.DryRun, run.Backend,
		sum.Sources, sum.Targets, sum.Creates, sum.Updates, sum.Unchanged, sum.Deletes,
		sum.SourceCollisions, sum.TargetCollisions, run.Failed, run.Error,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO intent_results (run_id, seq, kind, match_key, target_id, ok, class, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare intent insert: %w", err)
	}
	defer stmt.Close()

	for i, in := range run.Intents {
		if _, err := stmt.ExecContext(ctx, run.ID, i, string(in.Kind), in.Key, in.TargetID,
			in.OK, in.Class, in.Error, in.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("insert intent result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const runColumns = `id, started_at, finished_at, status, dry_run, backend,
	sources, targets, creates, updates, unchanged, deletes,
	source_collisions, target_collisions, failed, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Status, &r.DryRun, &r.Backend,
		&r.Summary.Sources, &r.Summary.Targets, &r.Summary.Creates, &r.Summary.Updates,
		&r.Summary.Unchanged, &r.Summary.Deletes, &r.Summary.SourceCollisions,
		&r.Summary.TargetCollisions, &r.Failed, &r.Error)
	return r, err
}

// LastRun returns the most recent run with its intent results.
func (s *Store) LastRun(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT 1`)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRuns
	}
	if err != nil {
		return nil, fmt.Errorf("query last run: %w", err)
	}
	r.Intents, err = s.Intents(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns up to limit runs, newest first, without intent results.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Intents returns the intent results of a run in dispatch order.
func (s *Store) Intents(ctx context.Context, runID string) ([]IntentResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, match_key, target_id, ok, class, error, duration_ms
		FROM intent_results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query intent results: %w", err)
	}
	defer rows.Close()

	out := make([]IntentResult, 0)
	for rows.Next() {
		var (
			in   IntentResult
			kind string
			ms   int64
		)
		if err := rows.Scan(&kind, &in.Key, &in.TargetID, &in.OK, &in.Class, &in.Error, &ms); err != nil {
			return nil, fmt.Errorf("scan intent result: %w", err)
		}
		in.Kind = model.IntentKind(kind)
		in.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, in)
	}
	return out, rows.Err()
}

// Prune deletes runs older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}
