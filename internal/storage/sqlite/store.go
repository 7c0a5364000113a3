// Package sqlite provides a single-file persistence backend built on the
// pure-Go modernc SQLite driver, suited to the CLI and single-node runs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/site-auditor/internal/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS analyses (
	id           TEXT PRIMARY KEY,
	target_url   TEXT NOT NULL,
	tenant       TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE TABLE IF NOT EXISTS job_records (
	analysis_id   TEXT NOT NULL,
	module        TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	started_at    INTEGER,
	completed_at  INTEGER,
	error_message TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (analysis_id, module)
);
CREATE INDEX IF NOT EXISTS idx_job_records_status ON job_records(status);
`

// Store implements audit.Store on SQLite. Timestamps are stored as Unix
// nanoseconds in UTC.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAnalysis inserts a new analysis row.
func (s *Store) CreateAnalysis(ctx context.Context, a audit.Analysis) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (id, target_url, tenant, status, created_at, completed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.TargetURL, a.Tenant, string(a.Status), toNanos(a.CreatedAt), nullNanos(a.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// GetAnalysis loads one analysis.
func (s *Store) GetAnalysis(ctx context.Context, id string) (audit.Analysis, error) {
	var (
		a         audit.Analysis
		status    string
		created   int64
		completed sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, target_url, tenant, status, created_at, completed_at FROM analyses WHERE id = ?`, id).
		Scan(&a.ID, &a.TargetURL, &a.Tenant, &status, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Analysis{}, fmt.Errorf("analysis %s: %w", id, audit.ErrNotFound)
	}
	if err != nil {
		return audit.Analysis{}, fmt.Errorf("select analysis: %w", err)
	}
	a.Status = audit.AnalysisStatus(status)
	a.CreatedAt = fromNanos(created)
	a.CompletedAt = fromNull(completed)
	return a, nil
}

// UpdateStatusIfCurrent moves the row to next only when it is still expected.
func (s *Store) UpdateStatusIfCurrent(ctx context.Context, id string, expected, next audit.AnalysisStatus, at time.Time) (bool, error) {
	if err := audit.ValidateTransition(expected, next); err != nil {
		return false, err
	}
	var completed any
	if next.Terminal() {
		completed = toNanos(at)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ? AND status = ?`,
		string(next), completed, id, string(expected))
	if err != nil {
		return false, fmt.Errorf("update analysis status: %w", err)
	}
	return affected(res)
}

// CreateJobRecords inserts one pending row per module, ignoring existing ones.
func (s *Store) CreateJobRecords(ctx context.Context, analysisID string, modules []string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	inserted := 0
	for _, m := range modules {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO job_records (analysis_id, module, status, created_at) VALUES (?, ?, ?, ?)`,
			analysisID, m, string(audit.JobPending), toNanos(at))
		if err != nil {
			return 0, fmt.Errorf("insert job record %s: %w", m, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit job records: %w", err)
	}
	return inserted, nil
}

// ListJobRecords returns the analysis's records ordered by module.
func (s *Store) ListJobRecords(ctx context.Context, analysisID string) ([]audit.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT analysis_id, module, status, created_at, started_at, completed_at, error_message
		FROM job_records WHERE analysis_id = ? ORDER BY module`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("select job records: %w", err)
	}
	return scanRecords(rows)
}

// TransitionJobRecord applies t when the current status is one of t.From.
func (s *Store) TransitionJobRecord(ctx context.Context, t audit.JobTransition) (bool, error) {
	if len(t.From) == 0 {
		return false, s.jobRecordExists(ctx, t.AnalysisID, t.Module)
	}
	var started, completed any
	if t.To == audit.JobRunning {
		started = toNanos(t.At)
	}
	if t.To.Terminal() {
		completed = toNanos(t.At)
	}
	args := []any{string(t.To), started, completed, t.ErrorMessage, t.AnalysisID, t.Module}
	for _, from := range t.From {
		args = append(args, string(from))
	}
	query := `UPDATE job_records
		SET status = ?, started_at = COALESCE(started_at, ?), completed_at = ?, error_message = ?
		WHERE analysis_id = ? AND module = ? AND status IN (` + placeholders(len(t.From)) + `)`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition job record: %w", err)
	}
	ok, err := affected(res)
	if ok || err != nil {
		return ok, err
	}
	return false, s.jobRecordExists(ctx, t.AnalysisID, t.Module)
}

// jobRecordExists separates a status mismatch from a missing record.
func (s *Store) jobRecordExists(ctx context.Context, analysisID, module string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM job_records WHERE analysis_id = ? AND module = ?`, analysisID, module).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job record %s/%s: %w", analysisID, module, audit.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("select job record: %w", err)
	}
	return nil
}

// ListStaleJobRecords returns idle non-terminal records of processing analyses.
func (s *Store) ListStaleJobRecords(ctx context.Context, cutoff time.Time, limit int) ([]audit.JobRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.analysis_id, r.module, r.status, r.created_at, r.started_at, r.completed_at, r.error_message
		FROM job_records r JOIN analyses a ON a.id = r.analysis_id
		WHERE a.status = ? AND r.status IN (?, ?) AND COALESCE(r.started_at, r.created_at) < ?
		ORDER BY COALESCE(r.started_at, r.created_at) LIMIT ?`,
		string(audit.AnalysisProcessing), string(audit.JobPending), string(audit.JobRunning), toNanos(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("select stale job records: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]audit.JobRecord, error) {
	defer rows.Close() //nolint:errcheck // read-only cursor
	var out []audit.JobRecord
	for rows.Next() {
		var (
			r                  audit.JobRecord
			status             string
			created            int64
			started, completed sql.NullInt64
		)
		if err := rows.Scan(&r.AnalysisID, &r.Module, &status, &created, &started, &completed, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan job record: %w", err)
		}
		r.Status = audit.JobStatus(status)
		r.CreatedAt = fromNanos(created)
		r.StartedAt = fromNull(started)
		r.CompletedAt = fromNull(completed)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job records: %w", err)
	}
	return out, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func fromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
