// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-auditor/internal/audit"
)

// Schema creates the tables used by Store.
const Schema = `
CREATE TABLE IF NOT EXISTS analyses (
	id           TEXT PRIMARY KEY,
	target_url   TEXT NOT NULL,
	tenant       TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS job_records (
	analysis_id   TEXT NOT NULL REFERENCES analyses(id),
	module        TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (analysis_id, module)
);
CREATE INDEX IF NOT EXISTS job_records_status_idx ON job_records (status);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements audit.Store on Postgres.
type Store struct {
	pool pool
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateAnalysis inserts a new analysis row.
func (s *Store) CreateAnalysis(ctx context.Context, a audit.Analysis) error {
	const query = `
INSERT INTO analyses (id, target_url, tenant, status, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, query, a.ID, a.TargetURL, a.Tenant, string(a.Status), a.CreatedAt, a.CompletedAt); err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// GetAnalysis loads one analysis.
func (s *Store) GetAnalysis(ctx context.Context, id string) (audit.Analysis, error) {
	const query = `
SELECT id, target_url, tenant, status, created_at, completed_at
FROM analyses WHERE id = $1`
	var (
		a      audit.Analysis
		status string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.TargetURL, &a.Tenant, &status, &a.CreatedAt, &a.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Analysis{}, fmt.Errorf("analysis %s: %w", id, audit.ErrNotFound)
	}
	if err != nil {
		return audit.Analysis{}, fmt.Errorf("select analysis: %w", err)
	}
	a.Status = audit.AnalysisStatus(status)
	return a, nil
}

// UpdateStatusIfCurrent moves the row to next only when it is still expected.
func (s *Store) UpdateStatusIfCurrent(ctx context.Context, id string, expected, next audit.AnalysisStatus, at time.Time) (bool, error) {
	if err := audit.ValidateTransition(expected, next); err != nil {
		return false, err
	}
	const query = `
UPDATE analyses SET status = $1, completed_at = COALESCE($2, completed_at)
WHERE id = $3 AND status = $4`
	var completedAt *time.Time
	if next.Terminal() {
		completedAt = &at
	}
	tag, err := s.pool.Exec(ctx, query, string(next), completedAt, id, string(expected))
	if err != nil {
		return false, fmt.Errorf("update analysis status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateJobRecords inserts one pending row per module, ignoring existing ones.
func (s *Store) CreateJobRecords(ctx context.Context, analysisID string, modules []string, at time.Time) (int, error) {
	if len(modules) == 0 {
		return 0, nil
	}
	const query = `
INSERT INTO job_records (analysis_id, module, status, created_at)
SELECT $1, m, $2, $3 FROM unnest($4::text[]) AS m
ON CONFLICT (analysis_id, module) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, analysisID, string(audit.JobPending), at, modules)
	if err != nil {
		return 0, fmt.Errorf("insert job records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const recordColumns = `analysis_id, module, status, created_at, started_at, completed_at, error_message`

// ListJobRecords returns the analysis's records ordered by module.
func (s *Store) ListJobRecords(ctx context.Context, analysisID string) ([]audit.JobRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM job_records WHERE analysis_id = $1 ORDER BY module`
	rows, err := s.pool.Query(ctx, query, analysisID)
	if err != nil {
		return nil, fmt.Errorf("select job records: %w", err)
	}
	return scanRecords(rows)
}

// TransitionJobRecord applies t when the current status is one of t.From.
func (s *Store) TransitionJobRecord(ctx context.Context, t audit.JobTransition) (bool, error) {
	const query = `
UPDATE job_records
SET status = $1,
	started_at = COALESCE(started_at, $2),
	completed_at = $3,
	error_message = $4
WHERE analysis_id = $5 AND module = $6 AND status = ANY($7)`
	var startedAt, completedAt *time.Time
	if t.To == audit.JobRunning {
		startedAt = &t.At
	}
	if t.To.Terminal() {
		completedAt = &t.At
	}
	tag, err := s.pool.Exec(ctx, query, string(t.To), startedAt, completedAt, t.ErrorMessage,
		t.AnalysisID, t.Module, statusStrings(t.From))
	if err != nil {
		return false, fmt.Errorf("transition job record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.jobRecordExists(ctx, t.AnalysisID, t.Module)
}

// jobRecordExists separates a status mismatch from a missing record.
func (s *Store) jobRecordExists(ctx context.Context, analysisID, module string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM job_records WHERE analysis_id = $1 AND module = $2)`,
		analysisID, module).Scan(&exists)
	if err != nil {
		return fmt.Errorf("select job record: %w", err)
	}
	if !exists {
		return fmt.Errorf("job record %s/%s: %w", analysisID, module, audit.ErrNotFound)
	}
	return nil
}

// ListStaleJobRecords returns idle non-terminal records of processing analyses.
func (s *Store) ListStaleJobRecords(ctx context.Context, cutoff time.Time, limit int) ([]audit.JobRecord, error) {
	query := `
SELECT r.analysis_id, r.module, r.status, r.created_at, r.started_at, r.completed_at, r.error_message
FROM job_records r JOIN analyses a ON a.id = r.analysis_id
WHERE a.status = $1 AND r.status = ANY($2)
	AND COALESCE(r.started_at, r.created_at) < $3
ORDER BY COALESCE(r.started_at, r.created_at)
LIMIT $4`
	rows, err := s.pool.Query(ctx, query, string(audit.AnalysisProcessing),
		[]string{string(audit.JobPending), string(audit.JobRunning)}, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select stale job records: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]audit.JobRecord, error) {
	defer rows.Close()
	var out []audit.JobRecord
	for rows.Next() {
		var (
			r      audit.JobRecord
			status string
		)
		if err := rows.Scan(&r.AnalysisID, &r.Module, &status, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan job record: %w", err)
		}
		r.Status = audit.JobStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job records: %w", err)
	}
	return out, nil
}

func statusStrings(in []audit.JobStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
