package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-auditor/internal/audit"
)

var now = time.Unix(1700000000, 0).UTC()

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestCreateAnalysisInsertsRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	a := audit.Analysis{ID: "a1", TargetURL: "https://example.com", Tenant: "acme", Status: audit.AnalysisPending, CreatedAt: now}
	mock.ExpectExec("INSERT INTO analyses").
		WithArgs("a1", "https://example.com", "acme", "pending", now, (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateAnalysis(context.Background(), a))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAnalysis(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	rows := mock.NewRows([]string{"id", "target_url", "tenant", "status", "created_at", "completed_at"}).
		AddRow("a1", "https://example.com", "acme", "processing", now, (*time.Time)(nil))
	mock.ExpectQuery("SELECT id, target_url").WithArgs("a1").WillReturnRows(rows)

	got, err := store.GetAnalysis(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, audit.AnalysisProcessing, got.Status)
	require.Equal(t, "acme", got.Tenant)
	require.Nil(t, got.CompletedAt)

	mock.ExpectQuery("SELECT id, target_url").WithArgs("missing").
		WillReturnRows(mock.NewRows([]string{"id", "target_url", "tenant", "status", "created_at", "completed_at"}))
	_, err = store.GetAnalysis(context.Background(), "missing")
	require.ErrorIs(t, err, audit.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusIfCurrent(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE analyses SET status").
		WithArgs("completed", &now, "a1", "processing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	applied, err := store.UpdateStatusIfCurrent(ctx, "a1", audit.AnalysisProcessing, audit.AnalysisCompleted, now)
	require.NoError(t, err)
	require.True(t, applied)

	mock.ExpectExec("UPDATE analyses SET status").
		WithArgs("processing", (*time.Time)(nil), "a1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	applied, err = store.UpdateStatusIfCurrent(ctx, "a1", audit.AnalysisPending, audit.AnalysisProcessing, now)
	require.NoError(t, err)
	require.False(t, applied)

	_, err = store.UpdateStatusIfCurrent(ctx, "a1", audit.AnalysisCompleted, audit.AnalysisFailed, now)
	require.ErrorIs(t, err, audit.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobRecordsIsIdempotentInsert(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO job_records").
		WithArgs("a1", "pending", now, []string{"seo", "performance"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	n, err := store.CreateJobRecords(context.Background(), "a1", []string{"seo", "performance"}, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = store.CreateJobRecords(context.Background(), "a1", nil, now)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJobRecord(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE job_records").
		WithArgs("failed", (*time.Time)(nil), &now, "boom", "a1", "seo", []string{"pending", "running"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("a1", "seo").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))
	ok, err := store.TransitionJobRecord(context.Background(), audit.JobTransition{
		AnalysisID: "a1", Module: "seo",
		From: []audit.JobStatus{audit.JobPending, audit.JobRunning}, To: audit.JobFailed,
		ErrorMessage: "boom", At: now,
	})
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJobRecordMissingRecord(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE job_records").
		WithArgs("running", &now, (*time.Time)(nil), "", "a1", "perf", []string{"pending"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("a1", "perf").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))
	ok, err := store.TransitionJobRecord(context.Background(), audit.JobTransition{
		AnalysisID: "a1", Module: "perf",
		From: []audit.JobStatus{audit.JobPending}, To: audit.JobRunning, At: now,
	})
	require.ErrorIs(t, err, audit.ErrNotFound)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobRecords(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	started := now.Add(time.Second)
	rows := mock.NewRows([]string{"analysis_id", "module", "status", "created_at", "started_at", "completed_at", "error_message"}).
		AddRow("a1", "accessibility", "running", now, &started, (*time.Time)(nil), "").
		AddRow("a1", "seo", "failed", now, &started, &started, "boom")
	mock.ExpectQuery("SELECT analysis_id, module").WithArgs("a1").WillReturnRows(rows)

	records, err := store.ListJobRecords(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, audit.JobRunning, records[0].Status)
	require.Equal(t, "boom", records[1].ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStaleJobRecords(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	rows := mock.NewRows([]string{"analysis_id", "module", "status", "created_at", "started_at", "completed_at", "error_message"}).
		AddRow("a1", "seo", "pending", now, (*time.Time)(nil), (*time.Time)(nil), "")
	mock.ExpectQuery("FROM job_records r JOIN analyses").
		WithArgs("processing", []string{"pending", "running"}, now, 50).
		WillReturnRows(rows)

	stale, err := store.ListStaleJobRecords(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, audit.JobPending, stale[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.ErrorContains(t, err, "dsn")
	_, err = NewWithPool(nil)
	require.Error(t, err)
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
