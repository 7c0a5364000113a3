package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-auditor/internal/audit"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seeded(t *testing.T, status audit.AnalysisStatus) *Store {
	t.Helper()
	s := NewStore()
	require.NoError(t, s.CreateAnalysis(context.Background(), audit.Analysis{
		ID: "a1", TargetURL: "https://example.com", Tenant: "acme", Status: status, CreatedAt: t0,
	}))
	return s
}

func TestStoreAnalysisLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := seeded(t, audit.AnalysisPending)

	require.Error(t, s.CreateAnalysis(ctx, audit.Analysis{ID: "a1"}))
	_, err := s.GetAnalysis(ctx, "missing")
	require.ErrorIs(t, err, audit.ErrNotFound)

	applied, err := s.UpdateStatusIfCurrent(ctx, "a1", audit.AnalysisProcessing, audit.AnalysisCompleted, t0)
	require.NoError(t, err)
	require.False(t, applied)

	applied, err = s.UpdateStatusIfCurrent(ctx, "a1", audit.AnalysisPending, audit.AnalysisProcessing, t0)
	require.NoError(t, err)
	require.True(t, applied)

	_, err = s.UpdateStatusIfCurrent(ctx, "a1", audit.AnalysisProcessing, audit.AnalysisPending, t0)
	require.ErrorIs(t, err, audit.ErrInvalidTransition)

	done := t0.Add(time.Minute)
	applied, err = s.UpdateStatusIfCurrent(ctx, "a1", audit.AnalysisProcessing, audit.AnalysisCompletedWithErrors, done)
	require.NoError(t, err)
	require.True(t, applied)

	a, err := s.GetAnalysis(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, audit.AnalysisCompletedWithErrors, a.Status)
	require.Equal(t, done, *a.CompletedAt)
}

func TestStoreConditionalUpdateHasSingleWinner(t *testing.T) {
	t.Parallel()
	s := seeded(t, audit.AnalysisProcessing)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.UpdateStatusIfCurrent(context.Background(), "a1", audit.AnalysisProcessing, audit.AnalysisCompleted, t0)
			require.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func TestStoreJobRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := seeded(t, audit.AnalysisProcessing)

	n, err := s.CreateJobRecords(ctx, "a1", []string{"seo", "accessibility"}, t0)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = s.CreateJobRecords(ctx, "a1", []string{"seo", "performance"}, t0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	records, err := s.ListJobRecords(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "accessibility", records[0].Module)

	started := t0.Add(time.Second)
	ok, err := s.TransitionJobRecord(ctx, audit.JobTransition{
		AnalysisID: "a1", Module: "seo", From: []audit.JobStatus{audit.JobPending}, To: audit.JobRunning, At: started,
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TransitionJobRecord(ctx, audit.JobTransition{
		AnalysisID: "a1", Module: "seo", From: []audit.JobStatus{audit.JobRunning}, To: audit.JobFailed,
		ErrorMessage: "boom", At: started.Add(time.Second),
	})
	require.NoError(t, err)
	require.True(t, ok)

	// Terminal records are never overwritten.
	ok, err = s.TransitionJobRecord(ctx, audit.JobTransition{
		AnalysisID: "a1", Module: "seo", From: []audit.JobStatus{audit.JobPending, audit.JobRunning}, To: audit.JobCompleted, At: started,
	})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.TransitionJobRecord(ctx, audit.JobTransition{AnalysisID: "a1", Module: "nope"})
	require.ErrorIs(t, err, audit.ErrNotFound)

	records, err = s.ListJobRecords(ctx, "a1")
	require.NoError(t, err)
	seo := records[2]
	require.Equal(t, audit.JobFailed, seo.Status)
	require.Equal(t, "boom", seo.ErrorMessage)
	require.Equal(t, started, *seo.StartedAt)
}

func TestStoreListStaleJobRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := seeded(t, audit.AnalysisProcessing)
	require.NoError(t, s.CreateAnalysis(ctx, audit.Analysis{ID: "a2", Status: audit.AnalysisPending, CreatedAt: t0}))

	_, err := s.CreateJobRecords(ctx, "a1", []string{"seo", "accessibility", "performance"}, t0)
	require.NoError(t, err)
	_, err = s.CreateJobRecords(ctx, "a2", []string{"seo"}, t0)
	require.NoError(t, err)

	_, err = s.TransitionJobRecord(ctx, audit.JobTransition{
		AnalysisID: "a1", Module: "accessibility", From: []audit.JobStatus{audit.JobPending}, To: audit.JobRunning, At: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = s.TransitionJobRecord(ctx, audit.JobTransition{
		AnalysisID: "a1", Module: "performance", From: []audit.JobStatus{audit.JobPending}, To: audit.JobCompleted, At: t0,
	})
	require.NoError(t, err)

	stale, err := s.ListStaleJobRecords(ctx, t0.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "seo", stale[0].Module)
	require.Equal(t, "a1", stale[0].AnalysisID)
}
