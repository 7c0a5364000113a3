package audit

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	all := []AnalysisStatus{
		AnalysisPending, AnalysisProcessing, AnalysisCompleted,
		AnalysisCompletedWithErrors, AnalysisFailed,
	}
	allowed := map[[2]AnalysisStatus]bool{
		{AnalysisPending, AnalysisProcessing}:             true,
		{AnalysisPending, AnalysisFailed}:                 true,
		{AnalysisProcessing, AnalysisCompleted}:           true,
		{AnalysisProcessing, AnalysisCompletedWithErrors}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]AnalysisStatus{from, to}]
			require.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
			if !want {
				require.ErrorIs(t, ValidateTransition(from, to), ErrInvalidTransition)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	t.Parallel()

	require.False(t, AnalysisPending.Terminal())
	require.False(t, AnalysisProcessing.Terminal())
	require.True(t, AnalysisCompleted.Terminal())
	require.True(t, AnalysisCompletedWithErrors.Terminal())
	require.True(t, AnalysisFailed.Terminal())
	require.True(t, JobFailed.Terminal())
	require.False(t, JobRunning.Terminal())
}

func TestTerminalFor(t *testing.T) {
	t.Parallel()

	ok := []JobRecord{{Status: JobCompleted}, {Status: JobCompleted}}
	require.Equal(t, AnalysisCompleted, TerminalFor(ok))
	mixed := append(ok, JobRecord{Status: JobFailed})
	require.Equal(t, AnalysisCompletedWithErrors, TerminalFor(mixed))
}

func TestStageErrorKinds(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	fatal := fmt.Errorf("wrap: %w", Fatal("fetch", base))
	require.True(t, IsFatal(fatal))
	require.ErrorIs(t, fatal, base)
	require.Equal(t, KindFatal, KindOf(fatal))

	transient := Transient("fetch", base)
	require.False(t, IsFatal(transient))
	var se *StageError
	require.True(t, errors.As(transient, &se))
	require.True(t, se.Retryable())
	require.Contains(t, transient.Error(), "fetch: transient: boom")
	require.Equal(t, ErrorKind(""), KindOf(base))
}

func TestJobRecordLastActivity(t *testing.T) {
	t.Parallel()

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	started := created.Add(time.Minute)
	rec := JobRecord{CreatedAt: created}
	require.Equal(t, created, rec.LastActivity())
	rec.StartedAt = &started
	require.Equal(t, started, rec.LastActivity())

	tr := JobTransition{From: []JobStatus{JobPending, JobRunning}}
	require.True(t, tr.Allows(JobRunning))
	require.False(t, tr.Allows(JobCompleted))
}
