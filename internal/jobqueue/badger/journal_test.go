package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-auditor/internal/jobqueue"
)

func TestJournalSaveDeletePending(t *testing.T) {
	t.Parallel()

	j, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, j.Close()) })
	ctx := context.Background()

	job := jobqueue.Job{
		ID:      "a",
		Queue:   "fetch",
		Payload: []byte(`{"analysis_id":"x"}`),
		Attempt: 1,
		Options: jobqueue.Options{Retries: 2, Timeout: time.Minute},
	}
	require.NoError(t, j.Save(ctx, job))
	require.NoError(t, j.Save(ctx, jobqueue.Job{ID: "b", Queue: "analyzer:seo", Attempt: 1}))

	job.Attempt = 2
	require.NoError(t, j.Save(ctx, job))

	pending, err := j.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "a", pending[0].ID)
	require.Equal(t, 2, pending[0].Attempt)
	require.Equal(t, time.Minute, pending[0].Options.Timeout)
	require.JSONEq(t, `{"analysis_id":"x"}`, string(pending[0].Payload))

	require.NoError(t, j.Delete(ctx, "a"))
	require.NoError(t, j.Delete(ctx, "never-saved"))
	pending, err = j.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "b", pending[0].ID)
}

func TestJournalPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, j.Save(context.Background(), jobqueue.Job{ID: "durable", Queue: "fetch"}))
	require.NoError(t, j.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reopened.Close()) })
	pending, err := reopened.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "durable", pending[0].ID)
}

func TestNewRequiresDB(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}
