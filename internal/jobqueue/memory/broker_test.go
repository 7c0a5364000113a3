package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-auditor/internal/jobqueue"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

type fakeJournal struct {
	mu   sync.Mutex
	jobs map[string]jobqueue.Job
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{jobs: make(map[string]jobqueue.Job)}
}

func (j *fakeJournal) Save(_ context.Context, job jobqueue.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs[job.ID] = job
	return nil
}

func (j *fakeJournal) Delete(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.jobs, id)
	return nil
}

func (j *fakeJournal) Pending(context.Context) ([]jobqueue.Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]jobqueue.Job, 0, len(j.jobs))
	for _, job := range j.jobs {
		out = append(out, job)
	}
	return out, nil
}

func (j *fakeJournal) size() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.jobs)
}

type permanentErr struct{}

func (permanentErr) Error() string   { return "permanent" }
func (permanentErr) Retryable() bool { return false }

func startBroker(t *testing.T, b *Broker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func fastRetry(retries int) jobqueue.Options {
	return jobqueue.Options{Retries: retries, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestBrokerDeliversResult(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{}, &seqIDs{}, zap.NewNop())
	require.NoError(t, b.Register("echo", func(_ context.Context, job jobqueue.Job) ([]byte, error) {
		return append([]byte("echo:"), job.Payload...), nil
	}, 1))
	startBroker(t, b)

	h, err := b.Enqueue(context.Background(), "echo", []byte("hi"), jobqueue.Options{})
	require.NoError(t, err)
	require.Equal(t, "job-1", h.ID())
	got, err := h.AwaitResult(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "echo:hi", string(got))
}

func TestBrokerRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	b := NewBroker(Config{}, &seqIDs{}, zap.NewNop())
	require.NoError(t, b.Register("flaky", func(_ context.Context, job jobqueue.Job) ([]byte, error) {
		attempts.Add(1)
		if job.Attempt < 3 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	}, 1))
	startBroker(t, b)

	h, err := b.Enqueue(context.Background(), "flaky", nil, fastRetry(2))
	require.NoError(t, err)
	got, err := h.AwaitResult(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "ok", string(got))
	require.EqualValues(t, 3, attempts.Load())
}

func TestBrokerStopsAfterRetriesExhausted(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	b := NewBroker(Config{}, &seqIDs{}, zap.NewNop())
	require.NoError(t, b.Register("broken", func(context.Context, jobqueue.Job) ([]byte, error) {
		attempts.Add(1)
		return nil, errors.New("still broken")
	}, 1))
	startBroker(t, b)

	h, err := b.Enqueue(context.Background(), "broken", nil, fastRetry(1))
	require.NoError(t, err)
	_, err = h.AwaitResult(context.Background(), time.Second)
	require.EqualError(t, err, "still broken")
	require.EqualValues(t, 2, attempts.Load())
}

func TestBrokerDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	b := NewBroker(Config{}, &seqIDs{}, zap.NewNop())
	require.NoError(t, b.Register("fatal", func(context.Context, jobqueue.Job) ([]byte, error) {
		attempts.Add(1)
		return nil, fmt.Errorf("navigate: %w", permanentErr{})
	}, 1))
	startBroker(t, b)

	h, err := b.Enqueue(context.Background(), "fatal", nil, fastRetry(5))
	require.NoError(t, err)
	_, err = h.AwaitResult(context.Background(), time.Second)
	require.ErrorAs(t, err, &permanentErr{})
	require.EqualValues(t, 1, attempts.Load())
}

func TestBrokerAttemptTimeout(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{}, &seqIDs{}, zap.NewNop())
	require.NoError(t, b.Register("slow", func(ctx context.Context, _ jobqueue.Job) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 1))
	startBroker(t, b)

	h, err := b.Enqueue(context.Background(), "slow", nil, jobqueue.Options{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = h.AwaitResult(context.Background(), time.Second)
	require.ErrorIs(t, err, jobqueue.ErrJobTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitTimeoutDoesNotCancelJob(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	b := NewBroker(Config{}, &seqIDs{}, zap.NewNop())
	require.NoError(t, b.Register("gated", func(context.Context, jobqueue.Job) ([]byte, error) {
		<-release
		return []byte("late"), nil
	}, 1))
	startBroker(t, b)

	h, err := b.Enqueue(context.Background(), "gated", nil, jobqueue.Options{})
	require.NoError(t, err)
	_, err = h.AwaitResult(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, jobqueue.ErrAwaitTimeout)

	close(release)
	got, err := h.AwaitResult(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "late", string(got))
}

func TestBrokerRespectsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	b := NewBroker(Config{}, &seqIDs{}, zap.NewNop())
	require.NoError(t, b.Register("capped", func(context.Context, jobqueue.Job) ([]byte, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}, 2))
	startBroker(t, b)

	handles := make([]jobqueue.Handle, 0, 6)
	for i := 0; i < 6; i++ {
		h, err := b.Enqueue(context.Background(), "capped", nil, jobqueue.Options{})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := h.AwaitResult(context.Background(), time.Second)
		require.NoError(t, err)
	}
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBrokerRejectsUnknownQueueAndClosed(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{}, &seqIDs{}, zap.NewNop())
	require.NoError(t, b.Register("known", func(context.Context, jobqueue.Job) ([]byte, error) { return nil, nil }, 1))
	require.Error(t, b.Register("known", func(context.Context, jobqueue.Job) ([]byte, error) { return nil, nil }, 1))

	_, err := b.Enqueue(context.Background(), "missing", nil, jobqueue.Options{})
	require.ErrorIs(t, err, jobqueue.ErrUnknownQueue)

	b.Close()
	b.Close()
	_, err = b.Enqueue(context.Background(), "known", nil, jobqueue.Options{})
	require.ErrorIs(t, err, jobqueue.ErrClosed)
}

func TestBrokerJournalLifecycle(t *testing.T) {
	t.Parallel()

	journal := newFakeJournal()
	require.NoError(t, journal.Save(context.Background(), jobqueue.Job{ID: "left-over", Queue: "work", Attempt: 2, Payload: []byte("old")}))
	require.NoError(t, journal.Save(context.Background(), jobqueue.Job{ID: "orphan", Queue: "gone"}))

	seen := make(chan string, 4)
	b := NewBroker(Config{Journal: journal}, &seqIDs{}, zap.NewNop())
	require.NoError(t, b.Register("work", func(_ context.Context, job jobqueue.Job) ([]byte, error) {
		seen <- string(job.Payload)
		return nil, nil
	}, 1))

	restored, err := b.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, restored)
	startBroker(t, b)

	h, err := b.Enqueue(context.Background(), "work", []byte("new"), jobqueue.Options{})
	require.NoError(t, err)
	_, err = h.AwaitResult(context.Background(), time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return journal.size() == 1 }, time.Second, 5*time.Millisecond)
	got := []string{<-seen, <-seen}
	require.ElementsMatch(t, []string{"old", "new"}, got)
}

func TestRecoverDiscardsConfiguredQueues(t *testing.T) {
	t.Parallel()

	journal := newFakeJournal()
	require.NoError(t, journal.Save(context.Background(), jobqueue.Job{ID: "stale-fetch", Queue: "fetch", Payload: []byte("fetch")}))
	require.NoError(t, journal.Save(context.Background(), jobqueue.Job{ID: "left-over", Queue: "work", Payload: []byte("work")}))

	seen := make(chan string, 4)
	handler := func(_ context.Context, job jobqueue.Job) ([]byte, error) {
		seen <- string(job.Payload)
		return nil, nil
	}
	b := NewBroker(Config{Journal: journal, DiscardOnRecover: []string{"fetch"}}, &seqIDs{}, zap.NewNop())
	require.NoError(t, b.Register("fetch", handler, 1))
	require.NoError(t, b.Register("work", handler, 1))

	restored, err := b.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, restored)
	require.Equal(t, 1, journal.size())
	startBroker(t, b)

	require.Equal(t, "work", <-seen)
	require.Eventually(t, func() bool { return journal.size() == 0 }, time.Second, 5*time.Millisecond)
	require.Empty(t, seen)
}

func TestBrokerRecoversFromHandlerPanic(t *testing.T) {
	t.Parallel()

	b := NewBroker(Config{}, &seqIDs{}, zap.NewNop())
	require.NoError(t, b.Register("panics", func(context.Context, jobqueue.Job) ([]byte, error) {
		panic("boom")
	}, 1))
	startBroker(t, b)

	h, err := b.Enqueue(context.Background(), "panics", nil, jobqueue.Options{})
	require.NoError(t, err)
	_, err = h.AwaitResult(context.Background(), time.Second)
	require.ErrorContains(t, err, "handler panic: boom")
}
