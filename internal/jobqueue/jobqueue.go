// Package jobqueue defines the named-queue job API used by the pipeline:
// job envelopes, retry options, result handles, and the retry policy.
package jobqueue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAwaitTimeout is returned by Handle.AwaitResult when the wait expires
	// before the job reaches a terminal outcome.
	ErrAwaitTimeout = errors.New("await result timed out")
	// ErrJobTimeout marks an attempt that exceeded Options.Timeout.
	ErrJobTimeout = errors.New("job attempt timed out")
	// ErrUnknownQueue is returned when enqueueing to an unregistered queue.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrClosed is returned after the queue has shut down.
	ErrClosed = errors.New("queue closed")
)

// Options controls retries and timeouts for a single job.
type Options struct {
	Retries    int           `json:"retries"`
	Backoff    time.Duration `json:"backoff"`
	MaxBackoff time.Duration `json:"max_backoff"`
	Timeout    time.Duration `json:"timeout"`
}

// Job is the envelope delivered to a Handler. Attempt starts at 1.
type Job struct {
	ID         string    `json:"id"`
	Queue      string    `json:"queue"`
	Payload    []byte    `json:"payload"`
	Attempt    int       `json:"attempt"`
	Options    Options   `json:"options"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// FinalAttempt reports whether no retries remain after this attempt.
func (j Job) FinalAttempt() bool {
	return j.Attempt > j.Options.Retries
}

// Handler processes one attempt of a job and returns its result payload.
type Handler func(ctx context.Context, job Job) ([]byte, error)

// Handle is a future for an enqueued job.
type Handle interface {
	ID() string
	// AwaitResult blocks until the job finishes, wait elapses
	// (ErrAwaitTimeout), or ctx ends. Expiry does not cancel the job.
	AwaitResult(ctx context.Context, wait time.Duration) ([]byte, error)
}

// Queue accepts jobs for named queues.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload []byte, opts Options) (Handle, error)
}

// Journal persists in-flight jobs so they survive a restart.
type Journal interface {
	Save(ctx context.Context, job Job) error
	Delete(ctx context.Context, id string) error
	Pending(ctx context.Context) ([]Job, error)
}

type retryable interface {
	Retryable() bool
}

// Retryable reports whether err permits another attempt. Errors exposing a
// Retryable method decide for themselves; cancellation never retries.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrJobTimeout) {
		return true
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// WillRetry reports whether the queue will schedule another attempt of job
// after it failed with err.
func WillRetry(job Job, err error) bool {
	return err != nil && !job.FinalAttempt() && Retryable(err)
}
