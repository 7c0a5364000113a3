// Package memory implements jobqueue.Queue with in-process named queues, one
// bounded channel and worker pool per queue, retries with backoff, per-attempt
// timeouts, and result futures.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-auditor/internal/jobqueue"
)

const defaultCapacity = 256

// Job outcomes reported to Config.Observer.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Config tunes the broker.
type Config struct {
	// Capacity bounds each queue's buffer; Enqueue blocks when it is full.
	Capacity int
	// Journal, when set, persists jobs until they reach a terminal outcome.
	Journal jobqueue.Journal
	// Observer receives one call per finished attempt.
	Observer func(queue, outcome string, elapsed time.Duration)
	// DiscardOnRecover names queues whose journaled jobs Recover drops
	// instead of replaying. Their submitters awaited the result in-process
	// and are gone after a restart.
	DiscardOnRecover []string
}

// Broker routes jobs to per-queue worker pools.
type Broker struct {
	logger *zap.Logger
	ids    IDGenerator
	cfg    Config

	mu      sync.Mutex
	queues  map[string]*namedQueue
	running bool

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type namedQueue struct {
	name        string
	handler     jobqueue.Handler
	concurrency int
	ch          chan *delivery
}

type delivery struct {
	job    jobqueue.Job
	future *future
}

// NewBroker constructs a Broker.
func NewBroker(cfg Config, ids IDGenerator, logger *zap.Logger) *Broker {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		logger: logger.Named("jobqueue"),
		ids:    ids,
		cfg:    cfg,
		queues: make(map[string]*namedQueue),
		done:   make(chan struct{}),
	}
}

// Register binds handler to a queue served by concurrency workers. Queues
// must be registered before Run.
func (b *Broker) Register(queue string, handler jobqueue.Handler, concurrency int) error {
	if queue == "" {
		return errors.New("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("queue %s: handler is required", queue)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("queue %s: register after start", queue)
	}
	if _, ok := b.queues[queue]; ok {
		return fmt.Errorf("queue %s: already registered", queue)
	}
	b.queues[queue] = &namedQueue{
		name:        queue,
		handler:     handler,
		concurrency: concurrency,
		ch:          make(chan *delivery, b.cfg.Capacity),
	}
	return nil
}

// Enqueue implements jobqueue.Queue.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload []byte, opts jobqueue.Options) (jobqueue.Handle, error) {
	q, err := b.lookup(queue)
	if err != nil {
		return nil, err
	}
	id, err := b.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	job := jobqueue.Job{
		ID:         id,
		Queue:      queue,
		Payload:    payload,
		Attempt:    1,
		Options:    opts,
		EnqueuedAt: time.Now().UTC(),
	}
	if b.cfg.Journal != nil {
		if err := b.cfg.Journal.Save(ctx, job); err != nil {
			return nil, fmt.Errorf("journal save: %w", err)
		}
	}
	d := &delivery{job: job, future: newFuture(id)}
	if err := b.push(ctx, q, d); err != nil {
		b.forget(job.ID)
		return nil, err
	}
	return d.future, nil
}

// Recover re-enqueues journaled jobs left over from a previous process and
// returns how many were restored. Jobs for unregistered queues are skipped and
// jobs for Config.DiscardOnRecover queues are deleted from the journal.
func (b *Broker) Recover(ctx context.Context) (int, error) {
	if b.cfg.Journal == nil {
		return 0, nil
	}
	jobs, err := b.cfg.Journal.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("journal pending: %w", err)
	}
	restored := 0
	for _, job := range jobs {
		if slices.Contains(b.cfg.DiscardOnRecover, job.Queue) {
			b.logger.Info("discarding journaled job", zap.String("job_id", job.ID), zap.String("queue", job.Queue))
			b.forget(job.ID)
			continue
		}
		q, err := b.lookup(job.Queue)
		if err != nil {
			b.logger.Warn("skipping journaled job", zap.String("job_id", job.ID), zap.String("queue", job.Queue), zap.Error(err))
			continue
		}
		if err := b.push(ctx, q, &delivery{job: job, future: newFuture(job.ID)}); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// Run starts every queue's workers and blocks until ctx ends and in-flight
// attempts drain.
func (b *Broker) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("broker already running")
	}
	b.running = true
	queues := make([]*namedQueue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, q := range queues {
		for i := 0; i < q.concurrency; i++ {
			b.wg.Add(1)
			go func(q *namedQueue) {
				defer b.wg.Done()
				b.work(ctx, q)
			}(q)
		}
	}
	<-ctx.Done()
	b.wg.Wait()
	return nil
}

// Close rejects further Enqueue calls. It is safe to call more than once.
func (b *Broker) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

func (b *Broker) lookup(queue string) (*namedQueue, error) {
	select {
	case <-b.done:
		return nil, jobqueue.ErrClosed
	default:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobqueue.ErrUnknownQueue, queue)
	}
	return q, nil
}

func (b *Broker) push(ctx context.Context, q *namedQueue, d *delivery) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-b.done:
		return jobqueue.ErrClosed
	case q.ch <- d:
		return nil
	}
}

func (b *Broker) work(ctx context.Context, q *namedQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-q.ch:
			b.process(ctx, q, d)
		}
	}
}

func (b *Broker) process(ctx context.Context, q *namedQueue, d *delivery) {
	logger := b.logger.With(zap.String("queue", q.name), zap.String("job_id", d.job.ID), zap.Int("attempt", d.job.Attempt))
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.job.Options.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, d.job.Options.Timeout)
	}
	start := time.Now()
	result, err := invoke(attemptCtx, q.handler, d.job)
	timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	elapsed := time.Since(start)

	if err != nil && timedOut {
		err = fmt.Errorf("%w after %s: %w", jobqueue.ErrJobTimeout, d.job.Options.Timeout, err)
	}

	switch {
	case err == nil:
		d.future.resolve(result, nil)
		b.forget(d.job.ID)
		b.observe(q.name, OutcomeSucceeded, elapsed)
	case ctx.Err() != nil:
		// Journal entry stays so Recover can replay it.
		d.future.resolve(nil, fmt.Errorf("job %s interrupted: %w", d.job.ID, err))
		b.observe(q.name, OutcomeCanceled, elapsed)
	case jobqueue.WillRetry(d.job, err):
		logger.Warn("job attempt failed; retrying", zap.Error(err))
		b.retry(ctx, q, d)
		b.observe(q.name, OutcomeRetried, elapsed)
	default:
		logger.Error("job failed", zap.Error(err))
		d.future.resolve(nil, err)
		b.forget(d.job.ID)
		b.observe(q.name, OutcomeFailed, elapsed)
	}
}

func (b *Broker) retry(ctx context.Context, q *namedQueue, d *delivery) {
	next := d.job
	next.Attempt++
	if b.cfg.Journal != nil {
		if err := b.cfg.Journal.Save(ctx, next); err != nil {
			b.logger.Warn("journal save failed", zap.String("job_id", next.ID), zap.Error(err))
		}
	}
	delay := jobqueue.Delay(next.Options, d.job.Attempt)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			d.future.resolve(nil, fmt.Errorf("job %s retry canceled: %w", next.ID, ctx.Err()))
			return
		case <-timer.C:
		}
		select {
		case <-ctx.Done():
			d.future.resolve(nil, fmt.Errorf("job %s retry canceled: %w", next.ID, ctx.Err()))
		case q.ch <- &delivery{job: next, future: d.future}:
		}
	}()
}

func (b *Broker) forget(id string) {
	if b.cfg.Journal == nil {
		return
	}
	if err := b.cfg.Journal.Delete(context.Background(), id); err != nil {
		b.logger.Warn("journal delete failed", zap.String("job_id", id), zap.Error(err))
	}
}

func (b *Broker) observe(queue, outcome string, elapsed time.Duration) {
	if b.cfg.Observer != nil {
		b.cfg.Observer(queue, outcome, elapsed)
	}
}

func invoke(ctx context.Context, handler jobqueue.Handler, job jobqueue.Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
