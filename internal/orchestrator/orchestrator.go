// Package orchestrator drives an analysis from pending to processing: it
// creates the per-module JobRecords, runs the fetch stage synchronously with
// a bounded wait, fans analyzer jobs out through the module registry, and
// hands completion over to the aggregator.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/jobqueue"
	"github.com/JakeFAU/site-auditor/internal/notify"
	"github.com/JakeFAU/site-auditor/internal/progress"
	"github.com/JakeFAU/site-auditor/internal/registry"
	"github.com/JakeFAU/site-auditor/internal/telemetry"
)

// DefaultFetchWait bounds how long StartAnalysis blocks on the fetch stage.
const DefaultFetchWait = 180 * time.Second

// FetchQueue is the queue the fetch stage consumes.
const FetchQueue = "fetch"

// Config tunes the orchestrator.
type Config struct {
	FetchWait    time.Duration
	FetchOptions jobqueue.Options
	// FanoutParallel caps concurrent analyzer enqueues; 0 means unlimited.
	FanoutParallel int
}

// Modules lists the analyzer modules to fan out to.
type Modules interface {
	Entries() []registry.Entry
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg        Config
	store      audit.Store
	queue      jobqueue.Queue
	modules    Modules
	reconciler audit.Reconciler
	notifier   *notify.Notifier
	clock      audit.Clock
	logger     *zap.Logger

	base     context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// New wires an Orchestrator. notifier may be nil.
func New(cfg Config, store audit.Store, queue jobqueue.Queue, modules Modules, reconciler audit.Reconciler, notifier *notify.Notifier, clk audit.Clock, logger *zap.Logger) *Orchestrator {
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = DefaultFetchWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		queue:      queue,
		modules:    modules,
		reconciler: reconciler,
		notifier:   notifier,
		clock:      clk,
		logger:     logger.Named("orchestrator"),
		base:       base,
		cancel:     cancel,
	}
}

// Submit runs StartAnalysis on its own goroutine so the fetch wait never
// blocks the caller.
func (o *Orchestrator) Submit(analysisID, targetURL string) {
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		if err := o.StartAnalysis(o.base, analysisID, targetURL); err != nil {
			o.logger.Warn("analysis did not start",
				zap.String("analysis_id", analysisID),
				zap.Error(err))
		}
	}()
}

// Shutdown waits for submitted analyses. When ctx ends first the remaining
// ones are canceled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// StartAnalysis runs the pre-fan-out pipeline for a pending analysis and
// returns once analyzer jobs are enqueued. targetURL overrides the stored
// target when non-empty.
func (o *Orchestrator) StartAnalysis(ctx context.Context, analysisID, targetURL string) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.StartAnalysis")
	span.SetAttributes(attribute.String("analysis_id", analysisID))
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		telemetry.ObserveStage("orchestrate", outcome, time.Since(start))
		span.End()
	}()
	logger := o.logger.With(zap.String("analysis_id", analysisID))

	analysis, err := o.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return fmt.Errorf("load analysis: %w", err)
	}
	if analysis.Status != audit.AnalysisPending {
		return fmt.Errorf("start analysis %s in status %s: %w", analysisID, analysis.Status, audit.ErrInvalidTransition)
	}
	if targetURL != "" {
		analysis.TargetURL = targetURL
	}

	entries := o.modules.Entries()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Module.Name
	}
	if inserted, err := o.store.CreateJobRecords(ctx, analysisID, names, o.clock.Now()); err != nil {
		logger.Error("create job records", zap.Error(audit.Orchestration("orchestrate", err)))
	} else {
		logger.Debug("job records ready", zap.Int("inserted", inserted), zap.Int("modules", len(names)))
	}
	o.notifier.Started(analysis)

	fetched, err := o.fetch(ctx, analysis, logger)
	if err != nil {
		return err
	}

	enqueued := o.fanOut(ctx, analysis, fetched.Manifest, entries, logger)
	if enqueued == 0 {
		o.fail(ctx, analysis, audit.ErrNoModulesEnqueued.Error(), logger)
		return audit.Orchestration("orchestrate", audit.ErrNoModulesEnqueued)
	}

	applied, err := o.store.UpdateStatusIfCurrent(ctx, analysisID, audit.AnalysisPending, audit.AnalysisProcessing, o.clock.Now())
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if !applied {
		return fmt.Errorf("mark processing %s: %w", analysisID, audit.ErrInvalidTransition)
	}
	logger.Info("analysis processing", zap.Int("enqueued", enqueued), zap.Int("modules", len(entries)))

	// Analyzers that finished before the processing write could not finalize.
	if o.reconciler != nil {
		if _, _, err := o.reconciler.ReconcileAnalysis(ctx, analysisID); err != nil && !errors.Is(err, audit.ErrNoJobRecords) {
			logger.Warn("post fan-out reconcile", zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) fetch(ctx context.Context, analysis audit.Analysis, logger *zap.Logger) (audit.FetchResult, error) {
	payload, err := json.Marshal(audit.FetchJob{AnalysisID: analysis.ID, Tenant: analysis.Tenant, TargetURL: analysis.TargetURL})
	if err != nil {
		return audit.FetchResult{}, fmt.Errorf("encode fetch job: %w", err)
	}
	started := time.Now()
	handle, err := o.queue.Enqueue(ctx, FetchQueue, payload, o.cfg.FetchOptions)
	if err != nil {
		o.fail(ctx, analysis, "enqueue fetch: "+err.Error(), logger)
		return audit.FetchResult{}, audit.Orchestration("fetch", fmt.Errorf("enqueue fetch: %w", err))
	}

	raw, err := handle.AwaitResult(ctx, o.cfg.FetchWait)
	if errors.Is(err, jobqueue.ErrAwaitTimeout) {
		logger.Warn("fetch wait expired", zap.Duration("wait", o.cfg.FetchWait), zap.String("job_id", handle.ID()))
		o.notifier.Emit(progress.Event{AnalysisID: analysis.ID, Stage: progress.StageFetchError, Note: "timeout"})
		o.fail(ctx, analysis, audit.ErrFetchTimeout.Error(), logger)
		return audit.FetchResult{}, &audit.StageError{Stage: "fetch", Kind: audit.KindTimeout, Err: audit.ErrFetchTimeout}
	}
	if err != nil {
		logger.Warn("fetch failed", zap.Error(err))
		o.notifier.Emit(progress.Event{AnalysisID: analysis.ID, Stage: progress.StageFetchError, Note: err.Error()})
		o.fail(ctx, analysis, "fetch: "+err.Error(), logger)
		return audit.FetchResult{}, fmt.Errorf("fetch stage: %w", err)
	}

	var res audit.FetchResult
	if err := json.Unmarshal(raw, &res); err != nil || res.Manifest == "" {
		if err == nil {
			err = errors.New("empty manifest reference")
		}
		o.fail(ctx, analysis, "fetch result: "+err.Error(), logger)
		return audit.FetchResult{}, audit.Fatal("fetch", fmt.Errorf("decode fetch result: %w", err))
	}
	o.notifier.Emit(progress.Event{
		AnalysisID:  analysis.ID,
		Stage:       progress.StageFetchDone,
		Host:        telemetry.SanitizeHost(analysis.TargetURL),
		StatusClass: progress.ClassifyStatus(res.StatusCode),
		Dur:         time.Since(started),
	})
	return res, nil
}

// fanOut enqueues every module independently and returns how many succeeded.
func (o *Orchestrator) fanOut(ctx context.Context, analysis audit.Analysis, manifest audit.AssetReference, entries []registry.Entry, logger *zap.Logger) int {
	var (
		g        errgroup.Group
		enqueued atomic.Int32
	)
	if o.cfg.FanoutParallel > 0 {
		g.SetLimit(o.cfg.FanoutParallel)
	}
	for _, entry := range entries {
		g.Go(func() error {
			job := audit.AnalyzerJob{
				AnalysisID: analysis.ID,
				Tenant:     analysis.Tenant,
				TargetURL:  analysis.TargetURL,
				Manifest:   manifest,
			}
			if err := entry.Enqueue(ctx, job); err != nil {
				// The record stays pending; the watchdog resolves it.
				logger.Error("enqueue analyzer",
					zap.String("module", entry.Module.Name),
					zap.Error(audit.Orchestration("orchestrate", err)))
				return nil
			}
			enqueued.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(enqueued.Load())
}

// fail moves a pending analysis to failed. The write survives ctx
// cancellation so a shutdown never strands the row in pending.
func (o *Orchestrator) fail(ctx context.Context, analysis audit.Analysis, reason string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	now := o.clock.Now()
	applied, err := o.store.UpdateStatusIfCurrent(ctx, analysis.ID, audit.AnalysisPending, audit.AnalysisFailed, now)
	if err != nil {
		logger.Error("mark failed", zap.Error(err))
		return
	}
	if !applied {
		return
	}
	analysis.Status = audit.AnalysisFailed
	analysis.CompletedAt = &now
	o.notifier.Terminal(ctx, analysis, reason)
}

// GetAnalysisStatus returns the analysis status and its module records.
func (o *Orchestrator) GetAnalysisStatus(ctx context.Context, analysisID string) (audit.StatusReport, error) {
	analysis, err := o.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return audit.StatusReport{}, fmt.Errorf("load analysis: %w", err)
	}
	records, err := o.store.ListJobRecords(ctx, analysisID)
	if err != nil {
		return audit.StatusReport{}, fmt.Errorf("list job records: %w", err)
	}
	modules := make([]audit.JobRecord, 0, len(records))
	for _, r := range records {
		if r.Module != audit.FetchModuleName {
			modules = append(modules, r)
		}
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Module < modules[j].Module })
	return audit.StatusReport{Analysis: analysis, Modules: modules}, nil
}
