// Package analyzer runs analyzer modules as queue workers. A worker owns the
// JobRecord of its (analysis, module) pair: it marks the record running,
// runs the module over the fetched artifacts, persists findings, writes the
// terminal record status, and asks the aggregator to reconcile.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-auditor/internal/assets"
	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/jobqueue"
	"github.com/JakeFAU/site-auditor/internal/notify"
	"github.com/JakeFAU/site-auditor/internal/progress"
	"github.com/JakeFAU/site-auditor/internal/telemetry"
)

// StageName labels analyzer errors and metrics.
const StageName = "analyze"

// Module is an analyzer plug-in. Analyze must not depend on sibling modules.
type Module interface {
	Name() string
	Description() string
	Analyze(ctx context.Context, in Input) ([]audit.Finding, error)
}

// Input is what a module sees of an analysis.
type Input struct {
	Job      audit.AnalyzerJob
	Manifest assets.Manifest
	// HTML is the rendered document, nil when the fetch stage could not store it.
	HTML   []byte
	assets *assets.Store
}

// NewInput builds an Input whose Read resolves artifacts through store.
func NewInput(job audit.AnalyzerJob, manifest assets.Manifest, html []byte, store *assets.Store) Input {
	return Input{Job: job, Manifest: manifest, HTML: html, assets: store}
}

// Read loads an artifact listed in the manifest.
func (in Input) Read(ctx context.Context, a assets.Artifact) ([]byte, error) {
	if in.assets == nil {
		return nil, fmt.Errorf("read %s: %w", a.Path, audit.ErrNotFound)
	}
	data, err := in.assets.Read(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", a.Path, err)
	}
	return data, nil
}

// Worker executes one module's jobs.
type Worker struct {
	module     Module
	records    audit.JobRecordStore
	assets     *assets.Store
	reconciler audit.Reconciler
	notifier   *notify.Notifier
	clock      audit.Clock
	logger     *zap.Logger
}

// NewWorker wires a Worker. notifier may be nil.
func NewWorker(module Module, records audit.JobRecordStore, store *assets.Store, reconciler audit.Reconciler, notifier *notify.Notifier, clk audit.Clock, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		module:     module,
		records:    records,
		assets:     store,
		reconciler: reconciler,
		notifier:   notifier,
		clock:      clk,
		logger:     logger.Named("analyzer").With(zap.String("module", module.Name())),
	}
}

type result struct {
	Findings string `json:"findings"`
	Count    int    `json:"count"`
}

// Handle is the jobqueue.Handler for the module's queue.
func (w *Worker) Handle(ctx context.Context, job jobqueue.Job) ([]byte, error) {
	var aj audit.AnalyzerJob
	if err := json.Unmarshal(job.Payload, &aj); err != nil {
		return nil, audit.Fatal(w.stage(), fmt.Errorf("decode analyzer job: %w", err))
	}
	if aj.Module != w.module.Name() {
		return nil, audit.Fatal(w.stage(), fmt.Errorf("job for module %q delivered to %q", aj.Module, w.module.Name()))
	}
	ctx, span := telemetry.Tracer().Start(ctx, "analyzer.Handle")
	span.SetAttributes(
		attribute.String("analysis_id", aj.AnalysisID),
		attribute.String("module", aj.Module),
		attribute.Int("attempt", job.Attempt),
	)
	defer span.End()
	logger := w.logger.With(zap.String("analysis_id", aj.AnalysisID), zap.Int("attempt", job.Attempt))

	applied, err := w.transition(ctx, aj, []audit.JobStatus{audit.JobPending, audit.JobRunning}, audit.JobRunning, "")
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			return nil, audit.Fatal(w.stage(), fmt.Errorf("mark running: %w", err))
		}
		return nil, w.writeFailed(ctx, job, aj, audit.Transient(w.stage(), fmt.Errorf("mark running: %w", err)), logger)
	}
	if !applied {
		// Already terminal: a duplicate delivery or the watchdog got there first.
		logger.Info("job record already terminal, skipping")
		w.reconcile(ctx, aj.AnalysisID, logger)
		return nil, nil
	}

	start := time.Now()
	out, runErr := w.run(ctx, aj)
	if runErr != nil {
		if ctx.Err() != nil && errors.Is(runErr, context.Canceled) {
			// Shutdown: leave the record running for the journal replay.
			logger.Info("analyzer interrupted", zap.Error(runErr))
			return nil, runErr
		}
		if jobqueue.WillRetry(job, runErr) {
			logger.Warn("analyzer attempt failed, will retry", zap.Error(runErr))
			telemetry.ObserveStage(w.stage(), "retry", time.Since(start))
			return nil, runErr
		}
		telemetry.ObserveStage(w.stage(), "failed", time.Since(start))
		return nil, w.fail(ctx, aj, runErr, logger)
	}

	if _, err := w.transition(ctx, aj, []audit.JobStatus{audit.JobRunning}, audit.JobCompleted, ""); err != nil {
		return nil, w.writeFailed(ctx, job, aj, audit.Transient(w.stage(), fmt.Errorf("mark completed: %w", err)), logger)
	}
	telemetry.ObserveStage(w.stage(), "ok", time.Since(start))
	telemetry.ObserveModule(aj.Module, string(audit.JobCompleted))
	w.notifier.Emit(progress.Event{AnalysisID: aj.AnalysisID, Stage: progress.StageModuleDone, Module: aj.Module, Dur: time.Since(start)})
	logger.Info("analyzer completed", zap.Int("findings", out.Count))
	w.reconcile(ctx, aj.AnalysisID, logger)

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, audit.Fatal(w.stage(), fmt.Errorf("encode result: %w", err))
	}
	return payload, nil
}

func (w *Worker) run(ctx context.Context, aj audit.AnalyzerJob) (result, error) {
	manifest, err := w.assets.LoadManifest(ctx, aj.Manifest)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			return result{}, audit.Fatal(w.stage(), fmt.Errorf("load manifest: %w", err))
		}
		return result{}, audit.Transient(w.stage(), fmt.Errorf("load manifest: %w", err))
	}
	in := Input{Job: aj, Manifest: manifest, assets: w.assets}
	if html, ok := manifest.Find(assets.KindHTML); ok {
		data, err := w.assets.Read(ctx, html)
		if err != nil {
			w.logger.Warn("rendered html unavailable", zap.String("analysis_id", aj.AnalysisID), zap.Error(err))
		} else {
			in.HTML = data
		}
	}

	findings, err := w.module.Analyze(ctx, in)
	if err != nil {
		return result{}, err
	}
	for i := range findings {
		findings[i].Module = aj.Module
	}
	path, err := w.assets.PutFindings(ctx, manifest.Tenant, aj.AnalysisID, aj.Module, findings)
	if err != nil {
		return result{}, audit.Transient(w.stage(), fmt.Errorf("persist findings: %w", err))
	}
	return result{Findings: path, Count: len(findings)}, nil
}

// writeFailed handles a failed status write. With attempts left the queue
// retries; on the last attempt the record is failed so the analysis can
// still reach a terminal status.
func (w *Worker) writeFailed(ctx context.Context, job jobqueue.Job, aj audit.AnalyzerJob, writeErr error, logger *zap.Logger) error {
	if jobqueue.WillRetry(job, writeErr) {
		logger.Warn("job record write failed, will retry", zap.Error(writeErr))
		return writeErr
	}
	return w.fail(ctx, aj, writeErr, logger)
}

// fail records the terminal failure and returns runErr for the queue.
func (w *Worker) fail(ctx context.Context, aj audit.AnalyzerJob, runErr error, logger *zap.Logger) error {
	logger.Error("analyzer failed", zap.Error(runErr))
	from := []audit.JobStatus{audit.JobPending, audit.JobRunning}
	if _, err := w.transition(ctx, aj, from, audit.JobFailed, runErr.Error()); err != nil {
		logger.Error("mark failed", zap.Error(err))
		return errors.Join(runErr, err)
	}
	telemetry.ObserveModule(aj.Module, string(audit.JobFailed))
	w.notifier.Emit(progress.Event{AnalysisID: aj.AnalysisID, Stage: progress.StageModuleError, Module: aj.Module, Note: runErr.Error()})
	w.reconcile(ctx, aj.AnalysisID, logger)
	return runErr
}

// transition writes with a context that survives attempt cancellation so a
// timed-out attempt can still record its outcome.
func (w *Worker) transition(ctx context.Context, aj audit.AnalyzerJob, from []audit.JobStatus, to audit.JobStatus, msg string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	applied, err := w.records.TransitionJobRecord(ctx, audit.JobTransition{
		AnalysisID:   aj.AnalysisID,
		Module:       aj.Module,
		From:         from,
		To:           to,
		ErrorMessage: msg,
		At:           w.clock.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("transition %s/%s to %s: %w", aj.AnalysisID, aj.Module, to, err)
	}
	return applied, nil
}

func (w *Worker) reconcile(ctx context.Context, analysisID string, logger *zap.Logger) {
	if w.reconciler == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	terminal, status, err := w.reconciler.ReconcileAnalysis(ctx, analysisID)
	if err != nil {
		logger.Warn("reconcile failed", zap.Error(err))
		return
	}
	logger.Debug("reconciled", zap.Bool("terminal", terminal), zap.String("status", string(status)))
}

func (w *Worker) stage() string {
	return StageName + ":" + w.module.Name()
}
