// Package aggregator promotes a processing analysis to its terminal status
// once every module's JobRecord has finished. It is invoked by each analyzer
// worker after it writes its own record and is safe to run concurrently: the
// status write is a conditional update out of processing, so only one caller
// ever applies it.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/notify"
	"github.com/JakeFAU/site-auditor/internal/telemetry"
)

// Aggregator implements audit.Reconciler.
type Aggregator struct {
	store       audit.Store
	invalidator audit.Invalidator
	notifier    *notify.Notifier
	clock       audit.Clock
	logger      *zap.Logger
}

var _ audit.Reconciler = (*Aggregator)(nil)

// New wires an Aggregator. invalidator and notifier may be nil.
func New(store audit.Store, invalidator audit.Invalidator, notifier *notify.Notifier, clk audit.Clock, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:       store,
		invalidator: invalidator,
		notifier:    notifier,
		clock:       clk,
		logger:      logger.Named("aggregator"),
	}
}

// ReconcileAnalysis reports whether the analysis is terminal and its status.
// It returns audit.ErrNoJobRecords when there is nothing to aggregate.
func (a *Aggregator) ReconcileAnalysis(ctx context.Context, analysisID string) (bool, audit.AnalysisStatus, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "aggregator.Reconcile")
	span.SetAttributes(attribute.String("analysis_id", analysisID))
	defer span.End()
	start := time.Now()

	analysis, err := a.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return false, "", fmt.Errorf("load analysis: %w", err)
	}
	if analysis.Status.Terminal() {
		return true, analysis.Status, nil
	}

	records, err := a.store.ListJobRecords(ctx, analysisID)
	if err != nil {
		return false, analysis.Status, fmt.Errorf("list job records: %w", err)
	}
	counted := make([]audit.JobRecord, 0, len(records))
	for _, r := range records {
		if r.Module == audit.FetchModuleName {
			continue
		}
		counted = append(counted, r)
	}
	if len(counted) == 0 {
		return false, analysis.Status, fmt.Errorf("reconcile %s: %w", analysisID, audit.ErrNoJobRecords)
	}
	for _, r := range counted {
		if !r.Status.Terminal() {
			return false, analysis.Status, nil
		}
	}
	if analysis.Status != audit.AnalysisProcessing {
		// Every module finished before the orchestrator recorded processing;
		// its own reconcile call after that write will finalize.
		return false, analysis.Status, nil
	}

	next := audit.TerminalFor(counted)
	now := a.clock.Now()
	applied, err := a.store.UpdateStatusIfCurrent(ctx, analysisID, audit.AnalysisProcessing, next, now)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidTransition) {
			return a.current(ctx, analysisID)
		}
		return false, analysis.Status, fmt.Errorf("update status: %w", err)
	}
	if !applied {
		return a.current(ctx, analysisID)
	}

	telemetry.ObserveStage("aggregate", string(next), time.Since(start))
	analysis.Status = next
	analysis.CompletedAt = &now
	a.logger.Info("analysis finalized",
		zap.String("analysis_id", analysisID),
		zap.String("status", string(next)),
		zap.Int("modules", len(counted)))
	if a.invalidator != nil {
		a.invalidator.Invalidate(analysisID)
	}
	a.notifier.Terminal(ctx, analysis, failureSummary(counted))
	return true, next, nil
}

// current re-reads the analysis after losing the conditional update.
func (a *Aggregator) current(ctx context.Context, analysisID string) (bool, audit.AnalysisStatus, error) {
	analysis, err := a.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return false, "", fmt.Errorf("reload analysis: %w", err)
	}
	return analysis.Status.Terminal(), analysis.Status, nil
}

func failureSummary(records []audit.JobRecord) string {
	var failed []string
	for _, r := range records {
		if r.Status == audit.JobFailed {
			failed = append(failed, r.Module)
		}
	}
	if len(failed) == 0 {
		return ""
	}
	return fmt.Sprintf("failed modules: %v", failed)
}
