// Package watchdog fails analyzer job records that stopped making progress,
// so analyses whose workers vanished still reach a terminal status.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/notify"
	"github.com/JakeFAU/site-auditor/internal/progress"
	"github.com/JakeFAU/site-auditor/internal/telemetry"
)

// DefaultSchedule runs a sweep every minute.
const DefaultSchedule = "@every 1m"

// Config controls the sweeper. StaleAfter has no default.
type Config struct {
	Enabled    bool
	StaleAfter time.Duration
	Schedule   string
	BatchSize  int
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.StaleAfter <= 0 {
		return errors.New("watchdog.stale_after is required when the watchdog is enabled")
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("watchdog.schedule: %w", err)
		}
	}
	return nil
}

// Watchdog sweeps stale job records.
type Watchdog struct {
	cfg        Config
	records    audit.JobRecordStore
	reconciler audit.Reconciler
	notifier   *notify.Notifier
	clock      audit.Clock
	logger     *zap.Logger
}

// New creates a Watchdog. cfg must pass Validate.
func New(cfg Config, records audit.JobRecordStore, reconciler audit.Reconciler, notifier *notify.Notifier, clk audit.Clock, logger *zap.Logger) *Watchdog {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		cfg:        cfg,
		records:    records,
		reconciler: reconciler,
		notifier:   notifier,
		clock:      clk,
		logger:     logger.Named("watchdog"),
	}
}

// Sweep fails every stale record and reconciles the affected analyses. It
// returns the number of records it failed.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	now := w.clock.Now()
	cutoff := now.Add(-w.cfg.StaleAfter)
	stale, err := w.records.ListStaleJobRecords(ctx, cutoff, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale records: %w", err)
	}

	reaped := 0
	touched := make(map[string]struct{})
	for _, r := range stale {
		if r.Module == audit.FetchModuleName {
			continue
		}
		msg := fmt.Sprintf("no progress in %s while %s", w.cfg.StaleAfter, r.Status)
		applied, err := w.records.TransitionJobRecord(ctx, audit.JobTransition{
			AnalysisID:   r.AnalysisID,
			Module:       r.Module,
			From:         []audit.JobStatus{r.Status},
			To:           audit.JobFailed,
			ErrorMessage: msg,
			At:           now,
		})
		if err != nil {
			w.logger.Warn("fail stale record",
				zap.String("analysis_id", r.AnalysisID),
				zap.String("module", r.Module),
				zap.Error(err))
			continue
		}
		if !applied {
			// A worker moved it first.
			continue
		}
		reaped++
		touched[r.AnalysisID] = struct{}{}
		w.logger.Info("stale record failed",
			zap.String("analysis_id", r.AnalysisID),
			zap.String("module", r.Module),
			zap.String("was", string(r.Status)),
			zap.Time("last_activity", r.LastActivity()))
		w.notifier.Emit(progress.Event{AnalysisID: r.AnalysisID, Stage: progress.StageModuleError, Module: r.Module, Note: msg})
		telemetry.ObserveModule(r.Module, string(audit.JobFailed))
	}
	telemetry.ObserveWatchdogReaped(reaped)

	for id := range touched {
		if _, _, err := w.reconciler.ReconcileAnalysis(ctx, id); err != nil {
			w.logger.Warn("reconcile after sweep", zap.String("analysis_id", id), zap.Error(err))
		}
	}
	return reaped, nil
}

// Run sweeps on the configured schedule until ctx is done. It returns
// immediately when the watchdog is disabled.
func (w *Watchdog) Run(ctx context.Context) error {
	if !w.cfg.Enabled {
		w.logger.Info("watchdog disabled")
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(w.cfg.Schedule, func() {
		n, err := w.Sweep(ctx)
		if err != nil {
			w.logger.Error("sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			w.logger.Info("sweep finished", zap.Int("failed_records", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule watchdog: %w", err)
	}
	c.Start()
	w.logger.Info("watchdog started",
		zap.String("schedule", w.cfg.Schedule),
		zap.Duration("stale_after", w.cfg.StaleAfter))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
