// Package notify announces terminal analysis statuses: a progress event, a
// metric, and a published StatusNotification.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/progress"
	"github.com/JakeFAU/site-auditor/internal/telemetry"
)

// DefaultTopic receives status notifications when none is configured.
const DefaultTopic = "analysis-status"

const publishTimeout = 5 * time.Second

// Notifier is safe for concurrent use. A nil *Notifier does nothing.
type Notifier struct {
	events    progress.Emitter
	publisher audit.Publisher
	topic     string
	clock     audit.Clock
	logger    *zap.Logger
}

// New builds a Notifier; events and publisher may be nil.
func New(events progress.Emitter, publisher audit.Publisher, topic string, clk audit.Clock, logger *zap.Logger) *Notifier {
	if events == nil {
		events = progress.Nop{}
	}
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{events: events, publisher: publisher, topic: topic, clock: clk, logger: logger.Named("notify")}
}

// Started emits ANALYSIS_START.
func (n *Notifier) Started(a audit.Analysis) {
	if n == nil {
		return
	}
	n.events.Emit(progress.Event{AnalysisID: a.ID, TS: n.clock.Now(), Stage: progress.StageAnalysisStart, Host: telemetry.SanitizeHost(a.TargetURL)})
}

// Emit forwards an intermediate event, stamping the time when unset.
func (n *Notifier) Emit(evt progress.Event) {
	if n == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = n.clock.Now()
	}
	n.events.Emit(evt)
}

// Terminal announces that a reached a terminal status. Publish failures are
// logged, never returned: the status write already happened.
func (n *Notifier) Terminal(ctx context.Context, a audit.Analysis, reason string) {
	if n == nil || !a.Status.Terminal() {
		return
	}
	at := n.clock.Now()
	if a.CompletedAt != nil {
		at = *a.CompletedAt
	}
	stage := progress.StageAnalysisDone
	if a.Status == audit.AnalysisFailed {
		stage = progress.StageAnalysisError
	}
	n.events.Emit(progress.Event{AnalysisID: a.ID, TS: at, Stage: stage, Status: string(a.Status), Note: reason})
	telemetry.ObserveAnalysis(string(a.Status))

	if n.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	msg := audit.StatusNotification{
		AnalysisID: a.ID,
		Tenant:     a.Tenant,
		TargetURL:  a.TargetURL,
		Status:     a.Status,
		At:         at,
		Reason:     reason,
	}
	if _, err := n.publisher.Publish(ctx, n.topic, msg); err != nil {
		n.logger.Warn("publish status notification failed",
			zap.String("analysis_id", a.ID),
			zap.String("status", string(a.Status)),
			zap.Error(err))
	}
}
