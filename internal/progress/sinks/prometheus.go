package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/site-auditor/internal/progress"
)

// PrometheusSink derives analysis lifecycle metrics from progress events.
type PrometheusSink struct {
	started   prometheus.Counter
	finished  *prometheus.CounterVec
	running   prometheus.Gauge
	runtime   *prometheus.HistogramVec
	modules   *prometheus.CounterVec
	fetches   *prometheus.CounterVec
	fetchTime prometheus.Histogram

	tracker *analysisTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditor_progress_analyses_started_total",
			Help: "Analyses that started.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auditor_progress_analyses_finished_total",
			Help: "Analyses that reached a terminal status, by status.",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "auditor_progress_analyses_running",
			Help: "Analyses started but not yet terminal.",
		}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auditor_progress_analysis_runtime_seconds",
			Help:    "Wall time from start to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		modules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auditor_progress_module_events_total",
			Help: "Analyzer module completions by module and result.",
		}, []string{"module", "result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auditor_progress_fetches_total",
			Help: "Fetch stage outcomes by status class.",
		}, []string{"status_class"}),
		fetchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "auditor_progress_fetch_duration_seconds",
			Help:    "Fetch stage duration.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 180},
		}),
		tracker: newAnalysisTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.started, s.finished, s.running, s.runtime, s.modules, s.fetches, s.fetchTime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageAnalysisStart:
		s.started.Inc()
		if s.tracker.start(evt.AnalysisID, evt.TS) {
			s.running.Inc()
		}
	case progress.StageAnalysisDone, progress.StageAnalysisError:
		status := evt.Status
		if status == "" {
			status = "unknown"
		}
		s.finished.WithLabelValues(status).Inc()
		if startedAt, ok := s.tracker.complete(evt.AnalysisID); ok {
			s.running.Dec()
			if d := evt.TS.Sub(startedAt); d > 0 {
				s.runtime.WithLabelValues(status).Observe(d.Seconds())
			}
		}
	case progress.StageModuleDone:
		s.modules.WithLabelValues(evt.Module, "completed").Inc()
	case progress.StageModuleError:
		s.modules.WithLabelValues(evt.Module, "failed").Inc()
	case progress.StageFetchDone:
		s.fetches.WithLabelValues(string(evt.StatusClass)).Inc()
		if evt.Dur > 0 {
			s.fetchTime.Observe(evt.Dur.Seconds())
		}
	case progress.StageFetchError:
		s.fetches.WithLabelValues("error").Inc()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type analysisTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newAnalysisTracker() *analysisTracker {
	return &analysisTracker{running: make(map[string]time.Time)}
}

func (t *analysisTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *analysisTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.running[id]
	if ok {
		delete(t.running, id)
	}
	return at, ok
}
