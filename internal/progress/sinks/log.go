package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-auditor/internal/progress"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event; error stages log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("analysis_id", evt.AnalysisID),
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.Module != "" {
			fields = append(fields, zap.String("module", evt.Module))
		}
		if evt.Host != "" {
			fields = append(fields, zap.String("host", evt.Host), zap.String("status_class", string(evt.StatusClass)))
		}
		if evt.Status != "" {
			fields = append(fields, zap.String("status", evt.Status))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageFetchError, progress.StageModuleError, progress.StageAnalysisError:
			s.logger.Warn("analysis progress", fields...)
		default:
			s.logger.Info("analysis progress", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
