package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/imgharvest/internal/progress"
)

// LogSink emits structured logs for progress streams. Artifact saves are
// logged at debug level; category milestones at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Category != "" {
			fields = append(fields,
				zap.String("category", evt.Category),
				zap.String("label", evt.Label),
				zap.Int("count", evt.Count),
				zap.Int("target", evt.Target),
			)
		}
		switch evt.Stage {
		case progress.StageArtifactSaved:
			s.logger.Debug("artifact saved", append(fields, zap.String("key", evt.Key), zap.String("url", evt.URL))...)
		case progress.StageCategoryDone:
			s.logger.Info("category finished", append(fields, zap.String("outcome", evt.Outcome), zap.Duration("dur", evt.Dur))...)
		case progress.StageBrowserCrash:
			s.logger.Warn("browser attempt failed", append(fields, zap.String("note", evt.Note))...)
		case progress.StageCoolDown:
			s.logger.Warn("cooling down", append(fields, zap.Duration("dur", evt.Dur), zap.String("note", evt.Note))...)
		default:
			s.logger.Info("progress event", append(fields, zap.Int("sweep", evt.Sweep))...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
