package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/progress"
)

// LogSink emits structured logs for debugging lifecycle event streams. It is
// useful during development or audits where a durable store is unavailable.
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
			zap.String("phase", string(evt.Phase)),
			zap.String("resource_id", evt.ResourceID),
			zap.String("kind", string(evt.Kind)),
			zap.String("outcome", string(evt.Outcome)),
			zap.String("checkpoint_id", evt.CheckpointID),
			zap.Bool("ok", evt.OK),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		s.logger.Info("lifecycle event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
