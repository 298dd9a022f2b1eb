package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/aegiscrawl/aegis/internal/feedback"
)

// LogSink emits one structured log line per outcome event. Useful during
// development or audits where a durable store is unavailable.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []feedback.Event) error {
	for _, evt := range batch {
		s.logger.Info("attempt outcome",
			zap.String("job_id", evt.JobID),
			zap.String("domain", evt.Domain),
			zap.String("engine", evt.Engine),
			zap.Bool("success", evt.Success),
			zap.String("category", evt.Category),
			zap.String("failure_point", evt.FailurePoint),
			zap.String("proxy_id", evt.ProxyID),
			zap.Duration("dur", evt.Duration),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error { return nil }
