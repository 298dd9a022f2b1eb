package sinks

import (
	"context"
	"fmt"

	"github.com/aegiscrawl/aegis/internal/feedback"
	"github.com/aegiscrawl/aegis/internal/router"
)

// StatsSink feeds fetch outcomes into the per-domain engine stat tracker so
// engine routing learns from completed attempts.
type StatsSink struct {
	stats *router.Stats
}

// NewStatsSink wraps a router stat recorder.
func NewStatsSink(stats *router.Stats) *StatsSink {
	return &StatsSink{stats: stats}
}

// Consume records each event that carries an engine. Pre-fetch denials
// (throttle, circuit) have no engine and say nothing about engine quality,
// so they are skipped.
func (s *StatsSink) Consume(ctx context.Context, batch []feedback.Event) error {
	for _, evt := range batch {
		if evt.Engine == "" {
			continue
		}
		if err := s.stats.Record(ctx, evt.Domain, evt.Engine, evt.Success); err != nil {
			return fmt.Errorf("record engine stat for %s/%s: %w", evt.Domain, evt.Engine, err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StatsSink) Close(context.Context) error { return nil }
