package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegiscrawl/aegis/internal/feedback"
)

// PrometheusSink exports attempt outcome metrics. It owns the collectors for
// attempt counts and latency partitioned by domain, engine, and result.
type PrometheusSink struct {
	attempts *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_attempts_total",
			Help: "Fetch attempts partitioned by engine and result.",
		}, []string{"engine", "result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_attempt_failures_total",
			Help: "Failed attempts partitioned by category and failure point.",
		}, []string{"category", "failure_point"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_attempt_duration_seconds",
			Help:    "Attempt execution time partitioned by engine and result.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"engine", "result"}),
	}
	for _, collector := range []prometheus.Collector{s.attempts, s.failures, s.duration} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register feedback collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors for each event in the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []feedback.Event) error {
	for _, evt := range batch {
		engine := evt.Engine
		if engine == "" {
			engine = "unknown"
		}
		result := "failure"
		if evt.Success {
			result = "success"
		}
		s.attempts.WithLabelValues(engine, result).Inc()
		if !evt.Success {
			category := evt.Category
			if category == "" {
				category = "unknown"
			}
			point := evt.FailurePoint
			if point == "" {
				point = "unknown"
			}
			s.failures.WithLabelValues(category, point).Inc()
		}
		if evt.Duration > 0 {
			s.duration.WithLabelValues(engine, result).Observe(evt.Duration.Seconds())
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error { return nil }
