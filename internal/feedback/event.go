// Package feedback carries attempt outcomes to interested sinks (router
// stats, metrics, logs) through a bounded, batching hub so stat recording is
// observable and back-pressured instead of fire-and-forget.
package feedback

import (
	"errors"
	"time"
)

// Event is one attempt outcome worth recording.
type Event struct {
	// JobID identifies the job the attempt belonged to.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Domain is the target host.
	Domain string
	// Engine names the scraper engine used for the attempt.
	Engine string
	// Success reports whether the fetch succeeded.
	Success bool
	// Category carries the error category for failed attempts.
	Category string
	// FailurePoint tags the pipeline step that raised the failure.
	FailurePoint string
	// ProxyID is the egress proxy used, if any.
	ProxyID string
	// Duration is the attempt execution time.
	Duration time.Duration
}

// Validate performs coarse validation before an event enters the hub.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Domain == "" {
		return errors.New("domain is required")
	}
	if e.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
