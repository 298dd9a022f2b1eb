// Package sinks provides feedback.Sink implementations: structured logs,
// Prometheus collectors, and the per-domain engine stat recorder.
package sinks
