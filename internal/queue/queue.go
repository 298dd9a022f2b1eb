// Package queue defines the job queue contract. The abstraction keeps the
// worker pool independent of the backing implementation (in-memory for a
// single process, Pub/Sub intake for distributed deployments).
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/aegiscrawl/aegis/internal/pipeline"
)

// ErrClosed is returned once a queue has shut down.
var ErrClosed = errors.New("queue closed")

// Lease is a dequeued job held by a worker. The worker must Ack or Nack the
// lease before its TTL expires; an expired lease counts as a stall and the
// job is re-delivered.
type Lease struct {
	// ID identifies this delivery, not the job.
	ID string
	// Job is the leased work item.
	Job pipeline.Job
	// Stalls is how many times a lease on this job expired.
	Stalls int
	// GrantedAt is when the lease was handed out.
	GrantedAt time.Time
}

// Queue is a priority job queue with delayed delivery and stall detection.
type Queue interface {
	// Enqueue adds a job, optionally delayed. Higher Priority dequeues
	// first among ready jobs.
	Enqueue(ctx context.Context, job pipeline.Job, delay time.Duration) error

	// Dequeue blocks until a job is ready, the context ends, or the queue
	// closes.
	Dequeue(ctx context.Context) (*Lease, error)

	// Ack completes a lease; the job leaves the queue for good.
	Ack(ctx context.Context, leaseID string) error

	// Nack returns a leased job to the queue after the given delay.
	Nack(ctx context.Context, leaseID string, delay time.Duration) error

	// Len reports how many jobs are waiting or leased.
	Len(ctx context.Context) (int, error)

	// Close shuts the queue down; blocked Dequeue calls return ErrClosed.
	Close() error
}
