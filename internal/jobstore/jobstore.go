// Package jobstore persists job lifecycle state and per-attempt diagnostics.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/aegiscrawl/aegis/internal/pipeline"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("job not found")

// Status is a job's lifecycle state.
type Status string

// Job statuses.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusParked marks jobs set aside after exhausting retries on a
	// retryable failure; an operator can re-queue them.
	StatusParked Status = "parked"
)

// JobRecord is the stored job plus its lifecycle state.
type JobRecord struct {
	Job        pipeline.Job `json:"job"`
	Status     Status       `json:"status"`
	Error      string       `json:"error,omitempty"`
	Attempts   int          `json:"attempts"`
	BlobURI    string       `json:"blob_uri,omitempty"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// AttemptRecord is the full diagnostic trail of one executed attempt.
type AttemptRecord struct {
	JobID         string    `json:"job_id"`
	Attempt       int       `json:"attempt"`
	Success       bool      `json:"success"`
	Category      string    `json:"category,omitempty"`
	FailurePoint  string    `json:"failure_point,omitempty"`
	Code          string    `json:"code,omitempty"`
	Message       string    `json:"message,omitempty"`
	Engine        string    `json:"engine,omitempty"`
	ProxyID       string    `json:"proxy_id,omitempty"`
	FingerprintID string    `json:"fingerprint_id,omitempty"`
	StatusCode    int       `json:"status_code,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists jobs and attempts.
type Store interface {
	// CreateJob records a new job in StatusQueued.
	CreateJob(ctx context.Context, job pipeline.Job) error

	// UpdateStatus transitions a job and records its latest error text.
	UpdateStatus(ctx context.Context, jobID string, status Status, errText string) error

	// SetBlobURI records where the fetched content was stored.
	SetBlobURI(ctx context.Context, jobID, uri string) error

	// RecordAttempt appends one attempt's diagnostics and bumps the
	// job's attempt counter.
	RecordAttempt(ctx context.Context, rec AttemptRecord) error

	// GetJob loads one job, or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)

	// ListAttempts returns a job's attempts in execution order.
	ListAttempts(ctx context.Context, jobID string) ([]AttemptRecord, error)

	// Close releases underlying resources.
	Close()
}
