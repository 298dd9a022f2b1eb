// Package memory provides an in-memory job store for tests and single-node
// deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aegiscrawl/aegis/internal/jobstore"
	"github.com/aegiscrawl/aegis/internal/pipeline"
)

// Store keeps job records and attempts in process memory.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]*jobstore.JobRecord
	attempts map[string][]jobstore.AttemptRecord
	now      func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*jobstore.JobRecord),
		attempts: make(map[string][]jobstore.AttemptRecord),
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateJob records a new job in StatusQueued.
func (s *Store) CreateJob(_ context.Context, job pipeline.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	s.jobs[job.ID] = &jobstore.JobRecord{
		Job:        job,
		Status:     jobstore.StatusQueued,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	return nil
}

// UpdateStatus transitions a job.
func (s *Store) UpdateStatus(_ context.Context, jobID string, status jobstore.Status, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	rec.Status = status
	rec.Error = errText
	rec.UpdatedAt = s.now().UTC()
	return nil
}

// SetBlobURI records where the fetched content landed.
func (s *Store) SetBlobURI(_ context.Context, jobID, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	rec.BlobURI = uri
	rec.UpdatedAt = s.now().UTC()
	return nil
}

// RecordAttempt appends diagnostics and bumps the attempt counter.
func (s *Store) RecordAttempt(_ context.Context, rec jobstore.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[rec.JobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	s.attempts[rec.JobID] = append(s.attempts[rec.JobID], rec)
	job.Attempts++
	job.UpdatedAt = s.now().UTC()
	return nil
}

// GetJob loads one job.
func (s *Store) GetJob(_ context.Context, jobID string) (*jobstore.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	out := *rec
	return &out, nil
}

// ListAttempts returns attempts in execution order.
func (s *Store) ListAttempts(_ context.Context, jobID string) ([]jobstore.AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]jobstore.AttemptRecord(nil), s.attempts[jobID]...), nil
}

// Close implements the Store interface; it performs no action.
func (s *Store) Close() {}
