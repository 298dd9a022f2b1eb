package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/aegiscrawl/aegis/internal/jobstore"
	"github.com/aegiscrawl/aegis/internal/pipeline"
)

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	job := pipeline.Job{ID: "job-1", URL: "https://example.com/a"}

	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	rec, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if rec.Status != jobstore.StatusQueued {
		t.Fatalf("status = %s, want queued", rec.Status)
	}

	if err := s.UpdateStatus(ctx, "job-1", jobstore.StatusRunning, ""); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if err := s.SetBlobURI(ctx, "job-1", "file:///tmp/a.html"); err != nil {
		t.Fatalf("SetBlobURI() error = %v", err)
	}

	rec, err = s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if rec.Status != jobstore.StatusRunning || rec.BlobURI != "file:///tmp/a.html" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestStoreAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	if err := s.CreateJob(ctx, pipeline.Job{ID: "job-1", URL: "https://example.com/a"}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	for i := 1; i <= 2; i++ {
		err := s.RecordAttempt(ctx, jobstore.AttemptRecord{
			JobID:    "job-1",
			Attempt:  i,
			Success:  i == 2,
			Category: "transient",
			Engine:   "http",
		})
		if err != nil {
			t.Fatalf("RecordAttempt() error = %v", err)
		}
	}

	attempts, err := s.ListAttempts(ctx, "job-1")
	if err != nil || len(attempts) != 2 {
		t.Fatalf("ListAttempts() = %+v, %v", attempts, err)
	}
	if attempts[0].Success || !attempts[1].Success {
		t.Fatalf("attempt order wrong: %+v", attempts)
	}

	rec, err := s.GetJob(ctx, "job-1")
	if err != nil || rec.Attempts != 2 {
		t.Fatalf("attempt counter = %+v, %v", rec, err)
	}
}

func TestStoreUnknownJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	if _, err := s.GetJob(ctx, "ghost"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("GetJob() error = %v, want ErrNotFound", err)
	}
	if err := s.UpdateStatus(ctx, "ghost", jobstore.StatusFailed, "x"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("UpdateStatus() error = %v, want ErrNotFound", err)
	}
}
