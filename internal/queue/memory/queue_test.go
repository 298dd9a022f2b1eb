package memory

import (
	"context"
	"testing"
	"time"

	"github.com/aegiscrawl/aegis/internal/pipeline"
	"github.com/aegiscrawl/aegis/internal/queue"
)

func testJob(id string, priority int) pipeline.Job {
	return pipeline.Job{ID: id, URL: "https://example.com/" + id, Priority: priority}
}

func TestQueuePriorityOrder(t *testing.T) {
	t.Parallel()

	q := New(Config{}, nil)
	defer q.Close()
	ctx := context.Background()

	for _, j := range []pipeline.Job{testJob("low", 1), testJob("high", 9), testJob("mid", 5)} {
		if err := q.Enqueue(ctx, j, 0); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	for _, want := range []string{"high", "mid", "low"} {
		lease, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if lease.Job.ID != want {
			t.Fatalf("dequeued %s, want %s", lease.Job.ID, want)
		}
		if err := q.Ack(ctx, lease.ID); err != nil {
			t.Fatalf("Ack() error = %v", err)
		}
	}
}

func TestQueueDelayedDelivery(t *testing.T) {
	t.Parallel()

	q := New(Config{}, nil)
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("later", 0), 60*time.Millisecond); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// The job must not be available before its delay elapses.
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if lease, err := q.Dequeue(shortCtx); err == nil {
		t.Fatalf("Dequeue() returned %s before delay elapsed", lease.Job.ID)
	}

	start := time.Now()
	lease, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if lease.Job.ID != "later" {
		t.Fatalf("dequeued %s", lease.Job.ID)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("delayed delivery took far too long")
	}
}

func TestQueueNackRedelivers(t *testing.T) {
	t.Parallel()

	q := New(Config{}, nil)
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("retry", 0), 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	lease, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if err := q.Nack(ctx, lease.ID, 0); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	again, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() after nack error = %v", err)
	}
	if again.Job.ID != "retry" {
		t.Fatalf("dequeued %s, want retry", again.Job.ID)
	}
	// A deliberate retry is not a stall.
	if again.Stalls != 0 {
		t.Fatalf("Stalls = %d, want 0", again.Stalls)
	}
}

func TestQueueStalledLeaseRedelivered(t *testing.T) {
	t.Parallel()

	q := New(Config{
		LeaseTTL:     30 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
	}, nil)
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("stall", 0), 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	// Never ack: the lease expires and the reaper re-queues the job.

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	lease, err := q.Dequeue(dctx)
	if err != nil {
		t.Fatalf("stalled job not re-delivered: %v", err)
	}
	if lease.Job.ID != "stall" || lease.Stalls != 1 {
		t.Fatalf("unexpected lease: %+v", lease)
	}
}

func TestQueueStallBudgetExhausted(t *testing.T) {
	t.Parallel()

	q := New(Config{
		LeaseTTL:     20 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
		MaxStalls:    2,
	}, nil)
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("doomed", 0), 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Stall the job twice without ever acking.
	for i := 0; i < 2; i++ {
		dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if _, err := q.Dequeue(dctx); err != nil {
			cancel()
			t.Fatalf("Dequeue() %d error = %v", i, err)
		}
		cancel()
		time.Sleep(60 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(q.Dead()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never moved to the dead list")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := q.Dead(); got[0].ID != "doomed" {
		t.Fatalf("dead list = %+v", got)
	}
}

func TestQueueCloseUnblocksDequeue(t *testing.T) {
	t.Parallel()

	q := New(Config{}, nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-errCh:
		if err != queue.ErrClosed {
			t.Fatalf("Dequeue() after close = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue() did not unblock on close")
	}
}

func TestQueueCapacity(t *testing.T) {
	t.Parallel()

	q := New(Config{Capacity: 1}, nil)
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob("a", 0), 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.Enqueue(ctx, testJob("b", 0), 0); err == nil {
		t.Fatal("expected capacity error")
	}
}
