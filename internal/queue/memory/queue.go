// Package memory provides the in-process queue implementation.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegiscrawl/aegis/internal/pipeline"
	"github.com/aegiscrawl/aegis/internal/queue"
)

// Config tunes the queue.
type Config struct {
	// Capacity bounds the number of waiting plus leased jobs (default 10000).
	Capacity int
	// LeaseTTL is how long a worker may hold a lease before the job is
	// considered stalled and re-delivered (default 2m).
	LeaseTTL time.Duration
	// MaxStalls drops a job to the dead list after this many expired
	// leases (default 3).
	MaxStalls int
	// ReapInterval is how often expired leases are collected (default 5s).
	ReapInterval time.Duration
}

type item struct {
	job       pipeline.Job
	notBefore time.Time
	enqueued  time.Time
	stalls    int
	index     int
}

// readyHeap orders items by priority (higher first), then enqueue time.
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].enqueued.Before(h[j].enqueued)
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type leaseState struct {
	it        *item
	expiresAt time.Time
}

// Queue is an in-memory priority queue with delayed delivery, lease
// tracking, and a background stall reaper.
type Queue struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	ready   readyHeap
	delayed []*item
	leases  map[string]leaseState
	dead    []pipeline.Job
	closed  bool
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// New constructs a queue and starts its stall reaper.
func New(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.MaxStalls <= 0 {
		cfg.MaxStalls = 3
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		leases: make(map[string]leaseState),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go q.reapLoop()
	return q
}

// SetClock overrides the time source for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue adds a job, delayed when delay > 0.
func (q *Queue) Enqueue(_ context.Context, job pipeline.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if q.sizeLocked() >= q.cfg.Capacity {
		return fmt.Errorf("queue at capacity (%d)", q.cfg.Capacity)
	}
	now := q.now()
	it := &item{job: job, enqueued: now, notBefore: now.Add(delay)}
	q.pushLocked(it)
	q.wakeWaiter()
	return nil
}

// Dequeue blocks until a job becomes ready.
func (q *Queue) Dequeue(ctx context.Context) (*queue.Lease, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, queue.ErrClosed
		}
		q.promoteDelayedLocked()
		if q.ready.Len() > 0 {
			it := heap.Pop(&q.ready).(*item)
			lease := queue.Lease{
				ID:        uuid.NewString(),
				Job:       it.job,
				Stalls:    it.stalls,
				GrantedAt: q.now(),
			}
			q.leases[lease.ID] = leaseState{it: it, expiresAt: lease.GrantedAt.Add(q.cfg.LeaseTTL)}
			q.mu.Unlock()
			return &lease, nil
		}
		wait := q.nextWakeLocked()
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.stop:
			timer.Stop()
			return nil, queue.ErrClosed
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack completes a lease.
func (q *Queue) Ack(_ context.Context, leaseID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.leases[leaseID]; !ok {
		return fmt.Errorf("unknown lease %s", leaseID)
	}
	delete(q.leases, leaseID)
	return nil
}

// Nack returns a leased job to the queue after the given delay. The stall
// counter is not advanced: a deliberate retry is not a stall.
func (q *Queue) Nack(_ context.Context, leaseID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.leases[leaseID]
	if !ok {
		return fmt.Errorf("unknown lease %s", leaseID)
	}
	delete(q.leases, leaseID)
	st.it.notBefore = q.now().Add(delay)
	q.pushLocked(st.it)
	q.wakeWaiter()
	return nil
}

// Len reports waiting plus leased jobs.
func (q *Queue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked(), nil
}

// Dead returns jobs dropped after exhausting their stall budget.
func (q *Queue) Dead() []pipeline.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]pipeline.Job(nil), q.dead...)
}

// Close shuts the queue down and stops the reaper.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stop)
	<-q.done
	return nil
}

func (q *Queue) sizeLocked() int {
	return q.ready.Len() + len(q.delayed) + len(q.leases)
}

func (q *Queue) pushLocked(it *item) {
	if it.notBefore.After(q.now()) {
		q.delayed = append(q.delayed, it)
		return
	}
	heap.Push(&q.ready, it)
}

// promoteDelayedLocked moves due delayed items onto the ready heap.
func (q *Queue) promoteDelayedLocked() {
	now := q.now()
	kept := q.delayed[:0]
	for _, it := range q.delayed {
		if it.notBefore.After(now) {
			kept = append(kept, it)
			continue
		}
		heap.Push(&q.ready, it)
	}
	q.delayed = kept
}

// nextWakeLocked returns how long a blocked Dequeue may sleep before the
// earliest delayed item comes due.
func (q *Queue) nextWakeLocked() time.Duration {
	wait := time.Second
	now := q.now()
	for _, it := range q.delayed {
		if d := it.notBefore.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

func (q *Queue) wakeWaiter() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) reapLoop() {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.reapExpired()
		}
	}
}

// reapExpired re-queues jobs whose lease expired. A job that stalls too many
// times moves to the dead list instead of cycling forever.
func (q *Queue) reapExpired() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	woke := false
	for id, st := range q.leases {
		if st.expiresAt.After(now) {
			continue
		}
		delete(q.leases, id)
		st.it.stalls++
		if st.it.stalls >= q.cfg.MaxStalls {
			q.dead = append(q.dead, st.it.job)
			q.logger.Warn("job dropped after repeated stalls",
				zap.String("job_id", st.it.job.ID),
				zap.Int("stalls", st.it.stalls))
			continue
		}
		st.it.notBefore = now
		heap.Push(&q.ready, st.it)
		q.logger.Warn("stalled lease re-queued",
			zap.String("job_id", st.it.job.ID),
			zap.Int("stalls", st.it.stalls))
		woke = true
	}
	if woke {
		q.wakeWaiter()
	}
}
