// Package worker implements the pool that consumes the job queue, drives the
// execution pipeline, and turns each verdict into a retry, park, or success
// decision.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aegiscrawl/aegis/internal/hash/sha256"
	"github.com/aegiscrawl/aegis/internal/jobstore"
	"github.com/aegiscrawl/aegis/internal/metrics"
	"github.com/aegiscrawl/aegis/internal/pipeline"
	"github.com/aegiscrawl/aegis/internal/queue"
	"github.com/aegiscrawl/aegis/internal/storage"
)

// Runner executes one attempt of a job. Satisfied by pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) pipeline.Verdict
}

// Publisher emits job outcomes to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher fingerprints fetched content for blob addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Config controls Pool behavior.
type Config struct {
	// Workers is the number of concurrent consumers.
	Workers int
	// MaxAttempts bounds executed attempts per job. Denials do not count.
	MaxAttempts int
	// BaseBackoff seeds the exponential retry delay.
	BaseBackoff time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
	// ContentType is stored alongside fetched content.
	ContentType string
	// BlobPrefix prefixes all blob object paths.
	BlobPrefix string
	// Topic is the outcome publish topic; empty disables publishing.
	Topic string
	// DepthInterval is how often the queue depth gauge is refreshed.
	DepthInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.ContentType == "" {
		c.ContentType = "text/html; charset=utf-8"
	}
	if c.DepthInterval <= 0 {
		c.DepthInterval = 5 * time.Second
	}
}

// Pool consumes queue leases and executes jobs through the pipeline.
type Pool struct {
	queue     queue.Queue
	runner    Runner
	jobs      jobstore.Store
	blobs     storage.BlobStore
	publisher Publisher
	hasher    Hasher
	backoff   *backoff
	cfg       Config
	logger    *zap.Logger
	clock     func() time.Time
}

// New constructs a Pool.
func New(q queue.Queue, runner Runner, jobs jobstore.Store, blobs storage.BlobStore, publisher Publisher, cfg Config, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if blobs == nil {
		blobs = storage.NoOp{}
	}
	return &Pool{
		queue:     q,
		runner:    runner,
		jobs:      jobs,
		blobs:     blobs,
		publisher: publisher,
		hasher:    sha256.New(),
		backoff:   newBackoff(cfg.BaseBackoff, cfg.MaxBackoff),
		cfg:       cfg,
		logger:    logger,
		clock:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (p *Pool) SetClock(fn func() time.Time) {
	p.clock = fn
}

// Run blocks, consuming the queue until the context finishes.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consume(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.watchDepth(ctx)
	}()

	wg.Wait()
}

func (p *Pool) consume(ctx context.Context) {
	for {
		lease, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || err == queue.ErrClosed {
				return
			}
			p.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		p.processLease(ctx, lease)
	}
}

func (p *Pool) watchDepth(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.DepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.Len(ctx)
			if err != nil {
				continue
			}
			metrics.SetQueueDepth(n)
		}
	}
}

// processLease runs one attempt and settles the lease. Denials are nacked
// back without touching the attempt counter; executed attempts are always
// acked, with retries re-enqueued as a fresh delivery carrying the bumped
// attempt number.
func (p *Pool) processLease(ctx context.Context, lease *queue.Lease) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	job := lease.Job
	job.Attempt++
	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Int("attempt", job.Attempt),
	)

	if err := p.jobs.UpdateStatus(ctx, job.ID, jobstore.StatusRunning, ""); err != nil {
		logger.Error("mark job running failed", zap.Error(err))
	}

	verdict := p.runner.Run(ctx, job)

	if verdict.Denied() {
		p.settleDenial(ctx, logger, lease, verdict.Denial)
		return
	}
	p.settleOutcome(ctx, logger, lease, job, verdict.Outcome)
}

// settleDenial returns the job to the queue after the denial's suggested
// wait. The attempt number is untouched: admission rejections never consume
// retry budget.
func (p *Pool) settleDenial(ctx context.Context, logger *zap.Logger, lease *queue.Lease, d *pipeline.Denial) {
	delay := d.RetryIn
	if delay <= 0 {
		delay = p.cfg.BaseBackoff
	}
	logger.Debug("attempt denied, requeueing",
		zap.String("point", string(d.Point)),
		zap.String("reason", d.Reason),
		zap.Duration("retry_in", delay),
	)
	if err := p.queue.Nack(ctx, lease.ID, delay); err != nil {
		logger.Error("nack denied job failed", zap.Error(err))
	}
}

func (p *Pool) settleOutcome(ctx context.Context, logger *zap.Logger, lease *queue.Lease, job pipeline.Job, out *pipeline.Outcome) {
	p.recordAttempt(ctx, logger, job, out)

	if out.Success {
		p.completeSuccess(ctx, logger, job, out)
		p.ack(ctx, logger, lease)
		return
	}

	errText := "fetch failed"
	retryable := false
	if out.Err != nil {
		errText = out.Err.Error()
		retryable = out.Err.Retryable
	}

	switch {
	case !retryable:
		p.finishJob(ctx, logger, job.ID, jobstore.StatusFailed, errText)
	case job.Attempt >= p.cfg.MaxAttempts:
		p.finishJob(ctx, logger, job.ID, jobstore.StatusParked, errText)
	default:
		p.scheduleRetry(ctx, logger, job, errText)
	}
	p.ack(ctx, logger, lease)
}

// scheduleRetry re-enqueues the job with its bumped attempt number after a
// jittered exponential delay.
func (p *Pool) scheduleRetry(ctx context.Context, logger *zap.Logger, job pipeline.Job, errText string) {
	delay := p.backoff.delay(job.Attempt)
	if err := p.jobs.UpdateStatus(ctx, job.ID, jobstore.StatusRetrying, errText); err != nil {
		logger.Error("mark job retrying failed", zap.Error(err))
	}
	metrics.ObserveJob(string(jobstore.StatusRetrying))
	if err := p.queue.Enqueue(ctx, job, delay); err != nil {
		logger.Error("requeue for retry failed", zap.Error(err))
		p.finishJob(ctx, logger, job.ID, jobstore.StatusFailed, fmt.Sprintf("requeue failed: %v", err))
		return
	}
	logger.Info("attempt failed, retry scheduled",
		zap.String("error", errText),
		zap.Duration("delay", delay),
	)
}

func (p *Pool) finishJob(ctx context.Context, logger *zap.Logger, jobID string, status jobstore.Status, errText string) {
	if err := p.jobs.UpdateStatus(ctx, jobID, status, errText); err != nil {
		logger.Error("final job status update failed", zap.Error(err))
	}
	metrics.ObserveJob(string(status))
	logger.Info("job finished", zap.String("status", string(status)), zap.String("error", errText))
}

// completeSuccess persists the fetched content and publishes the outcome.
// Storage and publish faults are logged, not retried: the fetch itself
// succeeded and re-running it would hit the target again for nothing.
func (p *Pool) completeSuccess(ctx context.Context, logger *zap.Logger, job pipeline.Job, out *pipeline.Outcome) {
	uri, hash, err := p.persistContent(ctx, job, out)
	if err != nil {
		logger.Error("persist content failed", zap.Error(err))
	}

	if err := p.jobs.UpdateStatus(ctx, job.ID, jobstore.StatusSucceeded, ""); err != nil {
		logger.Error("mark job succeeded failed", zap.Error(err))
	}
	metrics.ObserveJob(string(jobstore.StatusSucceeded))

	if err := p.publishOutcome(ctx, job, out, uri, hash); err != nil {
		logger.Error("publish outcome failed", zap.Error(err))
	}
	logger.Info("job succeeded",
		zap.Int("status_code", out.StatusCode),
		zap.String("blob_uri", uri),
		zap.Int64("execution_time_ms", out.Meta.ExecutionTimeMs),
	)
}

func (p *Pool) persistContent(ctx context.Context, job pipeline.Job, out *pipeline.Outcome) (uri, hash string, err error) {
	if len(out.Data) == 0 {
		return "", "", nil
	}
	hash, err = p.hasher.Hash(out.Data)
	if err != nil {
		return "", "", fmt.Errorf("hash content: %w", err)
	}
	uri, err = p.blobs.Put(ctx, p.blobPath(job.ID, hash), p.cfg.ContentType, out.Data)
	if err != nil {
		return "", hash, fmt.Errorf("store content: %w", err)
	}
	if uri == "" {
		return "", hash, nil
	}
	if err := p.jobs.SetBlobURI(ctx, job.ID, uri); err != nil {
		return uri, hash, fmt.Errorf("record blob uri: %w", err)
	}
	return uri, hash, nil
}

func (p *Pool) blobPath(jobID, hash string) string {
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

func (p *Pool) publishOutcome(ctx context.Context, job pipeline.Job, out *pipeline.Outcome, uri, hash string) error {
	if p.cfg.Topic == "" || p.publisher == nil {
		return nil
	}
	payload := map[string]any{
		"job_id":      job.ID,
		"url":         job.URL,
		"trace_id":    job.TraceID,
		"status_code": out.StatusCode,
		"blob_uri":    uri,
		"hash":        hash,
		"engine":      out.Meta.Engine,
		"attempt":     job.Attempt,
		"timestamp":   p.clock().UTC().Format(time.RFC3339),
	}
	if len(out.Enrichment) > 0 {
		payload["enrichment"] = out.Enrichment
	}
	if out.EnrichmentError != "" {
		payload["enrichment_error"] = out.EnrichmentError
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}
	return nil
}

func (p *Pool) recordAttempt(ctx context.Context, logger *zap.Logger, job pipeline.Job, out *pipeline.Outcome) {
	rec := jobstore.AttemptRecord{
		JobID:         job.ID,
		Attempt:       job.Attempt,
		Success:       out.Success,
		Engine:        out.Meta.Engine,
		ProxyID:       out.Meta.ProxyID,
		FingerprintID: out.Meta.FingerprintID,
		StatusCode:    out.StatusCode,
		DurationMs:    out.Meta.ExecutionTimeMs,
		CreatedAt:     p.clock().UTC(),
	}
	if out.Err != nil {
		rec.Category = string(out.Err.Category)
		rec.FailurePoint = string(out.Err.Point)
		rec.Code = out.Err.Code
		rec.Message = out.Err.Message
	}
	if err := p.jobs.RecordAttempt(ctx, rec); err != nil {
		logger.Error("record attempt failed", zap.Error(err))
	}
}

func (p *Pool) ack(ctx context.Context, logger *zap.Logger, lease *queue.Lease) {
	if err := p.queue.Ack(ctx, lease.ID); err != nil {
		logger.Error("ack lease failed", zap.Error(err))
	}
}
