// Package pipeline executes crawl attempts through the full admission and
// resource chain: throttle, domain circuit, rate limit, resource selection,
// fetch, outcome recording, and enrichment.
package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aegiscrawl/aegis/internal/feedback"
	"github.com/aegiscrawl/aegis/internal/fingerprint"
	"github.com/aegiscrawl/aegis/internal/health"
	"github.com/aegiscrawl/aegis/internal/metrics"
	"github.com/aegiscrawl/aegis/internal/proxy"
	"github.com/aegiscrawl/aegis/internal/ratelimit"
	"github.com/aegiscrawl/aegis/internal/router"
	"github.com/aegiscrawl/aegis/internal/scoring"
)

// Config tunes the pipeline.
type Config struct {
	// FetchTimeout bounds a fetch when the job does not set its own.
	FetchTimeout time.Duration
	// RateWaitMax is how long an attempt may block waiting for a
	// per-domain rate slot before being denied.
	RateWaitMax time.Duration
	// DefaultProxyStrategy applies when the job does not pick one.
	DefaultProxyStrategy proxy.Strategy
}

// Pipeline runs crawl attempts. Every admission decision and resource choice
// is learned state shared through the store, so any worker process arrives at
// the same answers.
type Pipeline struct {
	cfg      Config
	throttle *ratelimit.Throttle
	gate     *health.DomainGate
	governor *ratelimit.Governor
	pool     *proxy.Pool
	ranker   *scoring.FingerprintRanker
	fpGen    *fingerprint.Generator
	stats    *router.Stats
	scrapers map[string]Scraper
	enricher Enricher
	emitter  feedback.Emitter
	logger   *zap.Logger
	now      func() time.Time
}

// Deps carries the pipeline's collaborators.
type Deps struct {
	Throttle *ratelimit.Throttle
	Gate     *health.DomainGate
	Governor *ratelimit.Governor
	Pool     *proxy.Pool
	Ranker   *scoring.FingerprintRanker
	FpGen    *fingerprint.Generator
	Stats    *router.Stats
	Scrapers map[string]Scraper
	Enricher Enricher
	Emitter  feedback.Emitter
	Logger   *zap.Logger
}

// New constructs a Pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.RateWaitMax <= 0 {
		cfg.RateWaitMax = 2 * time.Second
	}
	if cfg.DefaultProxyStrategy == "" {
		cfg.DefaultProxyStrategy = proxy.StrategyRoundRobin
	}
	if deps.Emitter == nil {
		deps.Emitter = feedback.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	metrics.Init()
	return &Pipeline{
		cfg:      cfg,
		throttle: deps.Throttle,
		gate:     deps.Gate,
		governor: deps.Governor,
		pool:     deps.Pool,
		ranker:   deps.Ranker,
		fpGen:    deps.FpGen,
		stats:    deps.Stats,
		scrapers: deps.Scrapers,
		enricher: deps.Enricher,
		emitter:  deps.Emitter,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Domain extracts the lowercase hostname from a job URL.
func Domain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url has no host")
	}
	return host, nil
}

// Run executes one attempt for the job and returns a Verdict: either a
// Denial (admission rejected the attempt, no resources consumed) or an
// Outcome carrying the fetch result or a classified failure.
func (p *Pipeline) Run(ctx context.Context, job Job) Verdict {
	ctx, span := otel.Tracer("aegis/pipeline").Start(ctx, "pipeline.run")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.trace_id", job.TraceID),
		attribute.Int("job.attempt", job.Attempt),
	)
	defer span.End()

	started := p.now()
	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("trace_id", job.TraceID),
		zap.Int("attempt", job.Attempt),
	)

	// Step 1: validate the target before touching any shared state.
	domain, err := Domain(job.URL)
	if err != nil {
		return p.failed(job, started, Meta{}, Permanent(PointValidate, "bad_url", "job url is not crawlable", err))
	}
	logger = logger.With(zap.String("domain", domain))

	// Step 2: coarse load shedding. A throttle store error fails open so a
	// store outage cannot halt all crawling on its own.
	allowed, resetAt, err := p.throttle.Allow(ctx, domain)
	if err != nil {
		logger.Warn("throttle check failed, failing open", zap.Error(err))
	} else if !allowed {
		return p.denied(logger, domain, PointThrottle, "domain request budget exhausted", time.Until(resetAt))
	}

	// Step 3: the domain circuit. IsOpen fails open internally.
	if p.gate.IsOpen(ctx, domain) {
		return p.denied(logger, domain, PointCircuit, "domain circuit is open", p.gate.Cooldown())
	}

	// Step 4: precise per-domain rate limiting, when the job asks for it.
	if limit := job.Options.RateLimit; limit != nil {
		waitStart := p.now()
		ok, err := p.governor.WaitForSlot(ctx, domain, *limit, p.cfg.RateWaitMax)
		metrics.ObserveRateLimitWait(domain, p.now().Sub(waitStart))
		if err != nil {
			return p.failed(job, started, Meta{}, Operational(PointRateLimit, "rate_check", "rate limit check failed", err))
		}
		if !ok {
			return p.denied(logger, domain, PointRateLimit, "no rate slot within wait budget", limit.Window)
		}
	}

	// Step 5: resource selection.
	meta := Meta{Attempt: job.Attempt}
	engine := p.pickEngine(ctx, logger, domain, job.ScraperType)
	meta.Engine = engine
	scraper, ok := p.scrapers[engine]
	if !ok {
		err := &Error{Category: CategoryOperational, Point: PointResource, Code: "no_engine",
			Message: fmt.Sprintf("no scraper registered for engine %q", engine)}
		return p.failed(job, started, meta, err)
	}

	fpID, fp := p.pickFingerprint(ctx, logger, domain)
	meta.FingerprintID = fpID

	strategy := job.Options.ProxyStrategy
	if strategy == "" {
		strategy = p.cfg.DefaultProxyStrategy
	}
	rec, err := p.pool.GetForDomain(ctx, domain, strategy)
	if err != nil {
		return p.failed(job, started, meta, Operational(PointResource, "proxy_select", "proxy selection failed", err))
	}
	proxyURL := ""
	if rec != nil {
		meta.ProxyID = rec.ID
		proxyURL = rec.URL
	}

	// Step 6: the fetch, isolated behind a hard deadline. The engine runs
	// in its own goroutine so a hung fetch cannot wedge the worker.
	timeout := job.Options.Timeout
	if timeout <= 0 {
		timeout = p.cfg.FetchTimeout
	}
	res, fetchErr := p.fetch(ctx, scraper, FetchRequest{
		URL:         job.URL,
		TraceID:     job.TraceID,
		Fingerprint: &fp,
		ProxyURL:    proxyURL,
	}, timeout)

	// Step 7: interpret the raw result.
	classified := classifyFetch(res, fetchErr)
	elapsed := p.now().Sub(started)

	// Step 8: fold the outcome back into every learned component before
	// the caller sees it, so the next attempt starts from updated state.
	p.record(ctx, logger, job, domain, meta, elapsed, classified)

	if classified != nil {
		meta.FailurePoint = classified.Point
		logger.Warn("attempt failed",
			zap.String("category", string(classified.Category)),
			zap.String("code", classified.Code),
			zap.Error(classified))
		return Verdict{Outcome: &Outcome{
			JobID:      job.ID,
			StatusCode: res.StatusCode,
			Err:        classified,
			Meta:       p.finishMeta(meta, elapsed),
		}}
	}

	out := &Outcome{
		JobID:      job.ID,
		Success:    true,
		StatusCode: res.StatusCode,
		Data:       res.Data,
		Meta:       p.finishMeta(meta, elapsed),
	}

	// Step 9: enrichment never un-succeeds a fetch.
	if job.Options.Enrich && p.enricher != nil {
		fields, err := p.enricher.Enrich(ctx, EnrichRequest{
			URL:      job.URL,
			Data:     res.Data,
			Features: job.Options.EnrichFeatures,
		})
		if err != nil {
			out.EnrichmentError = err.Error()
			metrics.ObserveEnrichmentFailure()
			logger.Warn("enrichment failed", zap.Error(err))
		} else {
			out.Enrichment = fields
		}
	}

	logger.Info("attempt succeeded",
		zap.String("engine", engine),
		zap.Duration("dur", elapsed))
	return Verdict{Outcome: out}
}

func (p *Pipeline) finishMeta(meta Meta, elapsed time.Duration) Meta {
	meta.ExecutionTimeMs = elapsed.Milliseconds()
	return meta
}

func (p *Pipeline) denied(logger *zap.Logger, domain string, point Point, reason string, retryIn time.Duration) Verdict {
	if retryIn < 0 {
		retryIn = 0
	}
	metrics.ObserveDenial(string(point))
	logger.Debug("attempt denied",
		zap.String("point", string(point)),
		zap.String("reason", reason),
		zap.Duration("retry_in", retryIn))
	return Verdict{Denial: &Denial{Point: point, Reason: reason, RetryIn: retryIn}}
}

// failed builds the Outcome for a pre-fetch classified failure. Post-fetch
// failures go through record instead.
func (p *Pipeline) failed(job Job, started time.Time, meta Meta, ferr *Error) Verdict {
	meta.FailurePoint = ferr.Point
	metrics.ObserveAttempt(meta.Engine, false)
	return Verdict{Outcome: &Outcome{
		JobID: job.ID,
		Err:   ferr,
		Meta:  p.finishMeta(meta, p.now().Sub(started)),
	}}
}

// pickEngine resolves "auto" through per-domain routing stats, defaulting to
// the HTTP engine when there is no history to go on.
func (p *Pipeline) pickEngine(ctx context.Context, logger *zap.Logger, domain, requested string) string {
	if requested != "" && requested != EngineAuto {
		return requested
	}
	preferred, err := p.stats.Preferred(ctx, domain)
	if err != nil {
		logger.Warn("engine routing lookup failed", zap.Error(err))
	}
	if preferred == "" {
		return EngineHTTP
	}
	return preferred
}

// pickFingerprint returns the learned identity for a domain, or generates and
// registers a fresh one when the ranker has no preference it trusts.
func (p *Pipeline) pickFingerprint(ctx context.Context, logger *zap.Logger, domain string) (string, scoring.Fingerprint) {
	best, err := p.ranker.Best(ctx, domain)
	if err != nil {
		logger.Warn("fingerprint lookup failed", zap.Error(err))
	}
	if best != nil {
		return best.ID, best.Payload
	}
	id, fp := p.fpGen.Generate()
	if err := p.ranker.Add(ctx, domain, id, fp); err != nil {
		logger.Warn("fingerprint registration failed", zap.Error(err))
	}
	return id, fp
}

// fetch runs the engine in its own goroutine under a hard deadline. On
// timeout the goroutine is abandoned; the engine must honor ctx to exit.
func (p *Pipeline) fetch(ctx context.Context, scraper Scraper, req FetchRequest, timeout time.Duration) (FetchResult, error) {
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type fetchOut struct {
		res FetchResult
		err error
	}
	ch := make(chan fetchOut, 1)
	go func() {
		res, err := scraper.Fetch(fctx, req)
		ch <- fetchOut{res: res, err: err}
	}()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-fctx.Done():
		return FetchResult{}, fctx.Err()
	}
}

// record trains the gate, proxy pool, fingerprint ranker, and emits the
// outcome event. Training errors are logged, never propagated: a failed stat
// write must not mask the attempt's real result.
func (p *Pipeline) record(ctx context.Context, logger *zap.Logger, job Job, domain string, meta Meta, elapsed time.Duration, ferr *Error) {
	success := ferr == nil
	blocked := ferr != nil && ferr.Category == CategorySecurity

	if success {
		if err := p.gate.RecordSuccess(ctx, domain); err != nil {
			logger.Warn("gate success record failed", zap.Error(err))
		}
	} else if ferr.Category == CategoryTransient || ferr.Category == CategorySecurity {
		// Permanent failures say nothing about the domain's health and
		// operational ones are our own fault; neither trips the circuit.
		if err := p.gate.RecordFailure(ctx, domain); err != nil {
			logger.Warn("gate failure record failed", zap.Error(err))
		}
	}

	if meta.ProxyID != "" {
		var err error
		if success {
			err = p.pool.ReportSuccess(ctx, domain, meta.ProxyID, elapsed)
		} else {
			err = p.pool.ReportFailure(ctx, domain, meta.ProxyID, blocked)
		}
		if err != nil {
			logger.Warn("proxy outcome record failed", zap.Error(err))
		}
	}

	if meta.FingerprintID != "" {
		outcome := scoring.OutcomeSuccess
		switch {
		case blocked:
			outcome = scoring.OutcomeBlock
		case !success:
			outcome = scoring.OutcomeFailure
		}
		if err := p.ranker.Record(ctx, domain, meta.FingerprintID, outcome); err != nil {
			logger.Warn("fingerprint outcome record failed", zap.Error(err))
		}
	}

	metrics.ObserveAttempt(meta.Engine, success)
	evt := feedback.Event{
		JobID:    job.ID,
		TS:       p.now().UTC(),
		Domain:   domain,
		Engine:   meta.Engine,
		Success:  success,
		ProxyID:  meta.ProxyID,
		Duration: elapsed,
	}
	if ferr != nil {
		evt.Category = string(ferr.Category)
		evt.FailurePoint = string(ferr.Point)
	}
	p.emitter.Emit(evt)
}
