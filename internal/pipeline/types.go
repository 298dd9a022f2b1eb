package pipeline

import (
	"context"
	"time"

	"github.com/aegiscrawl/aegis/internal/proxy"
	"github.com/aegiscrawl/aegis/internal/ratelimit"
	"github.com/aegiscrawl/aegis/internal/scoring"
)

// Engine names. EngineAuto defers the choice to per-domain routing stats.
const (
	EngineHTTP    = "http"
	EngineBrowser = "browser"
	EngineAuto    = "auto"
)

// Job is one unit of crawl work.
type Job struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	ScraperType string            `json:"scraper_type"`
	Priority    int               `json:"priority"`
	Attempt     int               `json:"attempt"`
	TraceID     string            `json:"trace_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Options     Options           `json:"options"`
}

// Options tune one job's execution.
type Options struct {
	// Timeout bounds the fetch; zero uses the pipeline default.
	Timeout time.Duration `json:"timeout,omitempty"`
	// ProxyStrategy selects the rotation scheme when the adaptive overlay
	// has no preference.
	ProxyStrategy proxy.Strategy `json:"proxy_strategy,omitempty"`
	// RateLimit, when set, applies a precise per-domain budget on top of
	// the coarse throttle.
	RateLimit *ratelimit.Limit `json:"rate_limit,omitempty"`
	// Enrich runs the enrichment stage on fetched content.
	Enrich bool `json:"enrich,omitempty"`
	// EnrichFeatures selects which enrichment extractors run.
	EnrichFeatures []string `json:"enrich_features,omitempty"`
}

// FetchRequest is what a scraper engine receives.
type FetchRequest struct {
	URL         string
	TraceID     string
	Fingerprint *scoring.Fingerprint
	ProxyURL    string
}

// FetchResult is the engine's raw answer; the pipeline interprets it.
type FetchResult struct {
	Success    bool
	StatusCode int
	Data       []byte
	Error      string
}

// Scraper is a fetch engine. Implementations must honor ctx cancellation.
type Scraper interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// EnrichRequest carries fetched content into the enrichment stage.
type EnrichRequest struct {
	URL      string
	Data     []byte
	Features []string
}

// Enricher extracts structured fields from fetched content.
type Enricher interface {
	Enrich(ctx context.Context, req EnrichRequest) (map[string]any, error)
}

// Meta is the per-attempt execution metadata attached to every outcome.
type Meta struct {
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Engine          string `json:"engine,omitempty"`
	ProxyID         string `json:"proxy_id,omitempty"`
	FingerprintID   string `json:"fingerprint_id,omitempty"`
	FailurePoint    Point  `json:"failure_point,omitempty"`
	Attempt         int    `json:"attempt"`
}

// Outcome is the result of an executed attempt.
type Outcome struct {
	JobID      string         `json:"job_id"`
	Success    bool           `json:"success"`
	StatusCode int            `json:"status_code,omitempty"`
	Data       []byte         `json:"data,omitempty"`
	Err        *Error         `json:"error,omitempty"`
	Enrichment map[string]any `json:"enrichment,omitempty"`
	// EnrichmentError is set when enrichment failed after a successful
	// fetch; it never flips Success back to false.
	EnrichmentError string `json:"enrichment_error,omitempty"`
	Meta            Meta   `json:"meta"`
}

// Denial is an admission rejection: the attempt never acquired resources and
// does not count against the job's retry budget.
type Denial struct {
	Point   Point         `json:"point"`
	Reason  string        `json:"reason"`
	RetryIn time.Duration `json:"retry_in"`
}

// Verdict is the pipeline's answer for one attempt: exactly one of Outcome
// or Denial is set.
type Verdict struct {
	Outcome *Outcome `json:"outcome,omitempty"`
	Denial  *Denial  `json:"denial,omitempty"`
}

// Denied reports whether the attempt was rejected before execution.
func (v Verdict) Denied() bool { return v.Denial != nil }
