// Package fetch provides the scraper engines: a fast colly-based HTTP engine
// and a headless-Chrome browser engine for JavaScript-heavy targets. Both
// apply the learned browser fingerprint and the selected egress proxy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/aegiscrawl/aegis/internal/pipeline"
)

// HTTPConfig tunes the HTTP engine.
type HTTPConfig struct {
	// UserAgent is the fallback identity when a request carries none.
	UserAgent string
	// RequestTimeout bounds each request at the transport level.
	RequestTimeout time.Duration
	// Concurrency caps parallel requests per engine instance.
	Concurrency int
}

// HTTPEngine fetches pages over plain HTTP using colly.
type HTTPEngine struct {
	base   *colly.Collector
	cfg    HTTPConfig
	logger *zap.Logger
}

// NewHTTPEngine constructs a configured colly-based engine.
func NewHTTPEngine(cfg HTTPConfig, logger *zap.Logger) (*HTTPEngine, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
	)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       cfg.Concurrency * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Concurrency,
	}); err != nil {
		return nil, fmt.Errorf("configure limit rule: %w", err)
	}

	return &HTTPEngine{base: base, cfg: cfg, logger: logger}, nil
}

type collyResult struct {
	status   int
	body     []byte
	fetchErr error
}

// Fetch retrieves the page, applying the request's fingerprint and proxy.
func (e *HTTPEngine) Fetch(ctx context.Context, req pipeline.FetchRequest) (pipeline.FetchResult, error) {
	collector := e.base.Clone()
	if req.ProxyURL != "" {
		if err := collector.SetProxy(req.ProxyURL); err != nil {
			return pipeline.FetchResult{}, fmt.Errorf("set proxy: %w", err)
		}
	}
	if req.Fingerprint != nil && req.Fingerprint.UserAgent != "" {
		collector.UserAgent = req.Fingerprint.UserAgent
	}

	collector.OnRequest(func(r *colly.Request) {
		applyFingerprintHeaders(r.Headers, req)
	})

	resultCh := make(chan collyResult, 1)
	var once sync.Once
	send := func(res collyResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		send(collyResult{status: r.StatusCode, body: append([]byte(nil), r.Body...)})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		status := 0
		var body []byte
		if r != nil {
			status = r.StatusCode
			body = append([]byte(nil), r.Body...)
		}
		send(collyResult{status: status, body: body, fetchErr: err})
	})

	if err := collector.Visit(req.URL); err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("visit %s: %w", req.URL, err)
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return pipeline.FetchResult{}, err
		}
		return interpret(res), nil
	default:
		return pipeline.FetchResult{}, errors.New("fetch produced no result")
	}
}

// interpret maps the transport-level result onto the engine contract: HTTP
// error statuses become unsuccessful results, not engine errors.
func interpret(res collyResult) pipeline.FetchResult {
	out := pipeline.FetchResult{
		StatusCode: res.status,
		Data:       res.body,
	}
	switch {
	case res.fetchErr != nil && res.status == 0:
		out.Error = res.fetchErr.Error()
	case res.status >= 400:
		out.Error = fmt.Sprintf("http %d: %s", res.status, http.StatusText(res.status))
	default:
		out.Success = true
	}
	return out
}

// applyFingerprintHeaders sets the identity headers for one request.
func applyFingerprintHeaders(headers *http.Header, req pipeline.FetchRequest) {
	fp := req.Fingerprint
	if fp == nil {
		return
	}
	if fp.AcceptLanguage != "" {
		headers.Set("Accept-Language", fp.AcceptLanguage)
	}
	for k, v := range fp.Headers {
		headers.Set(k, v)
	}
}
