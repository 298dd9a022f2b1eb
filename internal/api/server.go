// Package api exposes the HTTP interface for the crawl service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegiscrawl/aegis/internal/health"
	"github.com/aegiscrawl/aegis/internal/jobstore"
	"github.com/aegiscrawl/aegis/internal/metrics"
	"github.com/aegiscrawl/aegis/internal/pipeline"
	"github.com/aegiscrawl/aegis/internal/proxy"
	"github.com/aegiscrawl/aegis/internal/queue"
	"github.com/aegiscrawl/aegis/internal/ratelimit"
	"github.com/aegiscrawl/aegis/internal/router"
)

// Config tunes the API server.
type Config struct {
	// AuthEnabled gates all routes behind the API key.
	AuthEnabled bool
	APIKey      string
	// RequestTimeout bounds handler execution.
	RequestTimeout time.Duration
	// MaxAttempts caps the retry budget reported on submissions.
	MaxAttempts int
}

// Server wires HTTP handlers to the job store, the queue, and the learned
// resilience state.
type Server struct {
	router chi.Router
	jobs   jobstore.Store
	queue  queue.Queue
	gate   *health.DomainGate
	stats  *router.Stats
	pool   *proxy.Pool
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs jobstore.Store, q queue.Queue, gate *health.DomainGate, stats *router.Stats, pool *proxy.Pool, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:   jobs,
		queue:  q,
		gate:   gate,
		stats:  stats,
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.AuthEnabled {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/requeue", s.requeueJob)
			})
		})
		r.Get("/domains/{domain}/health", s.getDomainHealth)
		r.Route("/proxies", func(r chi.Router) {
			r.Get("/", s.listProxies)
			r.Post("/", s.addProxy)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetClock overrides the time source for tests.
func (s *Server) SetClock(now func() time.Time) {
	s.clock = now
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.queue.Len(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type rateLimitRequest struct {
	MaxRequests   int64  `json:"max_requests"`
	WindowSeconds int    `json:"window_seconds"`
	Strategy      string `json:"strategy"`
}

type submitJobRequest struct {
	URL            string            `json:"url"`
	ScraperType    string            `json:"scraper_type"`
	Priority       int               `json:"priority"`
	Metadata       map[string]string `json:"metadata"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	ProxyStrategy  string            `json:"proxy_strategy"`
	RateLimit      *rateLimitRequest `json:"rate_limit"`
	Enrich         bool              `json:"enrich"`
	EnrichFeatures []string          `json:"enrich_features"`
	DelaySeconds   int               `json:"delay_seconds"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, delay, err := s.toJob(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.jobs.CreateJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create job: %v", err))
		return
	}
	queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.queue.Enqueue(queueCtx, job, delay); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("enqueue job: %v", err))
		return
	}
	metrics.ObserveJob(string(jobstore.StatusQueued))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   job.ID,
		"trace_id": job.TraceID,
	})
}

func (s *Server) toJob(req submitJobRequest) (pipeline.Job, time.Duration, error) {
	if req.URL == "" {
		return pipeline.Job{}, 0, errors.New("url required")
	}
	if _, err := pipeline.Domain(req.URL); err != nil {
		return pipeline.Job{}, 0, fmt.Errorf("invalid url: %w", err)
	}
	scraperType := req.ScraperType
	if scraperType == "" {
		scraperType = pipeline.EngineAuto
	}
	switch scraperType {
	case pipeline.EngineHTTP, pipeline.EngineBrowser, pipeline.EngineAuto:
	default:
		return pipeline.Job{}, 0, fmt.Errorf("unknown scraper_type %q", scraperType)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return pipeline.Job{}, 0, fmt.Errorf("generate job id: %w", err)
	}

	job := pipeline.Job{
		ID:          id.String(),
		URL:         req.URL,
		ScraperType: scraperType,
		Priority:    req.Priority,
		TraceID:     uuid.NewString(),
		Metadata:    req.Metadata,
		Options: pipeline.Options{
			Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
			ProxyStrategy:  proxy.Strategy(req.ProxyStrategy),
			Enrich:         req.Enrich,
			EnrichFeatures: req.EnrichFeatures,
		},
	}
	if rl := req.RateLimit; rl != nil {
		if rl.MaxRequests <= 0 || rl.WindowSeconds <= 0 {
			return pipeline.Job{}, 0, errors.New("rate_limit requires max_requests and window_seconds > 0")
		}
		strategy := ratelimit.StrategyFixed
		if strings.EqualFold(rl.Strategy, string(ratelimit.StrategySliding)) {
			strategy = ratelimit.StrategySliding
		}
		job.Options.RateLimit = &ratelimit.Limit{
			MaxRequests: rl.MaxRequests,
			Window:      time.Duration(rl.WindowSeconds) * time.Second,
			Strategy:    strategy,
		}
	}
	return job, time.Duration(req.DelaySeconds) * time.Second, nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	rec, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "load job failed")
		return
	}
	attempts, err := s.jobs.ListAttempts(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load attempts failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":      rec,
		"attempts": attempts,
	})
}

// requeueJob returns a parked job to the queue with a fresh retry budget.
func (s *Server) requeueJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	rec, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if rec.Status != jobstore.StatusParked && rec.Status != jobstore.StatusFailed {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, only parked or failed jobs can be requeued", rec.Status))
		return
	}

	job := rec.Job
	job.Attempt = 0
	if err := s.jobs.UpdateStatus(r.Context(), jobID, jobstore.StatusQueued, ""); err != nil {
		writeError(w, http.StatusInternalServerError, "update job failed")
		return
	}
	if err := s.queue.Enqueue(r.Context(), job, 0); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("enqueue job: %v", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": string(jobstore.StatusQueued)})
}

func (s *Server) getDomainHealth(w http.ResponseWriter, r *http.Request) {
	domain := strings.ToLower(chi.URLParam(r, "domain"))
	if domain == "" {
		writeError(w, http.StatusBadRequest, "domain required")
		return
	}

	open := s.gate.IsOpen(r.Context(), domain)
	engines := make(map[string]any)
	for _, engine := range []string{pipeline.EngineHTTP, pipeline.EngineBrowser} {
		entry, err := s.stats.Get(r.Context(), domain, engine)
		if err != nil {
			continue
		}
		if entry.Total == 0 {
			continue
		}
		engines[engine] = map[string]any{
			"total":        entry.Total,
			"success":      entry.Success,
			"failure":      entry.Failure,
			"success_rate": entry.SuccessRate(),
		}
	}
	preferred, err := s.stats.Preferred(r.Context(), domain)
	if err != nil {
		preferred = ""
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"domain":           domain,
		"circuit_open":     open,
		"cooldown_seconds": int(s.gate.Cooldown().Seconds()),
		"engines":          engines,
		"preferred_engine": preferred,
	})
}

type addProxyRequest struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (s *Server) addProxy(w http.ResponseWriter, r *http.Request) {
	var req addProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "id and url required")
		return
	}
	if err := s.pool.Add(r.Context(), req.ID, req.URL); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("add proxy: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *Server) listProxies(w http.ResponseWriter, r *http.Request) {
	records, err := s.pool.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list proxies failed")
		return
	}
	now := s.clock()
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"id":                   rec.ID,
			"url":                  rec.URL,
			"success_count":        rec.SuccessCount,
			"failure_count":        rec.FailureCount,
			"consecutive_failures": rec.ConsecutiveFailures,
			"avg_response_ms":      rec.AvgResponseMs,
			"disabled":             rec.Disabled(now),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": out})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
