// Package app initializes and holds the long-lived services, acting as the
// composition root for the crawl service.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/aegiscrawl/aegis/internal/api"
	"github.com/aegiscrawl/aegis/internal/config"
	"github.com/aegiscrawl/aegis/internal/enrich"
	"github.com/aegiscrawl/aegis/internal/feedback"
	"github.com/aegiscrawl/aegis/internal/feedback/sinks"
	"github.com/aegiscrawl/aegis/internal/fetch"
	"github.com/aegiscrawl/aegis/internal/fingerprint"
	"github.com/aegiscrawl/aegis/internal/health"
	"github.com/aegiscrawl/aegis/internal/jobstore"
	jobmemory "github.com/aegiscrawl/aegis/internal/jobstore/memory"
	jobpostgres "github.com/aegiscrawl/aegis/internal/jobstore/postgres"
	"github.com/aegiscrawl/aegis/internal/kv"
	"github.com/aegiscrawl/aegis/internal/logging"
	"github.com/aegiscrawl/aegis/internal/metrics"
	"github.com/aegiscrawl/aegis/internal/pipeline"
	"github.com/aegiscrawl/aegis/internal/proxy"
	pubpublisher "github.com/aegiscrawl/aegis/internal/publisher/pubsub"
	queuememory "github.com/aegiscrawl/aegis/internal/queue/memory"
	queuepubsub "github.com/aegiscrawl/aegis/internal/queue/pubsub"
	"github.com/aegiscrawl/aegis/internal/ratelimit"
	"github.com/aegiscrawl/aegis/internal/router"
	"github.com/aegiscrawl/aegis/internal/scoring"
	"github.com/aegiscrawl/aegis/internal/storage"
	storagegcs "github.com/aegiscrawl/aegis/internal/storage/gcs"
	storagelocal "github.com/aegiscrawl/aegis/internal/storage/local"
	storagememory "github.com/aegiscrawl/aegis/internal/storage/memory"
	"github.com/aegiscrawl/aegis/internal/telemetry"
	"github.com/aegiscrawl/aegis/internal/worker"
)

// App holds the wired service graph. Initialized once at startup; fails fast
// when a critical dependency cannot be reached.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store   kv.Store
	jobs    jobstore.Store
	queue   *queuememory.Queue
	hub     *feedback.Hub
	pool    *worker.Pool
	server  *http.Server
	intake  *queuepubsub.Intake
	browser *fetch.BrowserEngine

	pubsubClient *pubsub.Client
	tracer       *sdktrace.TracerProvider
}

// New wires the full service graph from configuration.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	tracer, err := telemetry.InitTracerProvider(ctx, "aegis")
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tracer

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initJobStore(ctx); err != nil {
		return nil, err
	}
	blobs, err := a.initBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.initPublisher(ctx)
	if err != nil {
		return nil, err
	}

	a.queue = queuememory.New(queuememory.Config{
		Capacity:  cfg.Queue.Capacity,
		LeaseTTL:  time.Duration(cfg.Queue.LeaseTTLSeconds) * time.Second,
		MaxStalls: cfg.Queue.MaxStalls,
	}, logger)

	if cfg.Queue.Subscription != "" && cfg.PubSub.ProjectID != "" {
		intake, err := queuepubsub.NewIntake(ctx, cfg.PubSub.ProjectID, cfg.Queue.Subscription, a.queue, logger)
		if err != nil {
			return nil, fmt.Errorf("init pubsub intake: %w", err)
		}
		a.intake = intake
	}

	stats := router.NewStats(a.store)
	gate := health.NewDomainGate(a.store, health.GateConfig{
		FailureThreshold: int64(cfg.Gate.FailureThreshold),
		Window:           time.Duration(cfg.Gate.WindowSeconds) * time.Second,
		Cooldown:         time.Duration(cfg.Gate.CooldownSeconds) * time.Second,
	}, logger)
	egress := proxy.NewPool(a.store, proxy.Config{
		FailureThreshold:  int64(cfg.Proxy.FailureThreshold),
		DisableFor:        time.Duration(cfg.Proxy.DisableSeconds) * time.Second,
		AdaptiveThreshold: cfg.Proxy.AdaptiveThreshold,
	}, logger)
	healer := scoring.NewSelectorHealer(a.store)

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	a.hub = feedback.NewHub(feedback.Config{
		BufferSize: cfg.Feedback.QueueSize,
		MaxBatch:   cfg.Feedback.BatchSize,
		MaxWait:    time.Duration(cfg.Feedback.FlushMs) * time.Millisecond,
		Logger:     logger,
	}, sinks.NewLogSink(logger), promSink, sinks.NewStatsSink(stats))

	scrapers, err := a.initScrapers()
	if err != nil {
		return nil, err
	}

	pipe := pipeline.New(pipeline.Config{
		FetchTimeout:         cfg.FetchTimeout(),
		RateWaitMax:          cfg.RateWaitMax(),
		DefaultProxyStrategy: proxy.Strategy(cfg.Pipeline.ProxyStrategy),
	}, pipeline.Deps{
		Throttle: ratelimit.NewThrottle(a.store, int64(cfg.Throttle.MaxRequests), time.Duration(cfg.Throttle.WindowSeconds)*time.Second),
		Gate:     gate,
		Governor: ratelimit.NewGovernor(a.store),
		Pool:     egress,
		Ranker: scoring.NewFingerprintRanker(a.store, scoring.FingerprintConfig{
			MinScore:      cfg.Fingerprint.MinScore,
			MaxRanked:     cfg.Fingerprint.MaxRanked,
			BestThreshold: cfg.Fingerprint.BestThreshold,
		}),
		FpGen:    fingerprint.New(),
		Stats:    stats,
		Scrapers: scrapers,
		Enricher: enrich.New(healer, logger),
		Emitter:  a.hub,
		Logger:   logger,
	})

	a.pool = worker.New(a.queue, pipe, a.jobs, blobs, publisher, worker.Config{
		Workers:     cfg.Workers.Count,
		MaxAttempts: cfg.Workers.MaxAttempts,
		BaseBackoff: time.Duration(cfg.Workers.BackoffInitialMs) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.Workers.BackoffMaxMs) * time.Millisecond,
		ContentType: cfg.Storage.ContentType,
		BlobPrefix:  cfg.Storage.Prefix,
		Topic:       cfg.PubSub.Topic,
	}, logger)

	apiServer := api.NewServer(a.jobs, a.queue, gate, stats, egress, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
		MaxAttempts: cfg.Workers.MaxAttempts,
	}, logger)
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("db", cfg.DB.Enabled),
		zap.Int("workers", cfg.Workers.Count),
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case "redis":
		store, err := kv.NewRedis(ctx, a.cfg.Store.Addr, a.cfg.Store.Password, a.cfg.Store.DB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.store = store
	default:
		a.store = kv.NewMemory()
	}
	return nil
}

func (a *App) initJobStore(ctx context.Context) error {
	if !a.cfg.DB.Enabled {
		a.jobs = jobmemory.New()
		return nil
	}
	store, err := jobpostgres.New(ctx, jobpostgres.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: int32(a.cfg.DB.MaxConns),
		MinConns: int32(a.cfg.DB.MinConns),
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.jobs = store
	return nil
}

func (a *App) initBlobStore(ctx context.Context) (storage.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return storagegcs.New(client, storagegcs.Config{Bucket: a.cfg.Storage.GCSBucket})
	case "local":
		return storagelocal.New(storagelocal.Config{BaseDir: a.cfg.Storage.LocalDir})
	case "memory":
		return storagememory.NewBlobStore(), nil
	default:
		return storage.NoOp{}, nil
	}
}

func (a *App) initPublisher(ctx context.Context) (worker.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.Topic == "" {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	a.pubsubClient = client
	return pubpublisher.New(client)
}

func (a *App) initScrapers() (map[string]pipeline.Scraper, error) {
	scrapers := make(map[string]pipeline.Scraper)

	httpEngine, err := fetch.NewHTTPEngine(fetch.HTTPConfig{
		UserAgent:      a.cfg.HTTPEngine.UserAgent,
		RequestTimeout: time.Duration(a.cfg.HTTPEngine.TimeoutSeconds) * time.Second,
		Concurrency:    a.cfg.HTTPEngine.Concurrency,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init http engine: %w", err)
	}
	scrapers[pipeline.EngineHTTP] = httpEngine

	if a.cfg.Browser.Enabled {
		browser, err := fetch.NewBrowserEngine(fetch.BrowserConfig{
			MaxTabs:       a.cfg.Browser.MaxTabs,
			RenderTimeout: time.Duration(a.cfg.Browser.RenderTimeoutSeconds) * time.Second,
			DomainQPS:     a.cfg.Browser.DomainQPS,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init browser engine: %w", err)
		}
		a.browser = browser
		scrapers[pipeline.EngineBrowser] = browser
	}
	return scrapers, nil
}

// Run starts the workers, the intake, and the HTTP server, and blocks until
// the context finishes or the server fails.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.pool.Run(runCtx)
	}()

	if a.intake != nil {
		go func() {
			if err := a.intake.Run(runCtx); err != nil && runCtx.Err() == nil {
				a.logger.Error("pubsub intake stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", zap.Error(err))
	}
	cancel()
	<-workersDone
	return nil
}

// Close releases all held resources.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("feedback hub close failed", zap.Error(err))
		}
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.intake != nil {
		if err := a.intake.Close(); err != nil {
			a.logger.Warn("intake close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			a.logger.Warn("browser close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.jobs != nil {
		a.jobs.Close()
	}
	if closer, ok := a.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
