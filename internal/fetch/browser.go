package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aegiscrawl/aegis/internal/pipeline"
)

// ErrBrowserDisabled indicates the browser engine is disabled via configuration.
var ErrBrowserDisabled = errors.New("browser engine disabled")

// BrowserConfig tunes the headless browser engine.
type BrowserConfig struct {
	// MaxTabs caps concurrent renders; zero disables the engine.
	MaxTabs int
	// RenderTimeout bounds one render.
	RenderTimeout time.Duration
	// DomainQPS throttles renders per target host; zero means unthrottled.
	DomainQPS float64
}

// BrowserEngine renders pages with headless Chrome via chromedp. A warm
// browser process is shared; proxied requests get a dedicated allocator
// because Chrome's proxy is a process-level setting.
type BrowserEngine struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	cfg             BrowserConfig
	logger          *zap.Logger
	sem             chan struct{}
	domainLimiters  sync.Map
}

// NewBrowserEngine starts the shared headless browser.
func NewBrowserEngine(cfg BrowserConfig, logger *zap.Logger) (*BrowserEngine, error) {
	if cfg.MaxTabs <= 0 {
		return nil, ErrBrowserDisabled
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), browserOpts("")...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &BrowserEngine{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		cfg:             cfg,
		logger:          logger,
		sem:             make(chan struct{}, cfg.MaxTabs),
	}, nil
}

func browserOpts(proxyURL string) []chromedp.ExecAllocatorOption {
	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
	)
	if proxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(proxyURL))
	}
	return opts
}

// Close tears down the shared browser.
func (e *BrowserEngine) Close() error {
	if e == nil {
		return nil
	}
	e.browserCancel()
	e.allocatorCancel()
	return nil
}

// Fetch renders the page with JavaScript enabled and returns the DOM
// snapshot.
func (e *BrowserEngine) Fetch(ctx context.Context, req pipeline.FetchRequest) (pipeline.FetchResult, error) {
	if e == nil {
		return pipeline.FetchResult{}, ErrBrowserDisabled
	}

	release, err := e.acquireTab(ctx)
	if err != nil {
		return pipeline.FetchResult{}, err
	}
	defer release()

	if err := e.waitDomainBudget(ctx, req.URL); err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("render rate limit: %w", err)
	}

	tabCtx, cancelTab, err := e.newTab(req.ProxyURL)
	if err != nil {
		return pipeline.FetchResult{}, err
	}
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, e.cfg.RenderTimeout)
	defer cancelTask()
	stop := forwardCancel(ctx, cancelTask)
	defer stop()

	meta := &responseMeta{}
	listenForDocument(tabCtx, meta)

	html, err := e.render(taskCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.FetchResult{}, ctx.Err()
		}
		return pipeline.FetchResult{}, fmt.Errorf("chromedp run: %w", err)
	}

	out := pipeline.FetchResult{
		StatusCode: meta.status(),
		Data:       []byte(html),
	}
	if out.StatusCode >= 400 {
		out.Error = fmt.Sprintf("http %d", out.StatusCode)
	} else {
		out.Success = true
	}
	return out, nil
}

// newTab opens a tab on the warm browser, or a dedicated proxied browser
// when the request carries a proxy.
func (e *BrowserEngine) newTab(proxyURL string) (context.Context, context.CancelFunc, error) {
	if proxyURL == "" {
		tabCtx, cancel := chromedp.NewContext(e.browserCtx)
		return tabCtx, cancel, nil
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), browserOpts(proxyURL)...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	cancel := func() {
		cancelTab()
		cancelAlloc()
	}
	return tabCtx, cancel, nil
}

func (e *BrowserEngine) render(ctx context.Context, req pipeline.FetchRequest) (string, error) {
	var html string
	tasks := chromedp.Tasks{network.Enable()}
	if fp := req.Fingerprint; fp != nil {
		if fp.UserAgent != "" {
			tasks = append(tasks, emulation.SetUserAgentOverride(fp.UserAgent).
				WithAcceptLanguage(fp.AcceptLanguage).
				WithPlatform(fp.Platform))
		}
		if fp.ViewportWidth > 0 && fp.ViewportHeight > 0 {
			tasks = append(tasks, emulation.SetDeviceMetricsOverride(
				int64(fp.ViewportWidth), int64(fp.ViewportHeight), 1, false))
		}
		if fp.Timezone != "" {
			tasks = append(tasks, emulation.SetTimezoneOverride(fp.Timezone))
		}
	}
	tasks = append(tasks,
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, tasks); err != nil {
		return "", err
	}
	return html, nil
}

func (e *BrowserEngine) acquireTab(ctx context.Context) (func(), error) {
	select {
	case e.sem <- struct{}{}:
		return func() { <-e.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render tab: %w", ctx.Err())
	}
}

func (e *BrowserEngine) waitDomainBudget(ctx context.Context, rawURL string) error {
	if e.cfg.DomainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse render url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := e.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(e.cfg.DomainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

type responseMeta struct {
	mu         sync.Mutex
	statusCode int
	seen       bool
}

func (m *responseMeta) status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seen {
		return 200
	}
	return m.statusCode
}

// listenForDocument captures the status code of the top-level document load.
func listenForDocument(tabCtx context.Context, meta *responseMeta) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		meta.mu.Lock()
		defer meta.mu.Unlock()
		if meta.seen {
			return
		}
		meta.seen = true
		meta.statusCode = int(resp.Response.Status)
	})
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
