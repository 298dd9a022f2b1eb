// Package proxy manages the rotating egress pool with health and latency
// tracking, plus an adaptive per-domain overlay learned through the scoring
// index.
package proxy

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/aegiscrawl/aegis/internal/kv"
	"github.com/aegiscrawl/aegis/internal/scoring"
)

// Strategy selects how the next proxy is rotated.
type Strategy string

// Supported rotation strategies.
const (
	StrategyRandom     Strategy = "random"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastUsed  Strategy = "least_used"
	StrategyFastest    Strategy = "fastest"
)

// Record is one egress proxy's health state.
type Record struct {
	ID                  string
	URL                 string
	SuccessCount        int64
	FailureCount        int64
	ConsecutiveFailures int64
	AvgResponseMs       int64
	DisabledUntil       time.Time
	LastUsedAt          time.Time
}

// Disabled reports whether the proxy is currently benched.
func (r Record) Disabled(now time.Time) bool {
	return r.DisabledUntil.After(now)
}

// Endpoint is the payload tracked by the adaptive overlay.
type Endpoint struct {
	URL string `json:"url"`
}

// Config tunes the pool.
type Config struct {
	// FailureThreshold benches a proxy after this many consecutive failures.
	FailureThreshold int64
	// DisableFor is how long a benched proxy sits out.
	DisableFor time.Duration
	// AdaptiveThreshold is the overlay score a learned proxy must clear
	// before it overrides rotation.
	AdaptiveThreshold float64
}

// Pool is the rotating egress pool. All state lives in the shared store so
// every worker sees the same health picture.
type Pool struct {
	store   kv.Store
	overlay *scoring.Index[Endpoint]
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	intn    func(n int) int
}

// NewPool constructs a Pool over the shared store.
func NewPool(store kv.Store, cfg Config, logger *zap.Logger) *Pool {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.DisableFor <= 0 {
		cfg.DisableFor = 5 * time.Minute
	}
	if cfg.AdaptiveThreshold <= 0 {
		cfg.AdaptiveThreshold = 0.5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		store: store,
		overlay: scoring.NewIndex[Endpoint](store, scoring.Config{
			Namespace: "egress",
			Rule:      scoring.RuleBayesian,
			DecayDays: 7,
			MinScore:  0.1,
			MaxRanked: 10,
		}),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		intn:   rand.Intn,
	}
}

// SetClock overrides the time source for tests.
func (p *Pool) SetClock(now func() time.Time) {
	p.now = now
	p.overlay.SetClock(now)
}

const (
	idsKey        = "proxy:ids"
	roundRobinKey = "proxy:rr"
)

func recordKey(id string) string { return "proxy:rec:" + id }

// Add registers a proxy endpoint.
func (p *Pool) Add(ctx context.Context, id, url string) error {
	if err := p.store.HSet(ctx, recordKey(id), "url", url); err != nil {
		return fmt.Errorf("store proxy %s: %w", id, err)
	}
	if err := p.store.SAdd(ctx, idsKey, id); err != nil {
		return fmt.Errorf("register proxy %s: %w", id, err)
	}
	return nil
}

// List loads every registered proxy record.
func (p *Pool) List(ctx context.Context) ([]Record, error) {
	ids, err := p.store.SMembers(ctx, idsKey)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := p.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// GetNext picks the next proxy under the given rotation strategy. When every
// proxy is benched it returns the one whose bench ends soonest instead of
// failing; a nil record means the pool is empty.
func (p *Pool) GetNext(ctx context.Context, strategy Strategy) (*Record, error) {
	records, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	now := p.now()

	active := records[:0:0]
	for _, r := range records {
		if !r.Disabled(now) {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		soonest := records[0]
		for _, r := range records[1:] {
			if r.DisabledUntil.Before(soonest.DisabledUntil) {
				soonest = r
			}
		}
		return p.markUsed(ctx, soonest)
	}

	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	var chosen Record
	switch strategy {
	case StrategyRoundRobin:
		n, err := p.store.Incr(ctx, roundRobinKey)
		if err != nil {
			return nil, fmt.Errorf("advance rotation index: %w", err)
		}
		chosen = active[int(n)%len(active)]
	case StrategyLeastUsed:
		chosen = active[0]
		for _, r := range active[1:] {
			if r.LastUsedAt.Before(chosen.LastUsedAt) {
				chosen = r
			}
		}
	case StrategyFastest:
		chosen = active[0]
		for _, r := range active[1:] {
			// Untested proxies (avg 0) never beat a measured one.
			if chosen.AvgResponseMs == 0 || (r.AvgResponseMs > 0 && r.AvgResponseMs < chosen.AvgResponseMs) {
				chosen = r
			}
		}
	default:
		chosen = active[p.intn(len(active))]
	}
	return p.markUsed(ctx, chosen)
}

// GetForDomain consults the adaptive overlay first: a proxy the domain has
// learned to trust overrides rotation, as long as it is not benched.
func (p *Pool) GetForDomain(ctx context.Context, domain string, strategy Strategy) (*Record, error) {
	best, err := p.overlay.GetBest(ctx, domain, p.cfg.AdaptiveThreshold)
	if err != nil {
		return nil, err
	}
	if best != nil {
		rec, err := p.load(ctx, best.ID)
		if err != nil {
			return nil, err
		}
		if rec != nil && !rec.Disabled(p.now()) {
			return p.markUsed(ctx, *rec)
		}
	}
	return p.GetNext(ctx, strategy)
}

// ReportSuccess records a successful use and folds the response time into the
// rolling average. A non-empty domain also trains the adaptive overlay.
func (p *Pool) ReportSuccess(ctx context.Context, domain, id string, responseTime time.Duration) error {
	rec, err := p.load(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	rt := responseTime.Milliseconds()
	avg := rec.AvgResponseMs
	if avg == 0 {
		avg = rt
	} else {
		avg = (avg + rt) / 2
	}
	err = p.store.HSet(ctx, recordKey(id),
		"success", strconv.FormatInt(rec.SuccessCount+1, 10),
		"consecutive_failures", "0",
		"avg_response_ms", strconv.FormatInt(avg, 10),
		"last_used_at", strconv.FormatInt(p.now().Unix(), 10),
	)
	if err != nil {
		return fmt.Errorf("record proxy success %s: %w", id, err)
	}
	return p.trainOverlay(ctx, domain, id, rec.URL, scoring.OutcomeSuccess)
}

// ReportFailure records a failed use; the third consecutive failure benches
// the proxy for the disable window. Set blocked when the failure was an
// active block rather than a transport error.
func (p *Pool) ReportFailure(ctx context.Context, domain, id string, blocked bool) error {
	rec, err := p.load(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	consec := rec.ConsecutiveFailures + 1
	pairs := []string{
		"failure", strconv.FormatInt(rec.FailureCount+1, 10),
		"consecutive_failures", strconv.FormatInt(consec, 10),
	}
	if consec >= p.cfg.FailureThreshold {
		until := p.now().Add(p.cfg.DisableFor)
		pairs = append(pairs,
			"disabled_until", strconv.FormatInt(until.Unix(), 10),
			"consecutive_failures", "0",
		)
		p.logger.Warn("proxy benched",
			zap.String("proxy_id", id),
			zap.Time("until", until))
	}
	if err := p.store.HSet(ctx, recordKey(id), pairs...); err != nil {
		return fmt.Errorf("record proxy failure %s: %w", id, err)
	}
	outcome := scoring.OutcomeFailure
	if blocked {
		outcome = scoring.OutcomeBlock
	}
	return p.trainOverlay(ctx, domain, id, rec.URL, outcome)
}

func (p *Pool) trainOverlay(ctx context.Context, domain, id, url string, outcome scoring.Outcome) error {
	if domain == "" {
		return nil
	}
	if err := p.overlay.Add(ctx, domain, id, Endpoint{URL: url}); err != nil {
		return err
	}
	return p.overlay.RecordOutcome(ctx, domain, id, outcome)
}

func (p *Pool) markUsed(ctx context.Context, rec Record) (*Record, error) {
	rec.LastUsedAt = p.now()
	err := p.store.HSet(ctx, recordKey(rec.ID),
		"last_used_at", strconv.FormatInt(rec.LastUsedAt.Unix(), 10))
	if err != nil {
		return nil, fmt.Errorf("touch proxy %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func (p *Pool) load(ctx context.Context, id string) (*Record, error) {
	fields, err := p.store.HGetAll(ctx, recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("load proxy %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := Record{ID: id, URL: fields["url"]}
	rec.SuccessCount, _ = strconv.ParseInt(fields["success"], 10, 64)
	rec.FailureCount, _ = strconv.ParseInt(fields["failure"], 10, 64)
	rec.ConsecutiveFailures, _ = strconv.ParseInt(fields["consecutive_failures"], 10, 64)
	rec.AvgResponseMs, _ = strconv.ParseInt(fields["avg_response_ms"], 10, 64)
	if ts, err := strconv.ParseInt(fields["disabled_until"], 10, 64); err == nil {
		rec.DisabledUntil = time.Unix(ts, 0)
	}
	if ts, err := strconv.ParseInt(fields["last_used_at"], 10, 64); err == nil {
		rec.LastUsedAt = time.Unix(ts, 0)
	}
	return &rec, nil
}
