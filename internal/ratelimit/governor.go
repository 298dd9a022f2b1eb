// Package ratelimit enforces per-domain request budgets over the shared
// key-value store, with fixed and sliding window accounting plus blocking
// wait-for-slot semantics.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/aegiscrawl/aegis/internal/kv"
)

// Strategy selects the window accounting scheme.
type Strategy string

// Supported strategies.
const (
	// StrategyFixed buckets time into discrete intervals with one counter
	// per bucket. Cheap, but bursts can straddle a bucket boundary.
	StrategyFixed Strategy = "fixed"
	// StrategySliding tracks individual timestamps for precise trailing
	// interval limits.
	StrategySliding Strategy = "sliding"
)

// Limit describes a per-domain budget.
type Limit struct {
	MaxRequests int64
	Window      time.Duration
	Strategy    Strategy
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Governor applies rate limits per domain. Shared-store accounting keeps the
// limits globally correct across worker processes.
type Governor struct {
	store kv.Store
	now   func() time.Time
}

// NewGovernor builds a Governor over the shared store.
func NewGovernor(store kv.Store) *Governor {
	return &Governor{store: store, now: time.Now}
}

// SetClock overrides the time source for tests.
func (g *Governor) SetClock(now func() time.Time) { g.now = now }

// CheckLimit consumes one slot if available and reports the decision.
func (g *Governor) CheckLimit(ctx context.Context, domain string, limit Limit) (Decision, error) {
	if limit.MaxRequests <= 0 || limit.Window <= 0 {
		return Decision{Allowed: true, Remaining: math.MaxInt64, ResetAt: g.now()}, nil
	}
	if limit.Strategy == StrategySliding {
		return g.checkSliding(ctx, domain, limit)
	}
	return g.checkFixed(ctx, domain, limit)
}

func (g *Governor) checkFixed(ctx context.Context, domain string, limit Limit) (Decision, error) {
	now := g.now()
	windowSec := int64(limit.Window / time.Second)
	bucketStart := now.Unix() / windowSec * windowSec
	key := fmt.Sprintf("rate:fixed:%s:%d", domain, bucketStart)

	count, err := g.store.Incr(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("fixed window incr for %s: %w", domain, err)
	}
	if count == 1 {
		if err := g.store.Expire(ctx, key, limit.Window); err != nil {
			return Decision{}, fmt.Errorf("fixed window expire for %s: %w", domain, err)
		}
	}
	remaining := limit.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit.MaxRequests,
		Remaining: remaining,
		ResetAt:   time.Unix(bucketStart+windowSec, 0),
	}, nil
}

func (g *Governor) checkSliding(ctx context.Context, domain string, limit Limit) (Decision, error) {
	now := g.now()
	key := "rate:slide:" + domain
	nowMs := now.UnixMilli()
	cutoff := float64(nowMs - limit.Window.Milliseconds())

	if _, err := g.store.ZRemRangeByScore(ctx, key, math.Inf(-1), cutoff); err != nil {
		return Decision{}, fmt.Errorf("sliding window prune for %s: %w", domain, err)
	}
	count, err := g.store.ZCard(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("sliding window count for %s: %w", domain, err)
	}

	if count >= limit.MaxRequests {
		resetAt := now.Add(limit.Window)
		if oldest, err := g.store.ZRange(ctx, key, 0, 0); err == nil && len(oldest) == 1 {
			resetAt = time.UnixMilli(int64(oldest[0].Score)).Add(limit.Window)
		}
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	if err := g.store.ZAdd(ctx, key, float64(nowMs), member); err != nil {
		return Decision{}, fmt.Errorf("sliding window add for %s: %w", domain, err)
	}
	if err := g.store.Expire(ctx, key, limit.Window+time.Second); err != nil {
		return Decision{}, fmt.Errorf("sliding window expire for %s: %w", domain, err)
	}
	return Decision{
		Allowed:   true,
		Remaining: limit.MaxRequests - count - 1,
		ResetAt:   now.Add(limit.Window),
	}, nil
}

// maxPollSleep bounds each wait between limit checks.
const maxPollSleep = time.Second

// WaitForSlot polls CheckLimit until a slot opens or maxWait elapses. It
// returns false when no slot opened in time; context cancellation is an
// error, not a denial.
func (g *Governor) WaitForSlot(ctx context.Context, domain string, limit Limit, maxWait time.Duration) (bool, error) {
	deadline := g.now().Add(maxWait)
	for {
		decision, err := g.CheckLimit(ctx, domain, limit)
		if err != nil {
			return false, err
		}
		if decision.Allowed {
			return true, nil
		}
		now := g.now()
		if !now.Before(deadline) {
			return false, nil
		}
		sleep := decision.ResetAt.Sub(now)
		if sleep > maxPollSleep {
			sleep = maxPollSleep
		}
		if sleep <= 0 {
			sleep = 10 * time.Millisecond
		}
		if remaining := deadline.Sub(now); sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, fmt.Errorf("wait for slot on %s: %w", domain, ctx.Err())
		case <-timer.C:
		}
	}
}
