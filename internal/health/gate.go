// Package health guards the pipeline against actively-failing targets and
// volatile external dependencies.
package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aegiscrawl/aegis/internal/kv"
)

// GateConfig tunes the per-domain circuit.
type GateConfig struct {
	// FailureThreshold opens the circuit once this many failures land inside
	// one detection window.
	FailureThreshold int64
	// Window is the failure detection window.
	Window time.Duration
	// Cooldown is how long an opened circuit rejects traffic.
	Cooldown time.Duration
}

// DomainGate is a TTL-driven circuit breaker per crawl domain. Recovery is
// purely time-based: successes do not close an open circuit early, which
// keeps recovery conservative for targets that block in bursts.
type DomainGate struct {
	store  kv.Store
	cfg    GateConfig
	logger *zap.Logger
}

// NewDomainGate constructs a gate over the shared store.
func NewDomainGate(store kv.Store, cfg GateConfig, logger *zap.Logger) *DomainGate {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DomainGate{store: store, cfg: cfg, logger: logger}
}

func failureKey(domain string) string { return "gate:fail:" + domain }
func openKey(domain string) string    { return "gate:open:" + domain }

// IsOpen reports whether the domain's circuit is currently open. A store
// outage fails open (returns false) so backing-store trouble never blocks
// all traffic.
func (g *DomainGate) IsOpen(ctx context.Context, domain string) bool {
	open, err := g.store.Exists(ctx, openKey(domain))
	if err != nil {
		g.logger.Warn("circuit check failed, failing open",
			zap.String("domain", domain), zap.Error(err))
		return false
	}
	return open
}

// RecordFailure counts one failure inside the detection window. Crossing the
// threshold opens the circuit for the cooldown period and clears the counter,
// so a domain never holds both an over-threshold counter and no open marker.
func (g *DomainGate) RecordFailure(ctx context.Context, domain string) error {
	key := failureKey(domain)
	count, err := g.store.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("increment failures for %s: %w", domain, err)
	}
	if count == 1 {
		if err := g.store.Expire(ctx, key, g.cfg.Window); err != nil {
			return fmt.Errorf("set failure window for %s: %w", domain, err)
		}
	}
	if count < g.cfg.FailureThreshold {
		return nil
	}
	if err := g.store.Set(ctx, openKey(domain), "1", g.cfg.Cooldown); err != nil {
		return fmt.Errorf("open circuit for %s: %w", domain, err)
	}
	if err := g.store.Del(ctx, key); err != nil {
		return fmt.Errorf("reset failure counter for %s: %w", domain, err)
	}
	g.logger.Warn("domain circuit opened",
		zap.String("domain", domain),
		zap.Int64("failures", count),
		zap.Duration("cooldown", g.cfg.Cooldown))
	return nil
}

// RecordSuccess is intentionally a no-op: the open marker expires on its own.
// Closing early on a single success would let a flapping target burn through
// resources during a block wave.
func (g *DomainGate) RecordSuccess(_ context.Context, _ string) error {
	return nil
}

// Cooldown exposes the configured cooldown so callers can suggest a retry
// delay when rejecting work for an open domain.
func (g *DomainGate) Cooldown() time.Duration {
	return g.cfg.Cooldown
}
