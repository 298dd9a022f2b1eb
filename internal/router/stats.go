// Package router tracks per-domain scraper engine performance so the
// pipeline can prefer the engine that has been working.
package router

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aegiscrawl/aegis/internal/kv"
)

// Entry is the counter row for one (domain, engine) pair. Counters only
// grow; there is no eviction.
type Entry struct {
	Domain        string
	Engine        string
	Total         int64
	Success       int64
	Failure       int64
	LastUpdatedAt time.Time
}

// SuccessRate returns successes over total, or 0 with no data.
func (e Entry) SuccessRate() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Success) / float64(e.Total)
}

// Stats records engine outcomes per domain in the shared store.
type Stats struct {
	store kv.Store
	now   func() time.Time
}

// NewStats builds a Stats recorder.
func NewStats(store kv.Store) *Stats {
	return &Stats{store: store, now: time.Now}
}

// SetClock overrides the time source for tests.
func (s *Stats) SetClock(now func() time.Time) { s.now = now }

func statsKey(domain, engine string) string {
	return fmt.Sprintf("router:%s:%s", domain, engine)
}

func enginesKey(domain string) string { return "router:engines:" + domain }

// Record counts one engine outcome for a domain.
func (s *Stats) Record(ctx context.Context, domain, engine string, success bool) error {
	key := statsKey(domain, engine)
	if _, err := s.store.HIncrBy(ctx, key, "total", 1); err != nil {
		return fmt.Errorf("router stats total for %s/%s: %w", domain, engine, err)
	}
	field := "failure"
	if success {
		field = "success"
	}
	if _, err := s.store.HIncrBy(ctx, key, field, 1); err != nil {
		return fmt.Errorf("router stats %s for %s/%s: %w", field, domain, engine, err)
	}
	if err := s.store.HSet(ctx, key, "last_updated_at", strconv.FormatInt(s.now().Unix(), 10)); err != nil {
		return fmt.Errorf("router stats timestamp for %s/%s: %w", domain, engine, err)
	}
	if err := s.store.SAdd(ctx, enginesKey(domain), engine); err != nil {
		return fmt.Errorf("router stats engine set for %s: %w", domain, err)
	}
	return nil
}

// Get loads the entry for one (domain, engine) pair.
func (s *Stats) Get(ctx context.Context, domain, engine string) (Entry, error) {
	fields, err := s.store.HGetAll(ctx, statsKey(domain, engine))
	if err != nil {
		return Entry{}, fmt.Errorf("load router stats for %s/%s: %w", domain, engine, err)
	}
	entry := Entry{Domain: domain, Engine: engine}
	entry.Total, _ = strconv.ParseInt(fields["total"], 10, 64)
	entry.Success, _ = strconv.ParseInt(fields["success"], 10, 64)
	entry.Failure, _ = strconv.ParseInt(fields["failure"], 10, 64)
	if ts, err := strconv.ParseInt(fields["last_updated_at"], 10, 64); err == nil {
		entry.LastUpdatedAt = time.Unix(ts, 0).UTC()
	}
	return entry, nil
}

// minSample is how much history an engine needs before its rate is trusted.
const minSample = 5

// Preferred returns the engine with the best success rate for a domain, or
// empty when no engine has enough history to judge.
func (s *Stats) Preferred(ctx context.Context, domain string) (string, error) {
	engines, err := s.store.SMembers(ctx, enginesKey(domain))
	if err != nil {
		return "", fmt.Errorf("list engines for %s: %w", domain, err)
	}
	best := ""
	bestRate := -1.0
	for _, engine := range engines {
		entry, err := s.Get(ctx, domain, engine)
		if err != nil {
			return "", err
		}
		if entry.Total < minSample {
			continue
		}
		if rate := entry.SuccessRate(); rate > bestRate {
			best = engine
			bestRate = rate
		}
	}
	return best, nil
}
