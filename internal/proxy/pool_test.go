package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/aegiscrawl/aegis/internal/kv"
	"github.com/aegiscrawl/aegis/internal/scoring"
)

func newTestPool(t *testing.T) (*Pool, *kv.Memory) {
	t.Helper()
	store := kv.NewMemory()
	pool := NewPool(store, Config{}, nil)
	return pool, store
}

func addProxies(t *testing.T, pool *Pool, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := pool.Add(context.Background(), id, "http://"+id+".proxy:8080"); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}
}

func TestPoolEmptyReturnsNil(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t)
	rec, err := pool.GetNext(context.Background(), StrategyRandom)
	if err != nil || rec != nil {
		t.Fatalf("GetNext() on empty pool = %+v, %v", rec, err)
	}
}

func TestPoolRoundRobinRotates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, _ := newTestPool(t)
	addProxies(t, pool, "p1", "p2", "p3")

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		rec, err := pool.GetNext(ctx, StrategyRoundRobin)
		if err != nil || rec == nil {
			t.Fatalf("GetNext() = %+v, %v", rec, err)
		}
		seen[rec.ID]++
	}
	for _, id := range []string{"p1", "p2", "p3"} {
		if seen[id] != 2 {
			t.Fatalf("round robin distribution uneven: %v", seen)
		}
	}
}

func TestPoolFastestPrefersMeasuredLatency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, _ := newTestPool(t)
	addProxies(t, pool, "slow", "fast", "untested")

	if err := pool.ReportSuccess(ctx, "", "slow", 900*time.Millisecond); err != nil {
		t.Fatalf("ReportSuccess() error = %v", err)
	}
	if err := pool.ReportSuccess(ctx, "", "fast", 100*time.Millisecond); err != nil {
		t.Fatalf("ReportSuccess() error = %v", err)
	}

	rec, err := pool.GetNext(ctx, StrategyFastest)
	if err != nil || rec == nil {
		t.Fatalf("GetNext() = %+v, %v", rec, err)
	}
	if rec.ID != "fast" {
		t.Fatalf("fastest strategy chose %s", rec.ID)
	}
}

func TestPoolLeastUsedPrefersColdProxy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, _ := newTestPool(t)
	now := time.Now()
	pool.SetClock(func() time.Time { return now })
	addProxies(t, pool, "warm", "cold")

	if _, err := pool.GetNext(ctx, StrategyRoundRobin); err != nil {
		t.Fatalf("GetNext() error = %v", err)
	}
	if err := pool.ReportSuccess(ctx, "", "warm", 50*time.Millisecond); err != nil {
		t.Fatalf("ReportSuccess() error = %v", err)
	}

	now = now.Add(time.Minute)
	rec, err := pool.GetNext(ctx, StrategyLeastUsed)
	if err != nil || rec == nil {
		t.Fatalf("GetNext() = %+v, %v", rec, err)
	}
	if rec.ID == "warm" {
		t.Fatal("least-used strategy picked the warm proxy")
	}
}

func TestPoolRollingAverage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, _ := newTestPool(t)
	addProxies(t, pool, "p1")

	if err := pool.ReportSuccess(ctx, "", "p1", 200*time.Millisecond); err != nil {
		t.Fatalf("ReportSuccess() error = %v", err)
	}
	if err := pool.ReportSuccess(ctx, "", "p1", 400*time.Millisecond); err != nil {
		t.Fatalf("ReportSuccess() error = %v", err)
	}
	recs, err := pool.List(ctx)
	if err != nil || len(recs) != 1 {
		t.Fatalf("List() = %+v, %v", recs, err)
	}
	// First report seeds the average, the second halves toward it.
	if recs[0].AvgResponseMs != 300 {
		t.Fatalf("AvgResponseMs = %d, want 300", recs[0].AvgResponseMs)
	}
	if recs[0].SuccessCount != 2 {
		t.Fatalf("SuccessCount = %d, want 2", recs[0].SuccessCount)
	}
}

func TestPoolBenchesAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, _ := newTestPool(t)
	now := time.Now()
	pool.SetClock(func() time.Time { return now })
	addProxies(t, pool, "shaky", "steady")

	for i := 0; i < 3; i++ {
		if err := pool.ReportFailure(ctx, "", "shaky", false); err != nil {
			t.Fatalf("ReportFailure() error = %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		rec, err := pool.GetNext(ctx, StrategyRandom)
		if err != nil || rec == nil {
			t.Fatalf("GetNext() = %+v, %v", rec, err)
		}
		if rec.ID == "shaky" {
			t.Fatal("benched proxy should be excluded from selection")
		}
	}

	// A success after un-benching resets the streak.
	now = now.Add(6 * time.Minute)
	if err := pool.ReportSuccess(ctx, "", "shaky", 100*time.Millisecond); err != nil {
		t.Fatalf("ReportSuccess() error = %v", err)
	}
	recs, _ := pool.List(ctx)
	for _, r := range recs {
		if r.ID == "shaky" && r.ConsecutiveFailures != 0 {
			t.Fatalf("consecutive failures not reset: %+v", r)
		}
	}
}

func TestPoolAllBenchedFallsBackToSoonest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, _ := newTestPool(t)
	now := time.Now()
	pool.SetClock(func() time.Time { return now })
	addProxies(t, pool, "a", "b")

	for i := 0; i < 3; i++ {
		if err := pool.ReportFailure(ctx, "", "a", false); err != nil {
			t.Fatalf("ReportFailure() error = %v", err)
		}
	}
	now = now.Add(time.Minute)
	for i := 0; i < 3; i++ {
		if err := pool.ReportFailure(ctx, "", "b", false); err != nil {
			t.Fatalf("ReportFailure() error = %v", err)
		}
	}

	rec, err := pool.GetNext(ctx, StrategyRandom)
	if err != nil || rec == nil {
		t.Fatalf("GetNext() = %+v, %v", rec, err)
	}
	// "a" was benched a minute earlier, so its bench ends soonest.
	if rec.ID != "a" {
		t.Fatalf("expected soonest re-enable, got %s", rec.ID)
	}
}

func TestPoolAdaptiveOverlayOverridesRotation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, _ := newTestPool(t)
	addProxies(t, pool, "learned", "other")

	// Build up history for one proxy on this domain.
	for i := 0; i < 12; i++ {
		if err := pool.ReportSuccess(ctx, "picky.example", "learned", 80*time.Millisecond); err != nil {
			t.Fatalf("ReportSuccess() error = %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		rec, err := pool.GetForDomain(ctx, "picky.example", StrategyRandom)
		if err != nil || rec == nil {
			t.Fatalf("GetForDomain() = %+v, %v", rec, err)
		}
		if rec.ID != "learned" {
			t.Fatalf("adaptive overlay ignored learned proxy, got %s", rec.ID)
		}
	}

	// A cold domain falls back to rotation without error.
	rec, err := pool.GetForDomain(ctx, "cold.example", StrategyRoundRobin)
	if err != nil || rec == nil {
		t.Fatalf("GetForDomain() fallback = %+v, %v", rec, err)
	}
}

func TestPoolOverlayOutcomeKinds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kv.NewMemory()
	pool := NewPool(store, Config{}, nil)
	addProxies(t, pool, "p1")

	if err := pool.ReportFailure(ctx, "site.example", "p1", true); err != nil {
		t.Fatalf("ReportFailure(blocked) error = %v", err)
	}
	idx := scoring.NewIndex[Endpoint](store, scoring.Config{Namespace: "egress"})
	ranked, err := idx.GetRanked(ctx, "site.example", 10)
	if err != nil || len(ranked) != 1 {
		t.Fatalf("overlay ranked = %+v, %v", ranked, err)
	}
	if ranked[0].BlockCount != 1 {
		t.Fatalf("block outcome not recorded: %+v", ranked[0])
	}
}
