package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/aegiscrawl/aegis/internal/kv"
)

func slidingLimit(max int64, window time.Duration) Limit {
	return Limit{MaxRequests: max, Window: window, Strategy: StrategySliding}
}

func TestSlidingWindowTrailingLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kv.NewMemory()
	g := NewGovernor(store)
	base := time.Now().Truncate(time.Second)
	now := base
	g.SetClock(func() time.Time { return now })
	store.SetClock(func() time.Time { return now })

	limit := slidingLimit(5, 10*time.Second)

	// Five calls at t=0 are all allowed.
	for i := 0; i < 5; i++ {
		d, err := g.CheckLimit(ctx, "api.example", limit)
		if err != nil {
			t.Fatalf("CheckLimit() error = %v", err)
		}
		if !d.Allowed {
			t.Fatalf("call %d at t=0 should be allowed", i+1)
		}
		if d.Remaining != int64(4-i) {
			t.Fatalf("call %d remaining = %d, want %d", i+1, d.Remaining, 4-i)
		}
	}

	// A sixth call at t=1 is denied.
	now = base.Add(time.Second)
	d, err := g.CheckLimit(ctx, "api.example", limit)
	if err != nil {
		t.Fatalf("CheckLimit() error = %v", err)
	}
	if d.Allowed {
		t.Fatal("sixth call inside the window should be denied")
	}
	if d.ResetAt.After(base.Add(10*time.Second)) || d.ResetAt.Before(base) {
		t.Fatalf("ResetAt = %v outside expected window", d.ResetAt)
	}

	// At t=11 the original burst has aged out.
	now = base.Add(11 * time.Second)
	d, err = g.CheckLimit(ctx, "api.example", limit)
	if err != nil {
		t.Fatalf("CheckLimit() error = %v", err)
	}
	if !d.Allowed {
		t.Fatal("call after window expiry should be allowed")
	}
}

func TestSlidingWindowNeverExceedsBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kv.NewMemory()
	g := NewGovernor(store)
	base := time.Now().Truncate(time.Second)
	now := base
	g.SetClock(func() time.Time { return now })
	store.SetClock(func() time.Time { return now })

	limit := slidingLimit(3, 5*time.Second)
	allowedAt := []time.Time{}
	for step := 0; step < 40; step++ {
		now = base.Add(time.Duration(step) * 500 * time.Millisecond)
		d, err := g.CheckLimit(ctx, "burst.example", limit)
		if err != nil {
			t.Fatalf("CheckLimit() error = %v", err)
		}
		if d.Allowed {
			allowedAt = append(allowedAt, now)
		}
		// No trailing 5s interval may contain more than 3 allowed calls.
		count := 0
		for _, ts := range allowedAt {
			if ts.After(now.Add(-5*time.Second)) && !ts.After(now) {
				count++
			}
		}
		if count > 3 {
			t.Fatalf("trailing window holds %d allowed calls at step %d", count, step)
		}
	}
	if len(allowedAt) < 4 {
		t.Fatalf("expected slots to reopen over time, only %d allowed", len(allowedAt))
	}
}

func TestFixedWindowCountsAndResets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kv.NewMemory()
	g := NewGovernor(store)
	base := time.Unix(time.Now().Unix()/60*60, 0)
	now := base
	g.SetClock(func() time.Time { return now })
	store.SetClock(func() time.Time { return now })

	limit := Limit{MaxRequests: 2, Window: time.Minute, Strategy: StrategyFixed}
	for i := 0; i < 2; i++ {
		d, err := g.CheckLimit(ctx, "fixed.example", limit)
		if err != nil || !d.Allowed {
			t.Fatalf("call %d: %+v, %v", i+1, d, err)
		}
	}
	d, err := g.CheckLimit(ctx, "fixed.example", limit)
	if err != nil {
		t.Fatalf("CheckLimit() error = %v", err)
	}
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("third call in bucket should be denied: %+v", d)
	}
	if !d.ResetAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("ResetAt = %v, want bucket end %v", d.ResetAt, base.Add(time.Minute))
	}

	now = base.Add(time.Minute + time.Second)
	d, err = g.CheckLimit(ctx, "fixed.example", limit)
	if err != nil || !d.Allowed {
		t.Fatalf("call in next bucket: %+v, %v", d, err)
	}
}

func TestWaitForSlotTimesOut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kv.NewMemory()
	g := NewGovernor(store)

	limit := slidingLimit(1, time.Hour)
	if _, err := g.CheckLimit(ctx, "slow.example", limit); err != nil {
		t.Fatalf("CheckLimit() error = %v", err)
	}

	start := time.Now()
	ok, err := g.WaitForSlot(ctx, "slow.example", limit, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForSlot() error = %v", err)
	}
	if ok {
		t.Fatal("WaitForSlot() should give up while the window is saturated")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("WaitForSlot() waited far beyond maxWait")
	}
}

func TestWaitForSlotSucceedsImmediately(t *testing.T) {
	t.Parallel()

	g := NewGovernor(kv.NewMemory())
	ok, err := g.WaitForSlot(context.Background(), "open.example", slidingLimit(5, time.Minute), time.Second)
	if err != nil || !ok {
		t.Fatalf("WaitForSlot() = %v, %v; want immediate slot", ok, err)
	}
}

func TestThrottleShedsBeyondBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kv.NewMemory()
	base := time.Unix(time.Now().Unix()/60*60, 0)
	now := base
	store.SetClock(func() time.Time { return now })
	th := NewThrottle(store, 3, time.Minute)
	th.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		ok, _, err := th.Allow(ctx, "busy.example")
		if err != nil || !ok {
			t.Fatalf("Allow() %d = %v, %v", i+1, ok, err)
		}
	}
	ok, resetAt, err := th.Allow(ctx, "busy.example")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if ok {
		t.Fatal("fourth request should be shed")
	}
	if !resetAt.After(now) {
		t.Fatalf("resetAt = %v should be in the future", resetAt)
	}

	now = base.Add(61 * time.Second)
	ok, _, err = th.Allow(ctx, "busy.example")
	if err != nil || !ok {
		t.Fatalf("Allow() after window = %v, %v", ok, err)
	}
}
