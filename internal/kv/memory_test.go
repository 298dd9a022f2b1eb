package kv

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestMemoryStringTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	if err := m.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	now = now.Add(61 * time.Second)
	if _, err := m.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	ok, err := m.Exists(ctx, "k")
	if err != nil || ok {
		t.Fatalf("Exists() after expiry = %v, %v", ok, err)
	}
}

func TestMemoryIncrAndExpire(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	for want := int64(1); want <= 3; want++ {
		n, err := m.Incr(ctx, "counter")
		if err != nil || n != want {
			t.Fatalf("Incr() = %d, %v; want %d", n, err, want)
		}
	}
	if err := m.Expire(ctx, "counter", 30*time.Second); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}
	now = now.Add(31 * time.Second)
	n, err := m.Incr(ctx, "counter")
	if err != nil || n != 1 {
		t.Fatalf("Incr() after expiry = %d, %v; want fresh counter at 1", n, err)
	}
}

func TestMemoryHash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	if err := m.HSet(ctx, "h", "a", "1", "b", "x"); err != nil {
		t.Fatalf("HSet() error = %v", err)
	}
	if n, err := m.HIncrBy(ctx, "h", "a", 4); err != nil || n != 5 {
		t.Fatalf("HIncrBy() = %d, %v", n, err)
	}
	fields, err := m.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("HGetAll() error = %v", err)
	}
	if fields["a"] != "5" || fields["b"] != "x" {
		t.Fatalf("unexpected hash contents: %v", fields)
	}
}

func TestMemorySortedSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	for member, score := range map[string]float64{"low": 0.1, "mid": 0.5, "high": 0.9} {
		if err := m.ZAdd(ctx, "z", score, member); err != nil {
			t.Fatalf("ZAdd() error = %v", err)
		}
	}

	top, err := m.ZRevRange(ctx, "z", 0, 1)
	if err != nil {
		t.Fatalf("ZRevRange() error = %v", err)
	}
	if len(top) != 2 || top[0].Value != "high" || top[1].Value != "mid" {
		t.Fatalf("unexpected top members: %+v", top)
	}

	asc, err := m.ZRange(ctx, "z", 0, -1)
	if err != nil || len(asc) != 3 || asc[0].Value != "low" {
		t.Fatalf("ZRange() = %+v, %v", asc, err)
	}

	removed, err := m.ZRemRangeByScore(ctx, "z", math.Inf(-1), 0.4)
	if err != nil || removed != 1 {
		t.Fatalf("ZRemRangeByScore() = %d, %v", removed, err)
	}
	if n, _ := m.ZCard(ctx, "z"); n != 2 {
		t.Fatalf("ZCard() = %d, want 2", n)
	}
}

func TestMemorySortedSetTrimByRank(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	members := []string{"a", "b", "c", "d", "e"}
	for i, v := range members {
		if err := m.ZAdd(ctx, "z", float64(i), v); err != nil {
			t.Fatalf("ZAdd() error = %v", err)
		}
	}
	// Keep the top 3 by removing everything below rank -(3+1).
	removed, err := m.ZRemRangeByRank(ctx, "z", 0, -4)
	if err != nil || removed != 2 {
		t.Fatalf("ZRemRangeByRank() = %d, %v", removed, err)
	}
	rest, err := m.ZRange(ctx, "z", 0, -1)
	if err != nil || len(rest) != 3 || rest[0].Value != "c" {
		t.Fatalf("unexpected survivors: %+v, %v", rest, err)
	}
}

func TestMemorySet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	if err := m.SAdd(ctx, "s", "x", "y", "x"); err != nil {
		t.Fatalf("SAdd() error = %v", err)
	}
	got, err := m.SMembers(ctx, "s")
	if err != nil || len(got) != 2 {
		t.Fatalf("SMembers() = %v, %v", got, err)
	}
	if err := m.SRem(ctx, "s", "x"); err != nil {
		t.Fatalf("SRem() error = %v", err)
	}
	got, _ = m.SMembers(ctx, "s")
	if len(got) != 1 || got[0] != "y" {
		t.Fatalf("unexpected members after SRem: %v", got)
	}
}
