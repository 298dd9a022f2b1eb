package router

import (
	"context"
	"testing"

	"github.com/aegiscrawl/aegis/internal/kv"
)

func TestStatsCountersGrow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStats(kv.NewMemory())
	for i := 0; i < 4; i++ {
		if err := s.Record(ctx, "shop.example", "http", true); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := s.Record(ctx, "shop.example", "http", false); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	entry, err := s.Get(ctx, "shop.example", "http")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.Total != 5 || entry.Success != 4 || entry.Failure != 1 {
		t.Fatalf("unexpected counters: %+v", entry)
	}
	if entry.LastUpdatedAt.IsZero() {
		t.Fatal("last updated timestamp not set")
	}
	if got := entry.SuccessRate(); got != 0.8 {
		t.Fatalf("SuccessRate() = %f, want 0.8", got)
	}
}

func TestPreferredNeedsHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStats(kv.NewMemory())

	// Unknown domain: no preference.
	engine, err := s.Preferred(ctx, "cold.example")
	if err != nil || engine != "" {
		t.Fatalf("Preferred() = %q, %v", engine, err)
	}

	// Too few samples: still no preference.
	for i := 0; i < 3; i++ {
		if err := s.Record(ctx, "warm.example", "browser", true); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	engine, err = s.Preferred(ctx, "warm.example")
	if err != nil || engine != "" {
		t.Fatalf("Preferred() with thin history = %q, %v", engine, err)
	}
}

func TestPreferredPicksBetterEngine(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStats(kv.NewMemory())
	feed := func(engine string, successes, failures int) {
		for i := 0; i < successes; i++ {
			if err := s.Record(ctx, "site.example", engine, true); err != nil {
				t.Fatalf("Record() error = %v", err)
			}
		}
		for i := 0; i < failures; i++ {
			if err := s.Record(ctx, "site.example", engine, false); err != nil {
				t.Fatalf("Record() error = %v", err)
			}
		}
	}
	feed("http", 3, 7)
	feed("browser", 8, 2)

	engine, err := s.Preferred(ctx, "site.example")
	if err != nil {
		t.Fatalf("Preferred() error = %v", err)
	}
	if engine != "browser" {
		t.Fatalf("Preferred() = %q, want browser", engine)
	}
}
