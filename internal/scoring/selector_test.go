package scoring

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/aegiscrawl/aegis/internal/kv"
)

func TestSelectorHealerSuccessAndFailureUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := NewSelectorHealer(kv.NewMemory())
	if err := h.Add(ctx, "shop.example", "price", "s1", Selector{Expression: ".price"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := h.Record(ctx, "shop.example", "price", "s1", OutcomeSuccess); err != nil {
			t.Fatalf("Record(success) error = %v", err)
		}
	}
	best, err := h.Best(ctx, "shop.example", "price")
	if err != nil || best == nil {
		t.Fatalf("Best() = %+v, %v", best, err)
	}
	if math.Abs(best.Score-0.8) > 1e-9 {
		t.Fatalf("score = %f, want 0.8", best.Score)
	}

	for i := 0; i < 2; i++ {
		if err := h.Record(ctx, "shop.example", "price", "s1", OutcomeFailure); err != nil {
			t.Fatalf("Record(failure) error = %v", err)
		}
	}
	best, err = h.Best(ctx, "shop.example", "price")
	if err != nil || best == nil {
		t.Fatalf("Best() after failures = %+v, %v", best, err)
	}
	if math.Abs(best.Score-0.512) > 1e-9 {
		t.Fatalf("score = %f, want 0.512", best.Score)
	}
}

func TestSelectorHealerScopesAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := NewSelectorHealer(kv.NewMemory())
	if err := h.Add(ctx, "shop.example", "price", "s1", Selector{Expression: ".price"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := h.Add(ctx, "shop.example", "title", "s1", Selector{Expression: "h1"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := h.Record(ctx, "shop.example", "price", "s1", OutcomeFailure); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	// The price selector drowned; the title selector is untouched.
	if best, err := h.Best(ctx, "shop.example", "price"); err != nil || best != nil {
		t.Fatalf("price Best() = %+v, %v; want none", best, err)
	}
	best, err := h.Best(ctx, "shop.example", "title")
	if err != nil || best == nil || best.Payload.Expression != "h1" {
		t.Fatalf("title Best() = %+v, %v", best, err)
	}
}

func TestSelectorHealerKeepsAtMostFive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := NewSelectorHealer(kv.NewMemory())
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("s%d", i)
		if err := h.Add(ctx, "shop.example", "price", id, Selector{Expression: ".v" + id}); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		for j := 0; j <= i; j++ {
			if err := h.Record(ctx, "shop.example", "price", id, OutcomeSuccess); err != nil {
				t.Fatalf("Record() error = %v", err)
			}
		}
	}
	ranked, err := h.Ranked(ctx, "shop.example", "price", 100)
	if err != nil {
		t.Fatalf("Ranked() error = %v", err)
	}
	if len(ranked) > 5 {
		t.Fatalf("healer kept %d selectors, want at most 5", len(ranked))
	}
}

func TestSelectorBlockCountedForReportingOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := NewSelectorHealer(kv.NewMemory())
	if err := h.Add(ctx, "shop.example", "price", "s1", Selector{Expression: ".price"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := h.Record(ctx, "shop.example", "price", "s1", OutcomeBlock); err != nil {
		t.Fatalf("Record(block) error = %v", err)
	}
	ranked, err := h.Ranked(ctx, "shop.example", "price", 1)
	if err != nil || len(ranked) != 1 {
		t.Fatalf("Ranked() = %+v, %v", ranked, err)
	}
	got := ranked[0]
	if got.BlockCount != 1 || got.FailureCount != 1 {
		t.Fatalf("block should count as failure + block increment, got %+v", got)
	}
	if math.Abs(got.Score-0.4) > 1e-9 {
		t.Fatalf("score after block = %f, want the failure update 0.4", got.Score)
	}
}
