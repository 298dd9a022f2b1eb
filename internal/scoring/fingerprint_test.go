package scoring

import (
	"context"
	"testing"

	"github.com/aegiscrawl/aegis/internal/kv"
)

func TestFingerprintRankerPrefersSuccessfulIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := NewFingerprintRanker(kv.NewMemory(), FingerprintConfig{})

	for _, id := range []string{"fp-a", "fp-b"} {
		if err := r.Add(ctx, "news.example", id, Fingerprint{UserAgent: "ua-" + id}); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}
	feed := func(id string, successes, failures int) {
		for i := 0; i < successes; i++ {
			if err := r.Record(ctx, "news.example", id, OutcomeSuccess); err != nil {
				t.Fatalf("Record() error = %v", err)
			}
		}
		for i := 0; i < failures; i++ {
			if err := r.Record(ctx, "news.example", id, OutcomeFailure); err != nil {
				t.Fatalf("Record() error = %v", err)
			}
		}
	}
	feed("fp-a", 8, 2)
	feed("fp-b", 2, 8)

	best, err := r.Best(ctx, "news.example")
	if err != nil {
		t.Fatalf("Best() error = %v", err)
	}
	if best == nil || best.ID != "fp-a" {
		t.Fatalf("Best() = %+v, want fp-a", best)
	}

	ranked, err := r.Ranked(ctx, "news.example", 10)
	if err != nil {
		t.Fatalf("Ranked() error = %v", err)
	}
	if len(ranked) < 1 || ranked[0].ID != "fp-a" {
		t.Fatalf("ranked order wrong: %+v", ranked)
	}
}

func TestFingerprintRankerNoPreferenceBelowThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := NewFingerprintRanker(kv.NewMemory(), FingerprintConfig{})

	// Unknown domain: no preference, no error.
	best, err := r.Best(ctx, "cold.example")
	if err != nil || best != nil {
		t.Fatalf("Best() on empty domain = %+v, %v", best, err)
	}

	// A freshly added identity has no evidence yet; its prior score sits
	// below the 0.5 confidence bar.
	if err := r.Add(ctx, "cold.example", "fp-new", Fingerprint{UserAgent: "ua"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	best, err = r.Best(ctx, "cold.example")
	if err != nil {
		t.Fatalf("Best() error = %v", err)
	}
	if best != nil {
		t.Fatalf("expected no learned preference for unproven identity, got %+v", best)
	}
}

func TestFingerprintBlocksDragIdentityDown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := NewFingerprintRanker(kv.NewMemory(), FingerprintConfig{})
	if err := r.Add(ctx, "hostile.example", "fp", Fingerprint{UserAgent: "ua"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := r.Record(ctx, "hostile.example", "fp", OutcomeSuccess); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	before, err := r.Best(ctx, "hostile.example")
	if err != nil || before == nil {
		t.Fatalf("Best() before blocks = %+v, %v", before, err)
	}

	for i := 0; i < 3; i++ {
		if err := r.Record(ctx, "hostile.example", "fp", OutcomeBlock); err != nil {
			t.Fatalf("Record(block) error = %v", err)
		}
	}
	ranked, err := r.Ranked(ctx, "hostile.example", 1)
	if err != nil {
		t.Fatalf("Ranked() error = %v", err)
	}
	if len(ranked) == 1 && ranked[0].Score >= before.Score {
		t.Fatalf("blocks did not reduce score: before %f after %f", before.Score, ranked[0].Score)
	}
}
