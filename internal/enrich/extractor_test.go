package enrich

import (
	"context"
	"testing"

	"github.com/aegiscrawl/aegis/internal/kv"
	"github.com/aegiscrawl/aegis/internal/pipeline"
	"github.com/aegiscrawl/aegis/internal/scoring"
)

const samplePage = `<!doctype html>
<html>
<head>
  <title>Acme Widget — Deluxe</title>
  <meta name="description" content="The deluxe widget.">
  <link rel="canonical" href="https://shop.example/widget">
</head>
<body>
  <h1 class="product-name">Acme Widget</h1>
  <span class="price" data-amount="19.99">$19.99</span>
  <a href="/a">a</a><a href="/b">b</a>
</body>
</html>`

func TestBuiltinFeatures(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	got, err := e.Enrich(context.Background(), pipeline.EnrichRequest{
		URL:  "https://shop.example/widget",
		Data: []byte(samplePage),
	})
	if err != nil {
		t.Fatalf("Enrich() error = %v", err)
	}
	if got[FeatureTitle] != "Acme Widget — Deluxe" {
		t.Fatalf("title = %v", got[FeatureTitle])
	}
	if got[FeatureDescription] != "The deluxe widget." {
		t.Fatalf("description = %v", got[FeatureDescription])
	}
	if got[FeatureCanonical] != "https://shop.example/widget" {
		t.Fatalf("canonical = %v", got[FeatureCanonical])
	}
	if got[FeatureLinks] != 2 {
		t.Fatalf("links = %v", got[FeatureLinks])
	}
}

func TestLearnedFieldUsesRankedSelectors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	healer := scoring.NewSelectorHealer(kv.NewMemory())

	// A stale selector that no longer matches, and a working fallback.
	if err := healer.Add(ctx, "shop.example", "price", "old", scoring.Selector{Expression: ".price-tag"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := healer.Add(ctx, "shop.example", "price", "new", scoring.Selector{Expression: ".price", Attribute: "data-amount"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	e := New(healer, nil)
	got, err := e.Enrich(ctx, pipeline.EnrichRequest{
		URL:      "https://shop.example/widget",
		Data:     []byte(samplePage),
		Features: []string{"price"},
	})
	if err != nil {
		t.Fatalf("Enrich() error = %v", err)
	}
	if got["price"] != "19.99" {
		t.Fatalf("price = %v", got["price"])
	}

	// The healing loop punished the stale selector and rewarded the working
	// one, so the working one now ranks first.
	best, err := healer.Best(ctx, "shop.example", "price")
	if err != nil {
		t.Fatalf("Best() error = %v", err)
	}
	if best == nil || best.ID != "new" {
		t.Fatalf("best = %+v, want id new", best)
	}
}

func TestUnknownFieldWithoutSelectorsIsAbsent(t *testing.T) {
	t.Parallel()

	e := New(scoring.NewSelectorHealer(kv.NewMemory()), nil)
	got, err := e.Enrich(context.Background(), pipeline.EnrichRequest{
		URL:      "https://shop.example/widget",
		Data:     []byte(samplePage),
		Features: []string{"sku"},
	})
	if err != nil {
		t.Fatalf("Enrich() error = %v", err)
	}
	if _, ok := got["sku"]; ok {
		t.Fatalf("sku should be absent, got %v", got["sku"])
	}
}

func TestEnrichRejectsBadURL(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	if _, err := e.Enrich(context.Background(), pipeline.EnrichRequest{
		URL:  "::not-a-url::",
		Data: []byte(samplePage),
	}); err == nil {
		t.Fatal("expected error for bad url")
	}
}
