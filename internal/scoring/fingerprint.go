package scoring

import (
	"context"

	"github.com/aegiscrawl/aegis/internal/kv"
)

// Fingerprint is a reusable browser identity applied to a fetch.
type Fingerprint struct {
	UserAgent      string            `json:"user_agent"`
	AcceptLanguage string            `json:"accept_language"`
	Platform       string            `json:"platform"`
	ViewportWidth  int               `json:"viewport_width"`
	ViewportHeight int               `json:"viewport_height"`
	Timezone       string            `json:"timezone"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// FingerprintRanker learns the best browser identity per domain. It keeps the
// full Bayesian recompute with a 7-day decay, and only reports a preference
// once the top candidate clears a confidence bar; below that the caller
// should fall back to a freshly generated identity.
type FingerprintRanker struct {
	idx           *Index[Fingerprint]
	bestThreshold float64
}

// FingerprintConfig tunes the ranker.
type FingerprintConfig struct {
	MinScore      float64
	MaxRanked     int
	BestThreshold float64
}

// NewFingerprintRanker builds a ranker over the shared store.
func NewFingerprintRanker(store kv.Store, cfg FingerprintConfig) *FingerprintRanker {
	if cfg.BestThreshold <= 0 {
		cfg.BestThreshold = 0.5
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.1
	}
	if cfg.MaxRanked <= 0 {
		cfg.MaxRanked = 10
	}
	return &FingerprintRanker{
		idx: NewIndex[Fingerprint](store, Config{
			Namespace: "fp",
			Rule:      RuleBayesian,
			DecayDays: 7,
			MinScore:  cfg.MinScore,
			MaxRanked: cfg.MaxRanked,
		}),
		bestThreshold: cfg.BestThreshold,
	}
}

// Add registers an identity for a domain.
func (r *FingerprintRanker) Add(ctx context.Context, domain, id string, fp Fingerprint) error {
	return r.idx.Add(ctx, domain, id, fp)
}

// Record folds one fetch outcome into the identity's reputation.
func (r *FingerprintRanker) Record(ctx context.Context, domain, id string, outcome Outcome) error {
	return r.idx.RecordOutcome(ctx, domain, id, outcome)
}

// Best returns the learned identity for a domain, or nil when the ranker has
// no preference it trusts yet.
func (r *FingerprintRanker) Best(ctx context.Context, domain string) (*Candidate[Fingerprint], error) {
	return r.idx.GetBest(ctx, domain, r.bestThreshold)
}

// Ranked lists the top identities for a domain.
func (r *FingerprintRanker) Ranked(ctx context.Context, domain string, limit int) ([]Candidate[Fingerprint], error) {
	return r.idx.GetRanked(ctx, domain, limit)
}

// Sweep drops identities unused for longer than maxAgeDays.
func (r *FingerprintRanker) Sweep(ctx context.Context, maxAgeDays int) (int, error) {
	return r.idx.Sweep(ctx, maxAgeDays)
}
