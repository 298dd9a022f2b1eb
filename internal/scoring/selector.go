package scoring

import (
	"context"

	"github.com/aegiscrawl/aegis/internal/kv"
)

// Selector is an extraction expression for one field of one domain.
type Selector struct {
	Expression string `json:"expression"`
	Attribute  string `json:"attribute,omitempty"`
	Source     string `json:"source,omitempty"`
}

// SelectorHealer tracks which extraction selectors still work per
// (domain, field) scope. Candidate generation is external; this side only
// ranks what it is given. Updates are additive (+0.1 success, ×0.8 failure)
// and losers are evicted from the ranking the moment they sink below the
// threshold, keeping at most five alive per scope.
type SelectorHealer struct {
	idx *Index[Selector]
}

// NewSelectorHealer builds a healer over the shared store.
func NewSelectorHealer(store kv.Store) *SelectorHealer {
	return &SelectorHealer{
		idx: NewIndex[Selector](store, Config{
			Namespace:        "sel",
			Rule:             RuleAdditive,
			MinScore:         0.4,
			MaxRanked:        5,
			InitialScore:     0.5,
			EvictImmediately: true,
		}),
	}
}

// SelectorScope builds the composite scope key for a domain field.
func SelectorScope(domain, field string) string {
	return domain + "|" + field
}

// Add registers a candidate selector for a (domain, field) scope.
func (h *SelectorHealer) Add(ctx context.Context, domain, field, id string, sel Selector) error {
	return h.idx.Add(ctx, SelectorScope(domain, field), id, sel)
}

// Record folds one extraction outcome into the selector's score.
func (h *SelectorHealer) Record(ctx context.Context, domain, field, id string, outcome Outcome) error {
	return h.idx.RecordOutcome(ctx, SelectorScope(domain, field), id, outcome)
}

// Best returns the strongest surviving selector, or nil when the scope has no
// usable candidate.
func (h *SelectorHealer) Best(ctx context.Context, domain, field string) (*Candidate[Selector], error) {
	return h.idx.GetBest(ctx, SelectorScope(domain, field), 0)
}

// Ranked lists surviving selectors for a scope in score order.
func (h *SelectorHealer) Ranked(ctx context.Context, domain, field string, limit int) ([]Candidate[Selector], error) {
	return h.idx.GetRanked(ctx, SelectorScope(domain, field), limit)
}

// Sweep drops selectors unused for longer than maxAgeDays.
func (h *SelectorHealer) Sweep(ctx context.Context, maxAgeDays int) (int, error) {
	return h.idx.Sweep(ctx, maxAgeDays)
}
