// Package scoring implements the online-learning candidate index shared by
// fingerprint ranking, selector healing, and adaptive proxy selection. Each
// candidate accumulates success/failure/block outcomes and carries a bounded
// reputation score; a ranked, pruned top-N per scope key lives in the shared
// key-value store.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aegiscrawl/aegis/internal/kv"
)

// Outcome is a counted candidate result.
type Outcome string

// Supported outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlock   Outcome = "block"
)

// Rule selects how RecordOutcome adjusts the score.
type Rule int

const (
	// RuleBayesian recomputes the full score on every outcome: a Bayesian
	// success rate damped by block penalty, time decay, and a confidence
	// boost that grows with sample size.
	RuleBayesian Rule = iota
	// RuleAdditive nudges the previous score: +0.1 on success (capped at 1),
	// ×0.8 on failure. Blocks count as failures plus a reporting-only block
	// increment.
	RuleAdditive
)

// Candidate is a reusable choice with a learned reputation.
type Candidate[P any] struct {
	ID           string
	ScopeKey     string
	Payload      P
	SuccessCount int64
	FailureCount int64
	BlockCount   int64
	Score        float64
	LastUsedAt   time.Time
	CreatedAt    time.Time
}

// Config tunes an Index.
type Config struct {
	// Namespace prefixes every key so independent indexes coexist in one store.
	Namespace string
	// Rule picks the score update strategy.
	Rule Rule
	// DecayDays is the e-folding time for the Bayesian rule's time decay.
	DecayDays float64
	// MinScore evicts candidates from the ranked index when they fall below it.
	MinScore float64
	// MaxRanked bounds the ranked set per scope key.
	MaxRanked int
	// InitialScore seeds candidates under RuleAdditive.
	InitialScore float64
	// EvictImmediately removes below-threshold candidates from the ranked
	// index on the outcome that sinks them, instead of waiting for Prune.
	EvictImmediately bool
}

const (
	priorSuccess = 2.0
	priorFailure = 1.0
)

// Index is a generic ranked candidate store. Updates are plain
// read-modify-write: concurrent writers to one candidate can overwrite each
// other, which is acceptable for statistical signals (last write wins).
type Index[P any] struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
}

// NewIndex builds an Index over the given store.
func NewIndex[P any](store kv.Store, cfg Config) *Index[P] {
	if cfg.DecayDays <= 0 {
		cfg.DecayDays = 7
	}
	if cfg.MaxRanked <= 0 {
		cfg.MaxRanked = 10
	}
	if cfg.InitialScore <= 0 {
		cfg.InitialScore = 0.5
	}
	return &Index[P]{store: store, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source for tests.
func (x *Index[P]) SetClock(now func() time.Time) { x.now = now }

func (x *Index[P]) candidateKey(scope, id string) string {
	return fmt.Sprintf("%s:cand:%s:%s", x.cfg.Namespace, scope, id)
}

func (x *Index[P]) rankKey(scope string) string {
	return fmt.Sprintf("%s:rank:%s", x.cfg.Namespace, scope)
}

func (x *Index[P]) scopesKey() string {
	return x.cfg.Namespace + ":scopes"
}

// Add registers a candidate under a scope key. Re-adding an existing ID
// refreshes the payload but keeps the learned counters.
func (x *Index[P]) Add(ctx context.Context, scope, id string, payload P) error {
	existing, err := x.load(ctx, scope, id)
	if err != nil {
		return err
	}
	now := x.now().UTC()
	cand := Candidate[P]{
		ID:         id,
		ScopeKey:   scope,
		Payload:    payload,
		Score:      x.initialScore(now),
		LastUsedAt: now,
		CreatedAt:  now,
	}
	if existing != nil {
		cand.SuccessCount = existing.SuccessCount
		cand.FailureCount = existing.FailureCount
		cand.BlockCount = existing.BlockCount
		cand.Score = existing.Score
		cand.CreatedAt = existing.CreatedAt
	}
	if err := x.save(ctx, cand); err != nil {
		return err
	}
	if err := x.store.ZAdd(ctx, x.rankKey(scope), cand.Score, id); err != nil {
		return fmt.Errorf("rank candidate: %w", err)
	}
	if err := x.store.SAdd(ctx, x.scopesKey(), scope); err != nil {
		return fmt.Errorf("register scope: %w", err)
	}
	return x.trim(ctx, scope)
}

func (x *Index[P]) initialScore(now time.Time) float64 {
	if x.cfg.Rule == RuleAdditive {
		return x.cfg.InitialScore
	}
	return bayesianScore(0, 0, 0, now, now, x.cfg.DecayDays)
}

// RecordOutcome folds one outcome into a candidate's counters and score.
// Unknown candidates are ignored so late signals never error.
func (x *Index[P]) RecordOutcome(ctx context.Context, scope, id string, outcome Outcome) error {
	cand, err := x.load(ctx, scope, id)
	if err != nil {
		return err
	}
	if cand == nil {
		return nil
	}
	now := x.now().UTC()
	switch outcome {
	case OutcomeSuccess:
		cand.SuccessCount++
	case OutcomeFailure:
		cand.FailureCount++
	case OutcomeBlock:
		cand.BlockCount++
		if x.cfg.Rule == RuleAdditive {
			cand.FailureCount++
		}
	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}

	switch x.cfg.Rule {
	case RuleAdditive:
		switch outcome {
		case OutcomeSuccess:
			cand.Score = math.Min(1, cand.Score+0.1)
		default:
			cand.Score *= 0.8
		}
	default:
		cand.Score = bayesianScore(
			cand.SuccessCount, cand.FailureCount, cand.BlockCount,
			now, now, x.cfg.DecayDays,
		)
	}
	cand.LastUsedAt = now

	if err := x.save(ctx, *cand); err != nil {
		return err
	}
	rankKey := x.rankKey(scope)
	if cand.Score < x.cfg.MinScore && x.cfg.EvictImmediately {
		// The hash stays behind for audit; only the ranking forgets it.
		if err := x.store.ZRem(ctx, rankKey, id); err != nil {
			return fmt.Errorf("evict candidate: %w", err)
		}
		return nil
	}
	if err := x.store.ZAdd(ctx, rankKey, cand.Score, id); err != nil {
		return fmt.Errorf("rank candidate: %w", err)
	}
	return x.trim(ctx, scope)
}

// GetRanked returns up to limit candidates ordered by descending score.
// Candidates below MinScore are never returned.
func (x *Index[P]) GetRanked(ctx context.Context, scope string, limit int) ([]Candidate[P], error) {
	if limit <= 0 {
		limit = x.cfg.MaxRanked
	}
	members, err := x.store.ZRevRange(ctx, x.rankKey(scope), 0, int64(limit)-1)
	if err != nil {
		return nil, fmt.Errorf("ranked range: %w", err)
	}
	out := make([]Candidate[P], 0, len(members))
	for _, m := range members {
		cand, err := x.load(ctx, scope, m.Value)
		if err != nil {
			return nil, err
		}
		if cand == nil || cand.Score < x.cfg.MinScore {
			continue
		}
		out = append(out, *cand)
	}
	return out, nil
}

// GetBest returns the top candidate with score above minScore, or nil when no
// learned preference exists. An empty scope is not an error.
func (x *Index[P]) GetBest(ctx context.Context, scope string, minScore float64) (*Candidate[P], error) {
	ranked, err := x.GetRanked(ctx, scope, 1)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 || ranked[0].Score <= minScore {
		return nil, nil
	}
	best := ranked[0]
	return &best, nil
}

// Prune drops below-threshold candidates from a scope's ranked index and
// re-applies the top-N bound.
func (x *Index[P]) Prune(ctx context.Context, scope string) error {
	if x.cfg.MinScore > 0 {
		threshold := x.cfg.MinScore - 1e-9
		if _, err := x.store.ZRemRangeByScore(ctx, x.rankKey(scope), math.Inf(-1), threshold); err != nil {
			return fmt.Errorf("prune by score: %w", err)
		}
	}
	return x.trim(ctx, scope)
}

// Sweep removes candidates unused for longer than maxAgeDays across all
// scopes and returns the removed count.
func (x *Index[P]) Sweep(ctx context.Context, maxAgeDays int) (int, error) {
	scopes, err := x.store.SMembers(ctx, x.scopesKey())
	if err != nil {
		return 0, fmt.Errorf("list scopes: %w", err)
	}
	cutoff := x.now().UTC().AddDate(0, 0, -maxAgeDays)
	removed := 0
	for _, scope := range scopes {
		members, err := x.store.ZRange(ctx, x.rankKey(scope), 0, -1)
		if err != nil {
			return removed, fmt.Errorf("sweep range: %w", err)
		}
		for _, m := range members {
			cand, err := x.load(ctx, scope, m.Value)
			if err != nil {
				return removed, err
			}
			if cand != nil && cand.LastUsedAt.After(cutoff) {
				continue
			}
			if err := x.store.ZRem(ctx, x.rankKey(scope), m.Value); err != nil {
				return removed, fmt.Errorf("sweep evict: %w", err)
			}
			if err := x.store.Del(ctx, x.candidateKey(scope, m.Value)); err != nil {
				return removed, fmt.Errorf("sweep delete: %w", err)
			}
			removed++
		}
		n, err := x.store.ZCard(ctx, x.rankKey(scope))
		if err == nil && n == 0 {
			_ = x.store.SRem(ctx, x.scopesKey(), scope)
		}
	}
	return removed, nil
}

func (x *Index[P]) trim(ctx context.Context, scope string) error {
	if _, err := x.store.ZRemRangeByRank(ctx, x.rankKey(scope), 0, int64(-x.cfg.MaxRanked-1)); err != nil {
		return fmt.Errorf("trim ranked set: %w", err)
	}
	return nil
}

func (x *Index[P]) load(ctx context.Context, scope, id string) (*Candidate[P], error) {
	fields, err := x.store.HGetAll(ctx, x.candidateKey(scope, id))
	if err != nil {
		return nil, fmt.Errorf("load candidate: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	cand := Candidate[P]{ID: id, ScopeKey: scope}
	cand.SuccessCount, _ = strconv.ParseInt(fields["success"], 10, 64)
	cand.FailureCount, _ = strconv.ParseInt(fields["failure"], 10, 64)
	cand.BlockCount, _ = strconv.ParseInt(fields["block"], 10, 64)
	cand.Score, _ = strconv.ParseFloat(fields["score"], 64)
	if ts, err := strconv.ParseInt(fields["last_used_at"], 10, 64); err == nil {
		cand.LastUsedAt = time.Unix(ts, 0).UTC()
	}
	if ts, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		cand.CreatedAt = time.Unix(ts, 0).UTC()
	}
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &cand.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	return &cand, nil
}

func (x *Index[P]) save(ctx context.Context, cand Candidate[P]) error {
	payload, err := json.Marshal(cand.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	err = x.store.HSet(ctx, x.candidateKey(cand.ScopeKey, cand.ID),
		"success", strconv.FormatInt(cand.SuccessCount, 10),
		"failure", strconv.FormatInt(cand.FailureCount, 10),
		"block", strconv.FormatInt(cand.BlockCount, 10),
		"score", strconv.FormatFloat(cand.Score, 'f', -1, 64),
		"last_used_at", strconv.FormatInt(cand.LastUsedAt.Unix(), 10),
		"created_at", strconv.FormatInt(cand.CreatedAt.Unix(), 10),
		"payload", string(payload),
	)
	if err != nil {
		return fmt.Errorf("save candidate: %w", err)
	}
	return nil
}

// bayesianScore blends a prior-damped success rate with block penalty, time
// decay, and a sample-size confidence boost. The result stays in [0, 1].
func bayesianScore(success, failure, block int64, lastUsed, now time.Time, decayDays float64) float64 {
	total := float64(success + failure + block)
	rate := (float64(success) + priorSuccess) / (total + priorSuccess + priorFailure)
	penalty := math.Max(0, 1-float64(block)*0.2)
	days := now.Sub(lastUsed).Hours() / 24
	if days < 0 {
		days = 0
	}
	decay := math.Exp(-days / decayDays)
	confidence := math.Min(1, math.Log(total+1)/3)
	return rate * penalty * decay * (0.5 + 0.5*confidence)
}
