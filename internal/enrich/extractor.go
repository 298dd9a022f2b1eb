// Package enrich extracts structured fields from fetched HTML. Built-in
// features cover common page metadata; everything else is treated as a
// learned field whose CSS selectors are ranked and healed per domain.
package enrich

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/aegiscrawl/aegis/internal/pipeline"
	"github.com/aegiscrawl/aegis/internal/scoring"
)

// Built-in feature names.
const (
	FeatureTitle       = "title"
	FeatureDescription = "description"
	FeatureCanonical   = "canonical"
	FeatureLinks       = "links"
)

// Extractor implements pipeline.Enricher over goquery documents.
type Extractor struct {
	healer *scoring.SelectorHealer
	logger *zap.Logger
}

// New constructs an Extractor. The healer may be nil, which disables learned
// fields and leaves only the built-in features.
func New(healer *scoring.SelectorHealer, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{healer: healer, logger: logger}
}

// Enrich parses the fetched content and extracts the requested features.
// Unknown features resolve through the per-domain selector ranking; a feature
// with no usable selector is simply absent from the result.
func (e *Extractor) Enrich(ctx context.Context, req pipeline.EnrichRequest) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(req.Data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	domain, err := pipeline.Domain(req.URL)
	if err != nil {
		return nil, fmt.Errorf("derive domain: %w", err)
	}

	features := req.Features
	if len(features) == 0 {
		features = []string{FeatureTitle, FeatureDescription, FeatureCanonical, FeatureLinks}
	}

	out := make(map[string]any, len(features))
	for _, feature := range features {
		switch feature {
		case FeatureTitle:
			if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
				out[feature] = title
			}
		case FeatureDescription:
			if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok && desc != "" {
				out[feature] = desc
			}
		case FeatureCanonical:
			if href, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok && href != "" {
				out[feature] = href
			}
		case FeatureLinks:
			out[feature] = doc.Find("a[href]").Length()
		default:
			value, ok := e.extractLearned(ctx, doc, domain, feature)
			if ok {
				out[feature] = value
			}
		}
	}
	return out, nil
}

// extractLearned walks the ranked selectors for (domain, field) from
// strongest to weakest, records each try's outcome, and returns the first
// non-empty value.
func (e *Extractor) extractLearned(ctx context.Context, doc *goquery.Document, domain, field string) (string, bool) {
	if e.healer == nil {
		return "", false
	}
	ranked, err := e.healer.Ranked(ctx, domain, field, 0)
	if err != nil {
		e.logger.Warn("selector lookup failed",
			zap.String("domain", domain),
			zap.String("field", field),
			zap.Error(err),
		)
		return "", false
	}

	for _, cand := range ranked {
		value := apply(doc, cand.Payload)
		outcome := scoring.OutcomeFailure
		if value != "" {
			outcome = scoring.OutcomeSuccess
		}
		if err := e.healer.Record(ctx, domain, field, cand.ID, outcome); err != nil {
			e.logger.Warn("selector outcome not recorded",
				zap.String("domain", domain),
				zap.String("field", field),
				zap.String("selector_id", cand.ID),
				zap.Error(err),
			)
		}
		if value != "" {
			return value, true
		}
	}
	return "", false
}

// apply evaluates one selector against the document.
func apply(doc *goquery.Document, sel scoring.Selector) string {
	node := doc.Find(sel.Expression).First()
	if node.Length() == 0 {
		return ""
	}
	if sel.Attribute != "" {
		value, _ := node.Attr(sel.Attribute)
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(node.Text())
}
