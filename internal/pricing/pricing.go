// Package pricing holds the static per-provider/per-model price schedule and
// the cost calculator. A model's schedule is either flat (one rate) or tiered
// (rates that change as cumulative token count crosses thresholds).
//
// Convention: rates are stored as nano-USD per one million tokens. A token
// class cost is ceil(tokens * rate / 1e6) nano-dollars. All arithmetic is
// integer; rounding is always up.
package pricing

import (
	"fmt"
	"sort"
	"strings"
)

// Rate is one price point. Input and Output are required; the optional
// classes are nil when the schedule has no dedicated price for them, in which
// case reasoning falls back to the output rate and cached input falls back to
// the input rate.
type Rate struct {
	InputPerMtok  int64
	OutputPerMtok int64

	ReasoningPerMtok   *int64
	CachedInputPerMtok *int64

	// PerRequest is a flat per-call fee in nano-USD, charged once
	// regardless of token counts.
	PerRequest *int64
}

// Tier is a rate that applies to tokens below a cumulative threshold.
// ThresholdTokens == 0 marks the catch-all tier covering everything above the
// previous tier's threshold; it is always ordered last.
type Tier struct {
	ThresholdTokens int
	Rate
}

// ModelPricing is a tagged variant: exactly one of Flat or Tiers is set.
// The shape is resolved once at load time so the calculator never branches on
// loose configuration at call sites.
type ModelPricing struct {
	Flat  *Rate
	Tiers []Tier
}

// normalize validates the variant and sorts tiers ascending by threshold with
// the catch-all tier last.
func (p *ModelPricing) normalize() error {
	switch {
	case p.Flat != nil && len(p.Tiers) > 0:
		return fmt.Errorf("pricing must be flat or tiered, not both")
	case p.Flat == nil && len(p.Tiers) == 0:
		return fmt.Errorf("pricing must define a flat rate or tiers")
	case p.Flat != nil:
		return nil
	}

	sort.SliceStable(p.Tiers, func(i, j int) bool {
		a, b := p.Tiers[i].ThresholdTokens, p.Tiers[j].ThresholdTokens
		if a == 0 {
			return false // catch-all sorts last
		}
		if b == 0 {
			return true
		}
		return a < b
	})
	for i, t := range p.Tiers {
		if t.ThresholdTokens == 0 && i != len(p.Tiers)-1 {
			return fmt.Errorf("only the last tier may omit a threshold")
		}
		if i > 0 && t.ThresholdTokens != 0 && t.ThresholdTokens <= p.Tiers[i-1].ThresholdTokens {
			return fmt.Errorf("tier thresholds must be strictly increasing")
		}
	}
	if p.Tiers[len(p.Tiers)-1].ThresholdTokens != 0 {
		return fmt.Errorf("last tier must be the catch-all (no threshold)")
	}
	return nil
}

// perRequest returns the schedule's per-request fee, if any. For tiered
// schedules the first tier that declares a fee wins; the fee is charged once
// per call, never per tier.
func (p *ModelPricing) perRequest() (int64, bool) {
	if p.Flat != nil {
		if p.Flat.PerRequest != nil {
			return *p.Flat.PerRequest, true
		}
		return 0, false
	}
	for _, t := range p.Tiers {
		if t.PerRequest != nil {
			return *t.PerRequest, true
		}
	}
	return 0, false
}

// Table is the versioned price schedule keyed by (provider, model). Loaded
// once at process start; safe for concurrent reads, never mutated after
// construction.
type Table struct {
	models map[string]*ModelPricing
}

// NewTable builds a Table from resolved model pricings keyed as
// "provider/model". Every entry is normalized; invalid entries fail loudly
// here rather than at billing time.
func NewTable(models map[string]*ModelPricing) (*Table, error) {
	resolved := make(map[string]*ModelPricing, len(models))
	for key, mp := range models {
		if mp == nil {
			continue
		}
		if err := mp.normalize(); err != nil {
			return nil, fmt.Errorf("pricing for %s: %w", key, err)
		}
		resolved[strings.ToLower(key)] = mp
	}
	return &Table{models: resolved}, nil
}

// Key builds the table key for a provider/model pair.
func Key(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

// Lookup finds pricing for a provider/model pair. It tries the exact model
// name first, then the normalized base-model name with preview/date suffixes
// stripped. Returns nil when no pricing is configured.
func (t *Table) Lookup(provider, model string) *ModelPricing {
	if mp, ok := t.models[Key(provider, model)]; ok {
		return mp
	}
	if base := NormalizeBaseModel(model); base != model {
		if mp, ok := t.models[Key(provider, base)]; ok {
			return mp
		}
	}
	return nil
}

// Len returns the number of priced models.
func (t *Table) Len() int {
	return len(t.models)
}

// Merge overlays another table onto this one. Entries from the override
// replace whole model schedules; models it does not mention are kept.
// Intended for startup composition only, before the table is shared.
func (t *Table) Merge(override *Table) {
	if override == nil {
		return
	}
	for key, mp := range override.models {
		t.models[key] = mp
	}
}

// baseModelPrefixes are known base model families. A dated or preview variant
// such as "claude-sonnet-4-5-20250929" prices like its base model.
var baseModelPrefixes = []string{
	"gpt-5-mini",
	"gpt-5-nano",
	"gpt-5",
	"gpt-4o-mini",
	"gpt-4o",
	"gpt-4.1-mini",
	"gpt-4.1",
	"o3-mini",
	"o3",
	"o4-mini",
	"claude-opus-4-1",
	"claude-opus-4",
	"claude-sonnet-4-5",
	"claude-sonnet-4",
	"claude-haiku-4-5",
	"claude-3-5-sonnet",
	"claude-3-5-haiku",
	"gemini-2.5-pro",
	"gemini-2.5-flash-lite",
	"gemini-2.5-flash",
	"gemini-2.0-flash",
	"rerank-v3.5",
	"rerank-english-v3.0",
}

// NormalizeBaseModel strips date and preview suffixes by matching against the
// known base model families. Unknown models are returned unchanged.
func NormalizeBaseModel(model string) string {
	m := strings.ToLower(model)
	for _, prefix := range baseModelPrefixes {
		if m == prefix {
			return prefix
		}
		if strings.HasPrefix(m, prefix+"-") || strings.HasPrefix(m, prefix+"@") {
			return prefix
		}
	}
	// Generic fallback: drop "-preview..." and "-latest" qualifiers.
	if i := strings.Index(m, "-preview"); i > 0 {
		return m[:i]
	}
	return strings.TrimSuffix(m, "-latest")
}
