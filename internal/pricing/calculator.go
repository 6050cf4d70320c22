package pricing

import (
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"goledger/internal/core"
	"goledger/internal/nanousd"
)

// OpenRouterMarkupBps is the pass-through fee OpenRouter charges on top of
// the underlying model price, in basis points. Applied to the summed base
// cost, rounded up, so the margin is exact to the nano-dollar.
const OpenRouterMarkupBps = 550

// Prometheus metric for pricing table misses. A gap means an operation was
// billed at zero; operators need to see it even though it is non-fatal.
var pricingGaps = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "goledger_pricing_gaps_total",
		Help: "Total number of cost calculations with no pricing configured for the provider/model",
	},
	[]string{"provider"},
)

// Calculator computes exact operation costs from the pricing table.
type Calculator struct {
	table *Table
}

// NewCalculator creates a Calculator over a loaded pricing table.
func NewCalculator(table *Table) *Calculator {
	return &Calculator{table: table}
}

// Table returns the underlying pricing table.
func (c *Calculator) Table() *Table {
	return c.table
}

// Cost computes the nano-USD cost of an operation from its token usage.
//
// Missing pricing is non-fatal: the cost is 0, a warning is logged and the
// gap counter is incremented. Each token class is priced independently and
// summed; the per-request fee, if configured, is added once; the provider
// markup is applied last.
func (c *Calculator) Cost(provider, model string, u core.TokenUsage) int64 {
	mp := c.table.Lookup(provider, model)
	if mp == nil {
		slog.Warn("no pricing configured for model",
			"provider", provider,
			"model", model,
			"prompt_tokens", u.PromptTokens,
			"completion_tokens", u.CompletionTokens,
		)
		pricingGaps.WithLabelValues(strings.ToLower(provider)).Inc()
		return 0
	}

	base := baseCost(mp, u)
	return ApplyProviderMarkup(provider, base)
}

// PerRequestCost returns the marked-up flat per-request fee for a model, and
// whether one is configured. Used by the estimator and as an adjust fallback.
func (c *Calculator) PerRequestCost(provider, model string) (int64, bool) {
	mp := c.table.Lookup(provider, model)
	if mp == nil {
		return 0, false
	}
	fee, ok := mp.perRequest()
	if !ok {
		return 0, false
	}
	return ApplyProviderMarkup(provider, fee), true
}

// HasPricing reports whether any pricing is configured for the model.
func (c *Calculator) HasPricing(provider, model string) bool {
	return c.table.Lookup(provider, model) != nil
}

// ApplyProviderMarkup applies the provider's pass-through fee to a base cost.
// Only OpenRouter carries one today.
func ApplyProviderMarkup(provider string, nanos int64) int64 {
	if strings.EqualFold(provider, "openrouter") {
		return nanousd.ApplyMarkupBasisPoints(nanos, OpenRouterMarkupBps)
	}
	return nanos
}

// baseCost sums the per-class costs plus the per-request fee, before markup.
func baseCost(mp *ModelPricing, u core.TokenUsage) int64 {
	var total int64

	total += classCost(mp, u.PromptTokens, pickInput)
	total += classCost(mp, u.CachedPromptTokens, pickCachedInput)
	total += classCost(mp, u.CompletionTokens, pickOutput)
	total += classCost(mp, u.ReasoningTokens, pickReasoning)

	if fee, ok := mp.perRequest(); ok {
		total += fee
	}
	return total
}

// pick functions select the rate for one token class, applying the fallback
// chain: reasoning -> output, cached input -> input.
func pickInput(r Rate) int64 { return r.InputPerMtok }

func pickOutput(r Rate) int64 { return r.OutputPerMtok }

func pickReasoning(r Rate) int64 {
	if r.ReasoningPerMtok != nil {
		return *r.ReasoningPerMtok
	}
	return r.OutputPerMtok
}

func pickCachedInput(r Rate) int64 {
	if r.CachedInputPerMtok != nil {
		return *r.CachedInputPerMtok
	}
	return r.InputPerMtok
}

// classCost prices one token class. For tiered schedules the class's token
// count is partitioned across tiers in threshold order, each tier consuming
// min(tokens remaining in range, tokens remaining), with per-tier ceil.
func classCost(mp *ModelPricing, tokens int, pick func(Rate) int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if mp.Flat != nil {
		return nanousd.TokenCost(tokens, pick(*mp.Flat))
	}

	var total int64
	remaining := tokens
	prevThreshold := 0
	for _, tier := range mp.Tiers {
		span := remaining
		if tier.ThresholdTokens != 0 {
			if width := tier.ThresholdTokens - prevThreshold; width < span {
				span = width
			}
			prevThreshold = tier.ThresholdTokens
		}
		total += nanousd.TokenCost(span, pick(tier.Rate))
		remaining -= span
		if remaining <= 0 {
			break
		}
	}
	return total
}
