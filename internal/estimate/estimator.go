// Package estimate provides pre-flight cost prediction for operations whose
// exact token counts are not yet known, such as re-ranking or image
// generation. Estimates feed the reservation manager; the true cost is
// reconciled later from real usage.
package estimate

import (
	"log/slog"

	"goledger/internal/core"
	"goledger/internal/nanousd"
	"goledger/internal/pricing"
)

// Tokenizer estimates token counts from raw prompt text. The production
// wiring injects a model-aware tokenizer; the default heuristic is
// deliberately conservative.
type Tokenizer interface {
	CountTokens(text string) int
}

const (
	// DefaultAssumedOutputTokens is the conservative completion-token count
	// assumed when the real output size is unknown.
	DefaultAssumedOutputTokens = 1000

	// heuristicBytesPerToken approximates English text at ~4 bytes/token.
	heuristicBytesPerToken = 4
)

// Re-rank fallback pricing for models with no configured schedule.
var (
	rerankPerDocumentNano = nanousd.FromUSD(0.001)
	rerankMinimumNano     = nanousd.FromUSD(0.01)
)

// HeuristicTokenizer estimates tokens as ceil(bytes/4), minimum one token
// for non-empty text. Overestimates slightly for dense prose, which is the
// safe direction for a reservation.
type HeuristicTokenizer struct{}

// CountTokens implements Tokenizer.
func (HeuristicTokenizer) CountTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + heuristicBytesPerToken - 1) / heuristicBytesPerToken
}

// Estimator predicts operation costs before execution. Estimates are
// monotonic in input size and apply the same provider markup as the exact
// calculator.
type Estimator struct {
	calc *pricing.Calculator
	tok  Tokenizer
}

// New creates an Estimator. A nil tokenizer falls back to the heuristic.
func New(calc *pricing.Calculator, tok Tokenizer) *Estimator {
	if tok == nil {
		tok = HeuristicTokenizer{}
	}
	return &Estimator{calc: calc, tok: tok}
}

// PromptCost estimates the nano-USD cost of a completion call from its
// literal prompt text.
//
// Models with a flat per-request price estimate exactly; otherwise prompt
// tokens come from the tokenizer and the output is assumed to be
// DefaultAssumedOutputTokens. Pricing gaps estimate to zero, matching the
// exact calculator.
func (e *Estimator) PromptCost(provider, model, prompt string) int64 {
	if fee, ok := e.calc.PerRequestCost(provider, model); ok {
		return fee
	}

	usage := core.TokenUsage{
		PromptTokens:     e.tok.CountTokens(prompt),
		CompletionTokens: DefaultAssumedOutputTokens,
	}
	cost := e.calc.Cost(provider, model, usage)
	slog.Debug("estimated prompt cost",
		"provider", provider,
		"model", model,
		"prompt_tokens", usage.PromptTokens,
		"assumed_output_tokens", usage.CompletionTokens,
		"estimate_nano_usd", cost,
	)
	return cost
}

// RerankCost estimates the nano-USD cost of re-ranking documents.
//
// A configured per-request fee wins. Without one, and without any per-token
// pricing, the conservative fallback is $0.001 per document with a $0.01
// per-request floor, marked up like any other cost for the provider.
func (e *Estimator) RerankCost(provider, model string, documents int) int64 {
	if documents < 0 {
		documents = 0
	}
	if fee, ok := e.calc.PerRequestCost(provider, model); ok {
		return fee
	}
	if e.calc.HasPricing(provider, model) {
		// Token-priced reranker: assume a conservative fixed document size.
		usage := core.TokenUsage{PromptTokens: documents * assumedRerankDocTokens}
		return e.calc.Cost(provider, model, usage)
	}

	cost := int64(documents) * rerankPerDocumentNano
	if cost < rerankMinimumNano {
		cost = rerankMinimumNano
	}
	return pricing.ApplyProviderMarkup(provider, cost)
}

// assumedRerankDocTokens is the per-document token assumption for rerankers
// priced per token rather than per search.
const assumedRerankDocTokens = 512
