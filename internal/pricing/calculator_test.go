package pricing

import (
	"testing"

	"goledger/internal/core"
	"goledger/internal/nanousd"
)

func np(usd float64) *int64 {
	n := nanousd.FromUSD(usd)
	return &n
}

// flatTable builds a single-model table with a flat schedule.
func flatTable(t *testing.T, provider, model string, rate Rate) *Table {
	t.Helper()
	table, err := NewTable(map[string]*ModelPricing{
		Key(provider, model): {Flat: &rate},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

// tieredTable builds the two-tier schedule from the reference scenario:
// $1.25/$5.00 below 200k cumulative tokens, $2.50/$10.00 above.
func tieredTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable(map[string]*ModelPricing{
		Key("gemini", "stepped-model"): {
			Tiers: []Tier{
				{ThresholdTokens: 200_000, Rate: Rate{InputPerMtok: nanousd.FromUSD(1.25), OutputPerMtok: nanousd.FromUSD(5.0)}},
				{Rate: Rate{InputPerMtok: nanousd.FromUSD(2.5), OutputPerMtok: nanousd.FromUSD(10.0)}},
			},
		},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

func TestCostFlat(t *testing.T) {
	calc := NewCalculator(flatTable(t, "openai", "gpt-4o", Rate{
		InputPerMtok:  nanousd.FromUSD(2.50),
		OutputPerMtok: nanousd.FromUSD(10.0),
	}))

	got := calc.Cost("openai", "gpt-4o", core.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 500_000})
	// 1M * $2.50/Mtok + 500k * $10/Mtok = $2.50 + $5.00 = $7.50
	if want := nanousd.FromUSD(7.50); got != want {
		t.Fatalf("Cost = %d, want %d", got, want)
	}
}

func TestCostTieredBelowThreshold(t *testing.T) {
	calc := NewCalculator(tieredTable(t))

	got := calc.Cost("gemini", "stepped-model", core.TokenUsage{PromptTokens: 150_000, CompletionTokens: 50_000})
	// 150k*1.25 + 50k*5.0 per Mtok: $0.1875 + $0.25 = $0.4375
	want := nanousd.TokenCost(150_000, nanousd.FromUSD(1.25)) + nanousd.TokenCost(50_000, nanousd.FromUSD(5.0))
	if got != want {
		t.Fatalf("Cost = %d, want %d", got, want)
	}
	if want != nanousd.FromUSD(0.4375) {
		t.Fatalf("reference sum drifted: %d", want)
	}
}

func TestCostTieredCrossingThreshold(t *testing.T) {
	calc := NewCalculator(tieredTable(t))

	got := calc.Cost("gemini", "stepped-model", core.TokenUsage{PromptTokens: 250_000, CompletionTokens: 100_000})
	// Input splits at the threshold: 200k at $1.25 + 50k at $2.50.
	// Output stays in the first tier: 100k at $5.00.
	want := nanousd.TokenCost(200_000, nanousd.FromUSD(1.25)) +
		nanousd.TokenCost(50_000, nanousd.FromUSD(2.5)) +
		nanousd.TokenCost(100_000, nanousd.FromUSD(5.0))
	if got != want {
		t.Fatalf("Cost = %d, want %d", got, want)
	}
	if want != nanousd.FromUSD(0.25+0.125+0.5) {
		t.Fatalf("reference sum drifted: %d", want)
	}
}

func TestCostReasoningAndCachedFallbacks(t *testing.T) {
	// No dedicated reasoning/cached rates: reasoning prices as output,
	// cached input prices as input.
	calc := NewCalculator(flatTable(t, "openai", "o3", Rate{
		InputPerMtok:  nanousd.FromUSD(2.0),
		OutputPerMtok: nanousd.FromUSD(8.0),
	}))
	u := core.TokenUsage{PromptTokens: 100_000, CompletionTokens: 50_000, ReasoningTokens: 25_000, CachedPromptTokens: 10_000}
	got := calc.Cost("openai", "o3", u)
	want := nanousd.TokenCost(110_000, nanousd.FromUSD(2.0)) + nanousd.TokenCost(75_000, nanousd.FromUSD(8.0))
	if got != want {
		t.Fatalf("Cost = %d, want %d", got, want)
	}

	// Dedicated rates take precedence when configured.
	calc = NewCalculator(flatTable(t, "openai", "o3", Rate{
		InputPerMtok:       nanousd.FromUSD(2.0),
		OutputPerMtok:      nanousd.FromUSD(8.0),
		ReasoningPerMtok:   np(16.0),
		CachedInputPerMtok: np(0.5),
	}))
	got = calc.Cost("openai", "o3", u)
	want = nanousd.TokenCost(100_000, nanousd.FromUSD(2.0)) +
		nanousd.TokenCost(10_000, nanousd.FromUSD(0.5)) +
		nanousd.TokenCost(50_000, nanousd.FromUSD(8.0)) +
		nanousd.TokenCost(25_000, nanousd.FromUSD(16.0))
	if got != want {
		t.Fatalf("Cost with dedicated rates = %d, want %d", got, want)
	}
}

func TestCostPerRequestFee(t *testing.T) {
	calc := NewCalculator(flatTable(t, "cohere", "rerank-v3.5", Rate{PerRequest: np(0.002)}))

	got := calc.Cost("cohere", "rerank-v3.5", core.TokenUsage{})
	if want := nanousd.FromUSD(0.002); got != want {
		t.Fatalf("Cost = %d, want %d", got, want)
	}
	// Fee is independent of token counts.
	got = calc.Cost("cohere", "rerank-v3.5", core.TokenUsage{PromptTokens: 999_999})
	if want := nanousd.FromUSD(0.002); got != want {
		t.Fatalf("Cost with tokens = %d, want %d", got, want)
	}
}

func TestCostOpenRouterMarkup(t *testing.T) {
	rate := Rate{InputPerMtok: nanousd.FromUSD(2.50), OutputPerMtok: nanousd.FromUSD(10.0)}
	base := NewCalculator(flatTable(t, "openai", "gpt-4o", rate))
	marked := NewCalculator(flatTable(t, "openrouter", "gpt-4o", rate))

	usages := []core.TokenUsage{
		{PromptTokens: 1, CompletionTokens: 0},
		{PromptTokens: 1000, CompletionTokens: 1000},
		{PromptTokens: 123_457, CompletionTokens: 76_543},
	}
	for _, u := range usages {
		baseCost := base.Cost("openai", "gpt-4o", u)
		markedCost := marked.Cost("openrouter", "gpt-4o", u)
		want := nanousd.ApplyMarkupBasisPoints(baseCost, OpenRouterMarkupBps)
		if markedCost != want {
			t.Fatalf("openrouter cost = %d, want ceil(base*1.055) = %d", markedCost, want)
		}
		if markedCost <= baseCost {
			t.Fatalf("openrouter cost %d not strictly above base %d", markedCost, baseCost)
		}
	}
}

func TestCostPricingGapReturnsZero(t *testing.T) {
	calc := NewCalculator(flatTable(t, "openai", "gpt-4o", Rate{
		InputPerMtok:  nanousd.FromUSD(2.50),
		OutputPerMtok: nanousd.FromUSD(10.0),
	}))

	got := calc.Cost("openai", "totally-unknown-model", core.TokenUsage{PromptTokens: 1000})
	if got != 0 {
		t.Fatalf("Cost for unpriced model = %d, want 0", got)
	}
}

func TestLookupNormalizesBaseModel(t *testing.T) {
	calc := NewCalculator(flatTable(t, "anthropic", "claude-sonnet-4-5", Rate{
		InputPerMtok:  nanousd.FromUSD(3.0),
		OutputPerMtok: nanousd.FromUSD(15.0),
	}))

	u := core.TokenUsage{PromptTokens: 1000, CompletionTokens: 1000}
	exact := calc.Cost("anthropic", "claude-sonnet-4-5", u)
	dated := calc.Cost("anthropic", "claude-sonnet-4-5-20250929", u)
	if exact == 0 || dated != exact {
		t.Fatalf("dated variant cost %d, want %d", dated, exact)
	}
}

func TestNormalizeBaseModel(t *testing.T) {
	tests := []struct {
		model, want string
	}{
		{"claude-sonnet-4-5-20250929", "claude-sonnet-4-5"},
		{"gpt-4o-2024-08-06", "gpt-4o"},
		{"gpt-4o-mini-2024-07-18", "gpt-4o-mini"},
		{"gemini-2.5-pro", "gemini-2.5-pro"},
		{"gemini-2.0-flash-preview-image-generation", "gemini-2.0-flash"},
		{"some-model-latest", "some-model"},
		{"unknown-model", "unknown-model"},
	}
	for _, tt := range tests {
		if got := NormalizeBaseModel(tt.model); got != tt.want {
			t.Fatalf("NormalizeBaseModel(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestPerRequestCost(t *testing.T) {
	calc := NewCalculator(flatTable(t, "cohere", "rerank-v3.5", Rate{PerRequest: np(0.002)}))

	fee, ok := calc.PerRequestCost("cohere", "rerank-v3.5")
	if !ok || fee != nanousd.FromUSD(0.002) {
		t.Fatalf("PerRequestCost = %d, %v", fee, ok)
	}
	if _, ok := calc.PerRequestCost("cohere", "unpriced"); ok {
		t.Fatal("expected no per-request fee for unpriced model")
	}
}

func TestCostNeverNegativeAndMonotonicCeil(t *testing.T) {
	calc := NewCalculator(flatTable(t, "openai", "gpt-4o-mini", Rate{
		InputPerMtok:  nanousd.FromUSD(0.15),
		OutputPerMtok: nanousd.FromUSD(0.60),
	}))
	prev := int64(-1)
	for tokens := 0; tokens <= 10; tokens++ {
		got := calc.Cost("openai", "gpt-4o-mini", core.TokenUsage{PromptTokens: tokens})
		if got < 0 {
			t.Fatalf("negative cost %d for %d tokens", got, tokens)
		}
		if got < prev {
			t.Fatalf("cost decreased from %d to %d at %d tokens", prev, got, tokens)
		}
		prev = got
	}
	// A single token still costs at least one nano-dollar (ceil).
	if got := calc.Cost("openai", "gpt-4o-mini", core.TokenUsage{PromptTokens: 1}); got < 1 {
		t.Fatalf("one token cost = %d, want >= 1", got)
	}
}
