package estimate

import (
	"strings"
	"testing"

	"goledger/internal/core"
	"goledger/internal/nanousd"
	"goledger/internal/pricing"
)

func testCalculator(t *testing.T) *pricing.Calculator {
	t.Helper()
	perReq := 0.002
	table, err := pricing.Catalog{
		"openai": {
			"gpt-4o": {CatalogRate: pricing.CatalogRate{
				InputPerMtok:  f(2.50),
				OutputPerMtok: f(10.0),
			}},
		},
		"openrouter": {
			"gpt-4o": {CatalogRate: pricing.CatalogRate{
				InputPerMtok:  f(2.50),
				OutputPerMtok: f(10.0),
			}},
		},
		"cohere": {
			"rerank-v3.5": {CatalogRate: pricing.CatalogRate{PerRequest: &perReq}},
		},
	}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return pricing.NewCalculator(table)
}

func f(v float64) *float64 { return &v }

func TestHeuristicTokenizer(t *testing.T) {
	tok := HeuristicTokenizer{}
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := tok.CountTokens(tt.text); got != tt.want {
			t.Fatalf("CountTokens(%d bytes) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestPromptCostUsesAssumedOutput(t *testing.T) {
	calc := testCalculator(t)
	est := New(calc, nil)

	prompt := strings.Repeat("z", 4000) // 1000 tokens under the heuristic
	got := est.PromptCost("openai", "gpt-4o", prompt)
	want := calc.Cost("openai", "gpt-4o", core.TokenUsage{
		PromptTokens:     1000,
		CompletionTokens: DefaultAssumedOutputTokens,
	})
	if got != want {
		t.Fatalf("PromptCost = %d, want %d", got, want)
	}
}

func TestPromptCostMonotonicInPromptSize(t *testing.T) {
	est := New(testCalculator(t), nil)

	var prev int64 = -1
	for _, size := range []int{0, 1, 10, 100, 1000, 10_000, 100_000} {
		got := est.PromptCost("openai", "gpt-4o", strings.Repeat("a", size))
		if got < prev {
			t.Fatalf("estimate decreased from %d to %d at prompt size %d", prev, got, size)
		}
		prev = got
	}
}

func TestPromptCostPerRequestShortCircuit(t *testing.T) {
	est := New(testCalculator(t), nil)

	short := est.PromptCost("cohere", "rerank-v3.5", "tiny")
	long := est.PromptCost("cohere", "rerank-v3.5", strings.Repeat("q", 100_000))
	if short != nanousd.FromUSD(0.002) || long != short {
		t.Fatalf("per-request estimate not deterministic: short=%d long=%d", short, long)
	}
}

func TestPromptCostPricingGap(t *testing.T) {
	est := New(testCalculator(t), nil)
	if got := est.PromptCost("openai", "mystery-model", "hello"); got != 0 {
		t.Fatalf("estimate for unpriced model = %d, want 0", got)
	}
}

func TestPromptCostAppliesProviderMarkup(t *testing.T) {
	est := New(testCalculator(t), nil)
	prompt := strings.Repeat("m", 4000)

	base := est.PromptCost("openai", "gpt-4o", prompt)
	marked := est.PromptCost("openrouter", "gpt-4o", prompt)
	if want := nanousd.ApplyMarkupBasisPoints(base, pricing.OpenRouterMarkupBps); marked != want {
		t.Fatalf("openrouter estimate = %d, want %d", marked, want)
	}
}

func TestRerankCostPerRequestFee(t *testing.T) {
	est := New(testCalculator(t), nil)
	if got := est.RerankCost("cohere", "rerank-v3.5", 50); got != nanousd.FromUSD(0.002) {
		t.Fatalf("RerankCost = %d, want configured per-request fee", got)
	}
}

func TestRerankCostFallbackHeuristic(t *testing.T) {
	est := New(testCalculator(t), nil)

	// Few documents hit the $0.01 floor.
	if got := est.RerankCost("voyage", "unpriced-reranker", 3); got != nanousd.FromUSD(0.01) {
		t.Fatalf("RerankCost(3 docs) = %d, want minimum %d", got, nanousd.FromUSD(0.01))
	}
	// Many documents bill per document.
	if got := est.RerankCost("voyage", "unpriced-reranker", 50); got != nanousd.FromUSD(0.05) {
		t.Fatalf("RerankCost(50 docs) = %d, want %d", got, nanousd.FromUSD(0.05))
	}
	// Monotonic in document count.
	var prev int64 = -1
	for docs := 0; docs <= 100; docs += 10 {
		got := est.RerankCost("voyage", "unpriced-reranker", docs)
		if got < prev {
			t.Fatalf("rerank estimate decreased at %d docs", docs)
		}
		prev = got
	}
}

func TestRerankCostTokenPricedModel(t *testing.T) {
	calc := testCalculator(t)
	est := New(calc, nil)

	got := est.RerankCost("openai", "gpt-4o", 10)
	want := calc.Cost("openai", "gpt-4o", core.TokenUsage{PromptTokens: 10 * 512})
	if got != want {
		t.Fatalf("token-priced rerank estimate = %d, want %d", got, want)
	}
}
