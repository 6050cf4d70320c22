package pricing

// DefaultCatalog is the built-in price schedule, in USD per million tokens.
// It is resolved at startup and overridden entirely when an external catalog
// file is configured. Prices are verified against published provider rate
// cards when models are added.
func DefaultCatalog() Catalog {
	return Catalog{
		"openai": {
			"gpt-4o": {
				CatalogRate: CatalogRate{
					InputPerMtok:       f(2.50),
					OutputPerMtok:      f(10.00),
					CachedInputPerMtok: f(1.25),
				},
			},
			"gpt-4o-mini": {
				CatalogRate: CatalogRate{
					InputPerMtok:       f(0.15),
					OutputPerMtok:      f(0.60),
					CachedInputPerMtok: f(0.075),
				},
			},
			"gpt-5": {
				CatalogRate: CatalogRate{
					InputPerMtok:       f(1.25),
					OutputPerMtok:      f(10.00),
					CachedInputPerMtok: f(0.125),
				},
			},
			"gpt-5-mini": {
				CatalogRate: CatalogRate{
					InputPerMtok:       f(0.25),
					OutputPerMtok:      f(2.00),
					CachedInputPerMtok: f(0.025),
				},
			},
			"o3": {
				CatalogRate: CatalogRate{
					InputPerMtok:       f(2.00),
					OutputPerMtok:      f(8.00),
					CachedInputPerMtok: f(0.50),
				},
			},
		},
		"anthropic": {
			"claude-opus-4-1": {
				CatalogRate: CatalogRate{
					InputPerMtok:       f(15.00),
					OutputPerMtok:      f(75.00),
					CachedInputPerMtok: f(1.50),
				},
			},
			"claude-sonnet-4-5": {
				CatalogRate: CatalogRate{
					InputPerMtok:       f(3.00),
					OutputPerMtok:      f(15.00),
					CachedInputPerMtok: f(0.30),
				},
			},
			"claude-3-5-haiku": {
				CatalogRate: CatalogRate{
					InputPerMtok:       f(0.80),
					OutputPerMtok:      f(4.00),
					CachedInputPerMtok: f(0.08),
				},
			},
		},
		"gemini": {
			// Gemini 2.5 Pro prices step up past 200k prompt tokens.
			"gemini-2.5-pro": {
				Tiers: []CatalogRate{
					{
						ThresholdTokens: 200_000,
						InputPerMtok:    f(1.25),
						OutputPerMtok:   f(10.00),
					},
					{
						InputPerMtok:  f(2.50),
						OutputPerMtok: f(15.00),
					},
				},
			},
			"gemini-2.5-flash": {
				CatalogRate: CatalogRate{
					InputPerMtok:  f(0.30),
					OutputPerMtok: f(2.50),
				},
			},
		},
		"cohere": {
			// Re-ranking is billed per search, not per token.
			"rerank-v3.5": {
				CatalogRate: CatalogRate{PerRequest: f(0.002)},
			},
		},
		"openrouter": {
			// OpenRouter resells the underlying models at list price; the
			// calculator adds the pass-through markup on top.
			"gpt-4o": {
				CatalogRate: CatalogRate{
					InputPerMtok:  f(2.50),
					OutputPerMtok: f(10.00),
				},
			},
			"claude-sonnet-4-5": {
				CatalogRate: CatalogRate{
					InputPerMtok:  f(3.00),
					OutputPerMtok: f(15.00),
				},
			},
		},
	}
}

// DefaultTable resolves the built-in catalog. The catalog is static and
// known-valid, so resolution cannot fail; a panic here means a broken build.
func DefaultTable() *Table {
	table, err := DefaultCatalog().Resolve()
	if err != nil {
		panic("pricing: invalid built-in catalog: " + err.Error())
	}
	return table
}

func f(v float64) *float64 {
	return &v
}
