package pricing

import (
	"fmt"
	"os"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"goledger/internal/nanousd"
)

// CatalogRate is the on-disk shape of one price point, in USD per million
// tokens. Pointer fields distinguish "not configured" from an explicit zero.
type CatalogRate struct {
	ThresholdTokens int      `yaml:"threshold_tokens,omitempty" json:"threshold_tokens,omitempty"`
	InputPerMtok    *float64 `yaml:"input_per_mtok,omitempty" json:"input_per_mtok,omitempty"`
	OutputPerMtok   *float64 `yaml:"output_per_mtok,omitempty" json:"output_per_mtok,omitempty"`
	ReasoningPerMtok   *float64 `yaml:"reasoning_per_mtok,omitempty" json:"reasoning_per_mtok,omitempty"`
	CachedInputPerMtok *float64 `yaml:"cached_input_per_mtok,omitempty" json:"cached_input_per_mtok,omitempty"`
	PerRequest         *float64 `yaml:"per_request,omitempty" json:"per_request,omitempty"`
}

// CatalogModel is the on-disk pricing for one model: either the flat fields
// inline, or a tier list.
type CatalogModel struct {
	CatalogRate `yaml:",inline"`
	Tiers       []CatalogRate `yaml:"tiers,omitempty" json:"tiers,omitempty"`
}

// Catalog maps provider -> model -> pricing.
type Catalog map[string]map[string]CatalogModel

// Resolve converts a catalog into a normalized pricing table, translating
// USD-per-Mtok floats into nano-USD integers exactly once.
func (c Catalog) Resolve() (*Table, error) {
	models := make(map[string]*ModelPricing)
	for provider, providerModels := range c {
		for model, cm := range providerModels {
			mp, err := resolveModel(cm)
			if err != nil {
				return nil, fmt.Errorf("catalog entry %s/%s: %w", provider, model, err)
			}
			models[Key(provider, model)] = mp
		}
	}
	return NewTable(models)
}

// LoadYAMLFile reads a YAML pricing catalog and resolves it into a table.
func LoadYAMLFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing catalog: %w", err)
	}
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse pricing catalog %s: %w", path, err)
	}
	return catalog.Resolve()
}

// ParseCatalogJSON parses a loose JSON pricing catalog. Legacy exports store
// prices inconsistently (numbers, numeric strings, flat fields next to tier
// lists), so this goes through gjson and coerces everything to one shape
// before resolving.
func ParseCatalogJSON(data []byte) (*Table, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid pricing catalog JSON")
	}

	catalog := make(Catalog)
	var parseErr error

	gjson.ParseBytes(data).ForEach(func(provider, providerModels gjson.Result) bool {
		if !providerModels.IsObject() {
			parseErr = fmt.Errorf("provider %s: expected object of models", provider.String())
			return false
		}
		entry := make(map[string]CatalogModel)
		providerModels.ForEach(func(model, body gjson.Result) bool {
			cm := CatalogModel{CatalogRate: jsonRate(body)}
			body.Get("tiers").ForEach(func(_, tier gjson.Result) bool {
				cm.Tiers = append(cm.Tiers, jsonRate(tier))
				return true
			})
			entry[model.String()] = cm
			return true
		})
		catalog[provider.String()] = entry
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return catalog.Resolve()
}

// LoadJSONFile reads a loose JSON pricing catalog from disk.
func LoadJSONFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing catalog: %w", err)
	}
	return ParseCatalogJSON(data)
}

// jsonRate extracts a CatalogRate from a gjson object, tolerating numeric
// strings.
func jsonRate(body gjson.Result) CatalogRate {
	rate := CatalogRate{
		ThresholdTokens: int(body.Get("threshold_tokens").Int()),
	}
	rate.InputPerMtok = jsonPrice(body, "input_per_mtok")
	rate.OutputPerMtok = jsonPrice(body, "output_per_mtok")
	rate.ReasoningPerMtok = jsonPrice(body, "reasoning_per_mtok")
	rate.CachedInputPerMtok = jsonPrice(body, "cached_input_per_mtok")
	rate.PerRequest = jsonPrice(body, "per_request")
	return rate
}

func jsonPrice(body gjson.Result, field string) *float64 {
	v := body.Get(field)
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	f := v.Float()
	return &f
}

// resolveModel turns one catalog entry into a tagged ModelPricing.
func resolveModel(cm CatalogModel) (*ModelPricing, error) {
	if len(cm.Tiers) > 0 {
		mp := &ModelPricing{}
		for _, ct := range cm.Tiers {
			rate, err := resolveRate(ct)
			if err != nil {
				return nil, err
			}
			mp.Tiers = append(mp.Tiers, Tier{ThresholdTokens: ct.ThresholdTokens, Rate: rate})
		}
		return mp, nil
	}
	rate, err := resolveRate(cm.CatalogRate)
	if err != nil {
		return nil, err
	}
	return &ModelPricing{Flat: &rate}, nil
}

func resolveRate(cr CatalogRate) (Rate, error) {
	if cr.InputPerMtok == nil && cr.OutputPerMtok == nil && cr.PerRequest == nil {
		return Rate{}, fmt.Errorf("rate needs input/output prices or a per-request fee")
	}
	rate := Rate{
		InputPerMtok:  usdPrice(cr.InputPerMtok),
		OutputPerMtok: usdPrice(cr.OutputPerMtok),
	}
	if cr.ReasoningPerMtok != nil {
		rate.ReasoningPerMtok = nanoPtr(*cr.ReasoningPerMtok)
	}
	if cr.CachedInputPerMtok != nil {
		rate.CachedInputPerMtok = nanoPtr(*cr.CachedInputPerMtok)
	}
	if cr.PerRequest != nil {
		rate.PerRequest = nanoPtr(*cr.PerRequest)
	}
	return rate, nil
}

func usdPrice(v *float64) int64 {
	if v == nil {
		return 0
	}
	return nanousd.FromUSD(*v)
}

func nanoPtr(usd float64) *int64 {
	n := nanousd.FromUSD(usd)
	return &n
}
