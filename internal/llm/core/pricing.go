package core

import "strings"

// ModelPricing is priced in USD per 1M tokens.
type ModelPricing struct {
	InputPerMTokUSD      float64 `toml:"input"`
	OutputPerMTokUSD     float64 `toml:"output"`
	CacheReadPerMTokUSD  float64 `toml:"cache_read"`
	CacheWritePerMTokUSD float64 `toml:"cache_write"`
}

// CalculateCost returns the USD cost for the usage snapshot.
func CalculateCost(u Usage, p ModelPricing) float64 {
	input := (float64(u.InputTokens) / 1_000_000.0) * p.InputPerMTokUSD
	output := (float64(u.OutputTokens) / 1_000_000.0) * p.OutputPerMTokUSD
	cacheRead := (float64(u.CacheReadTokens) / 1_000_000.0) * p.CacheReadPerMTokUSD
	cacheWrite := (float64(u.CacheWriteTokens) / 1_000_000.0) * p.CacheWritePerMTokUSD
	return input + output + cacheRead + cacheWrite
}

// LookupPricing finds pricing for model. An exact key wins; otherwise the
// longest key that prefixes model is used, so dated snapshots such as
// "gpt-4o-2024-08-06" resolve to "gpt-4o".
func LookupPricing(table map[string]ModelPricing, model string) (*ModelPricing, bool) {
	if pricing, ok := table[model]; ok {
		return &pricing, true
	}
	best := ""
	for key := range table {
		if key != "" && strings.HasPrefix(model, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return nil, false
	}
	pricing := table[best]
	return &pricing, true
}
