package telemetry

import "github.com/aide-hq/aide/pkg/llm"

// Pricing is USD per million tokens for one model.
type Pricing struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheRead  float64 `yaml:"cache_read"`
	CacheWrite float64 `yaml:"cache_write"`
}

// PricingTable maps model identifiers to pricing. Unknown models cost zero
// so a missing table entry never fails a turn; it just under-reports.
type PricingTable map[string]Pricing

// DefaultPricing covers the model families the default config routes to.
func DefaultPricing() PricingTable {
	return PricingTable{
		"claude-haiku-4-5": {Input: 1.00, Output: 5.00, CacheRead: 0.10, CacheWrite: 1.25},
		"claude-sonnet-4-5": {Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75},
		"gpt-4o-mini": {Input: 0.15, Output: 0.60},
	}
}

// Cost computes the USD cost of one call. Pure: same inputs, same output.
func (t PricingTable) Cost(model string, u llm.Usage) float64 {
	p, ok := t[model]
	if !ok {
		return 0
	}
	const million = 1_000_000
	return float64(u.InputTokens)*p.Input/million +
		float64(u.OutputTokens)*p.Output/million +
		float64(u.CacheReadTokens)*p.CacheRead/million +
		float64(u.CacheWriteTokens)*p.CacheWrite/million
}
