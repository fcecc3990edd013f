// Package cost estimates the USD cost of model calls from configured rates.
package cost

import "github.com/sells-group/bid-intel/internal/model"

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes costs for model usage.
type Calculator struct {
	rates map[string]ModelRate
}

// NewCalculator creates a Calculator. A nil or empty map falls back to
// DefaultRates.
func NewCalculator(rates map[string]ModelRate) *Calculator {
	if len(rates) == 0 {
		rates = DefaultRates()
	}
	return &Calculator{rates: rates}
}

// Claude computes the cost of one call. Unknown models cost 0.
func (c *Calculator) Claude(modelID string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates[modelID]
	if !ok {
		return 0
	}
	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul
	return inCost + outCost + cwCost + crCost
}

// Call fills in CostUSD on an LLM call record from its token counts.
func (c *Calculator) Call(call *model.LLMCall) {
	call.CostUSD = c.Claude(call.Model, call.InputTokens, call.OutputTokens, call.CacheWriteTokens, call.CacheReadTokens)
}

// Total sums the cost of a run's calls.
func Total(calls []model.LLMCall) float64 {
	var sum float64
	for _, c := range calls {
		sum += c.CostUSD
	}
	return sum
}

// DefaultRates returns the built-in pricing table.
func DefaultRates() map[string]ModelRate {
	return map[string]ModelRate{
		"claude-haiku-4-5-20251001": {
			Input: 0.80, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-sonnet-4-5-20250929": {
			Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-opus-4-6": {
			Input: 15.00, Output: 75.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
	}
}
