package usage

import (
	"strings"
	"sync"
)

// Rate prices one model in USD per 1000 tokens.
type Rate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// CostTable maps model names to rates. Lookup picks the longest matching
// prefix so dated releases ("gpt-4o-2024-11-20") price like their family;
// unknown models fall back to a conservative default rate.
type CostTable struct {
	mu       sync.RWMutex
	rates    map[string]Rate
	fallback Rate
}

// defaultRates covers the models the router ships providers for. Local
// models (ollama, static) cost nothing.
var defaultRates = map[string]Rate{
	"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4":             {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-3.5-turbo":     {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"gemini-1.5-pro":    {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash":  {InputPer1K: 0.000075, OutputPer1K: 0.0003},
	"gemini-2.0-flash":  {InputPer1K: 0.0001, OutputPer1K: 0.0004},
}

// DefaultCostTable returns the built-in rate table.
func DefaultCostTable() *CostTable {
	rates := make(map[string]Rate, len(defaultRates))
	for model, rate := range defaultRates {
		rates[model] = rate
	}
	return &CostTable{
		rates:    rates,
		fallback: Rate{InputPer1K: 0.001, OutputPer1K: 0.002},
	}
}

// SetRate overrides the rate for one model, typically from per-model config.
func (t *CostTable) SetRate(model string, rate Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[model] = rate
}

// Rate resolves the rate for model by longest prefix.
func (t *CostTable) Rate(model string) Rate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best := ""
	rate := t.fallback
	for prefix, r := range t.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
			rate = r
		}
	}
	return rate
}

// Cost prices a call in USD from its token counts.
func (t *CostTable) Cost(model string, inputTokens, outputTokens int) float64 {
	r := t.Rate(model)
	return float64(inputTokens)/1000*r.InputPer1K + float64(outputTokens)/1000*r.OutputPer1K
}
