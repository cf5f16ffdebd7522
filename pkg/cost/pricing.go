package cost

import (
	"math"
	"strings"
)

// ModelPrice is USD per million tokens.
type ModelPrice struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Cost prices a call with the given token counts.
func (p ModelPrice) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1_000_000*nonNegative(p.Input) +
		float64(completionTokens)/1_000_000*nonNegative(p.Output)
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// Substring keys, first match wins, so more specific keys go first.
var builtinPrices = []struct {
	key   string
	price ModelPrice
}{
	{"claude-opus-4-5", ModelPrice{Input: 5.0, Output: 25.0}},
	{"claude-opus-4", ModelPrice{Input: 15.0, Output: 75.0}},
	{"claude-sonnet-4", ModelPrice{Input: 3.0, Output: 15.0}},
	{"claude-haiku-4", ModelPrice{Input: 1.0, Output: 5.0}},
	{"claude-3-5-haiku", ModelPrice{Input: 0.8, Output: 4.0}},
	{"gpt-4o-mini", ModelPrice{Input: 0.15, Output: 0.60}},
	{"gpt-4o", ModelPrice{Input: 2.5, Output: 10.0}},
	{"gpt-4.1-mini", ModelPrice{Input: 0.4, Output: 1.6}},
	{"gpt-4.1", ModelPrice{Input: 2.0, Output: 8.0}},
	{"o3-mini", ModelPrice{Input: 1.1, Output: 4.4}},
	{"deepseek-chat", ModelPrice{Input: 0.27, Output: 1.10}},
	{"deepseek-reasoner", ModelPrice{Input: 0.55, Output: 2.19}},
	{"gemini-2.5-pro", ModelPrice{Input: 1.25, Output: 10.0}},
	{"gemini-2.0-flash", ModelPrice{Input: 0.10, Output: 0.40}},
}

// PriceForModel looks up overrides by exact model name, then the built-in
// table by case-insensitive substring. Unknown models are free.
func PriceForModel(model string, overrides map[string]ModelPrice) ModelPrice {
	if p, ok := overrides[model]; ok {
		return p
	}
	lower := strings.ToLower(model)
	for _, bp := range builtinPrices {
		if strings.Contains(lower, bp.key) {
			return bp.price
		}
	}
	return ModelPrice{}
}
