package cost

// ModelRate holds per-tier token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps model tiers to pricing. Tools report the tier that served
// each call; unknown tiers price at zero.
type Rates map[string]ModelRate

// DefaultRates returns the default per-tier pricing.
func DefaultRates() Rates {
	return Rates{
		"fast":     {Input: 0.80, Output: 4.00},
		"standard": {Input: 3.00, Output: 15.00},
		"deep":     {Input: 15.00, Output: 75.00},
	}
}

// Amount computes the cost of a call from reported token counts.
func (r Rates) Amount(tier string, inputTokens, outputTokens int64) float64 {
	rate, ok := r[tier]
	if !ok {
		return 0
	}
	return (float64(inputTokens)/1e6)*rate.Input + (float64(outputTokens)/1e6)*rate.Output
}

// DefaultEstimates returns the per-call cost estimates used for budget
// gating before a tool has been invoked.
func DefaultEstimates() map[string]float64 {
	return map[string]float64{
		"classify":           0.002,
		"metadata_extract":   0.01,
		"entity_extract":     0.02,
		"structure_parse":    0.05,
		"summarize":          0.04,
		"historical_context": 0.15,
	}
}
