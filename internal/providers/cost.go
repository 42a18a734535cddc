package providers

import "strings"

// modelPricing is USD per million tokens.
type modelPricing struct {
	inputPerM  float64
	outputPerM float64
}

// Pricing keyed by model-name substring; first match wins, most specific
// first. Unknown models fall back to the default row so cost accounting
// never silently reports zero.
var pricingTable = []struct {
	match string
	price modelPricing
}{
	{"opus", modelPricing{inputPerM: 15.0, outputPerM: 75.0}},
	{"sonnet", modelPricing{inputPerM: 3.0, outputPerM: 15.0}},
	{"haiku", modelPricing{inputPerM: 0.80, outputPerM: 4.0}},
}

var defaultPricing = modelPricing{inputPerM: 3.0, outputPerM: 15.0}

// EstimateCost returns the USD cost of a request given token counts.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	p := defaultPricing
	lower := strings.ToLower(model)
	for _, row := range pricingTable {
		if strings.Contains(lower, row.match) {
			p = row.price
			break
		}
	}
	return float64(inputTokens)/1e6*p.inputPerM + float64(outputTokens)/1e6*p.outputPerM
}
