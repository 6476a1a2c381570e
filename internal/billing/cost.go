package billing

import "math"

// CalculateCost prices a call from its token counts. Prices are quoted per
// million tokens; the result is rounded to 8 decimal places so repeated
// small debits stay exact in aggregate.
func CalculateCost(inputTokens, outputTokens int64, inputPrice, outputPrice float64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * inputPrice
	outputCost := float64(outputTokens) / 1_000_000 * outputPrice
	return math.Round((inputCost+outputCost)*1e8) / 1e8
}
