// Package pricing estimates what the scribe's narration costs. The
// station runs for weeks unattended, so the usage line in status
// reports carries a dollar figure rather than raw token counts.
package pricing

// Rate is a model's list price in USD per million tokens.
type Rate struct {
	InPer1M  float64
	OutPer1M float64
}

// List prices as of Feb 2026, covering the models the scribe can be
// pointed at. Unknown models price at zero rather than guessing.
var rates = map[string]Rate{
	// Gemini
	"gemini-2.0-flash-exp":  {0.0, 0.0},
	"gemini-1.5-pro":        {1.25, 5.00},
	"gemini-2.5-flash":      {0.075, 0.30},
	"gemini-2.5-flash-lite": {0.0, 0.0},
	// Anthropic
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
}

// Lookup reports the rate card entry for a model.
func Lookup(model string) (Rate, bool) {
	r, ok := rates[model]
	return r, ok
}

// EstimateCost prices one narration call in USD.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	r, ok := rates[model]
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*r.InPer1M +
		(float64(completionTokens)/1_000_000)*r.OutPer1M
}
