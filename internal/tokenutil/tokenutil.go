// Package tokenutil approximates token counts for usage accounting.
// The scribe providers bill per token but do not all report exact
// counts back, so the station estimates on its side of the wire.
package tokenutil

import "strings"

// EstimateTokens approximates how many tokens a provider would charge
// for content. English prose averages about 1.33 tokens per word; for
// code and non-Latin text, where whitespace undercounts badly, one
// token per four bytes is the floor.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	byWords := int(float64(len(strings.Fields(content))) * 1.33)
	byBytes := len(content) / 4
	if byWords > byBytes {
		return byWords
	}
	return byBytes
}
