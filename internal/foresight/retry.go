package foresight

import (
	"fmt"
	"strings"
)

// buildRetryDirective wraps the original directive with the error from
// the failed attempt so the member can correct course instead of
// repeating it.
func buildRetryDirective(directive, lastError string, attempt int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Attempt %d of a directive that previously failed.\n\n", attempt))
	sb.WriteString(fmt.Sprintf("Original directive: %s\n\n", directive))
	if lastError != "" {
		sb.WriteString(fmt.Sprintf("Previous attempt failed with: %s\n\n", lastError))
	}
	sb.WriteString("Adjust the approach before executing again.")
	return sb.String()
}
