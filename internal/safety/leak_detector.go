package safety

import (
	"regexp"
)

const redactedMark = "[REDACTED]"

// LeakWarning describes a secret found in outbound text or captured
// command output.
type LeakWarning struct {
	Pattern string
	Sample  string // leading chars of the match, for the audit trail
}

// LeakDetector scans strings for leaked secrets. It runs on every SVF
// body, telegram message and report narrative, and on sandbox output
// before it lands in the ledger.
type LeakDetector struct{}

// NewLeakDetector creates a new LeakDetector.
func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

// Patterns with a capture group keep group 1 (the key name or header)
// and redact the rest; groupless patterns are replaced whole.
var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)(Bearer)\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "bearer token",
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		desc: "Google API key",
	},
	{
		re:   regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
		desc: "OpenAI API key",
	},
	{
		re:   regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{35}\b`),
		desc: "telegram bot token",
	},
	{
		// The whole block, not just the header, so Redact removes the
		// key material even when the END marker was cut off.
		re:   regexp.MustCompile(`-----BEGIN[A-Z ]*PRIVATE KEY-----[\s\S]*?(?:-----END[A-Z ]*PRIVATE KEY-----|\z)`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// Scan checks text for leaked secrets without modifying it.
func (d *LeakDetector) Scan(text string) []LeakWarning {
	if text == "" {
		return nil
	}

	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		matches := pat.re.FindAllString(text, 3) // cap per pattern
		for _, match := range matches {
			sample := match
			if len(sample) > 10 {
				sample = sample[:10] + "..."
			}
			warnings = append(warnings, LeakWarning{
				Pattern: pat.desc,
				Sample:  sample,
			})
		}
	}
	return warnings
}

// Redact replaces every leak match with a placeholder, keeping the key
// name where the pattern captures one so the surrounding text still
// reads sensibly.
func (d *LeakDetector) Redact(text string) string {
	if text == "" {
		return text
	}

	out := text
	for _, pat := range leakPatterns {
		out = pat.re.ReplaceAllStringFunc(out, func(match string) string {
			sub := pat.re.FindStringSubmatch(match)
			if len(sub) >= 2 && sub[1] != "" {
				return sub[1] + " " + redactedMark
			}
			return redactedMark
		})
	}
	return out
}
