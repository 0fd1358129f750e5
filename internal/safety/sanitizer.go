// Package safety scrubs text on its way out of the station and keeps the
// process inside its resource envelope. Every SVF body, telegram message
// and report narrative passes through the Sanitizer before anything an
// operator (or a rendered report) will see; the Governor backs the
// overseer off when the process runs hot.
package safety

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxOutboundLen caps outbound text. Telegram hard-limits messages at
// 4096 characters; staying under that means one cap serves every sink.
const MaxOutboundLen = 4000

// Finding names one alteration the sanitizer made to a piece of text.
// Kinds double as audit reasons.
type Finding struct {
	Kind   string // control_chars_stripped, markdown_link_neutralized, ...
	Detail string
}

// Sanitizer scrubs outbound text: control characters are dropped, markdown
// and HTML constructs that could hijack a rendered report are defanged,
// secrets are redacted and overlong text is truncated.
type Sanitizer struct {
	maxLen int
	leaks  *LeakDetector
}

// NewSanitizer creates a Sanitizer with the default length cap.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{maxLen: MaxOutboundLen, leaks: NewLeakDetector()}
}

type markupRule struct {
	re         *regexp.Regexp
	kind       string
	neutralize func(match string) string
}

// Rule order matters: defanging scheme links first means the image rule
// never double-escapes an exfiltration beacon it already broke.
var markupRules = []markupRule{
	// Links with active schemes (javascript:, data:, ...). A leading
	// backslash makes markdown render the whole construct literally.
	{
		re:   regexp.MustCompile(`(?i)\[[^\]]*\]\(\s*(javascript|data|vbscript|file)\s*:[^)]*\)`),
		kind: "markdown_link_neutralized",
		neutralize: func(m string) string {
			return `\` + m
		},
	},
	// Images auto-fetch when a report renders, which turns an injected
	// body into a tracking beacon. Escaping the bang leaves a plain link.
	{
		re:   regexp.MustCompile(`!\[[^\]]*\]\([^)]+\)`),
		kind: "markdown_image_neutralized",
		neutralize: func(m string) string {
			return `\` + m
		},
	},
	// Raw HTML tags. Entity-escape the brackets so `a < b` prose is left
	// alone but `<script>` never reaches a renderer intact.
	{
		re:   regexp.MustCompile(`<\s*/?[a-zA-Z][^<>]*>`),
		kind: "html_tag_neutralized",
		neutralize: func(m string) string {
			return strings.NewReplacer("<", "&lt;", ">", "&gt;").Replace(m)
		},
	},
}

// Outbound scrubs text bound for an SVF channel, the telegram channel or a
// report narrative. The returned findings name every alteration so callers
// can audit them; clean text comes back untouched with no findings.
func (s *Sanitizer) Outbound(text string) (string, []Finding) {
	if text == "" {
		return text, nil
	}

	var findings []Finding

	out, dropped := stripControl(text)
	if dropped > 0 {
		findings = append(findings, Finding{
			Kind:   "control_chars_stripped",
			Detail: fmt.Sprintf("%d character(s)", dropped),
		})
	}

	for _, rule := range markupRules {
		matches := len(rule.re.FindAllStringIndex(out, -1))
		if matches == 0 {
			continue
		}
		out = rule.re.ReplaceAllStringFunc(out, rule.neutralize)
		findings = append(findings, Finding{
			Kind:   rule.kind,
			Detail: fmt.Sprintf("%d match(es)", matches),
		})
	}

	// Redact before truncating so a secret straddling the cap cannot
	// slip through half-cut and unrecognized.
	if warnings := s.leaks.Scan(out); len(warnings) > 0 {
		out = s.leaks.Redact(out)
		for _, w := range warnings {
			findings = append(findings, Finding{Kind: "secret_redacted", Detail: w.Pattern})
		}
	}

	if len(out) > s.maxLen {
		over := len(out) - s.maxLen
		cut := s.maxLen
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "\n[truncated]"
		findings = append(findings, Finding{
			Kind:   "truncated",
			Detail: fmt.Sprintf("%d byte(s) over cap", over),
		})
	}

	return out, findings
}

// stripControl drops control characters and unicode direction overrides,
// keeping newlines and tabs. Returns the cleaned text and how many runes
// were removed.
func stripControl(text string) (string, int) {
	dropped := 0
	out := strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case unicode.IsControl(r):
			dropped++
			return -1
		case r >= 0x202a && r <= 0x202e, r >= 0x2066 && r <= 0x2069:
			// Bidirectional overrides render text backwards and are a
			// spoofing vector in filenames and crew messages.
			dropped++
			return -1
		}
		return r
	}, text)
	return out, dropped
}
