package integrity

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/Narth/Calyx-sub001/internal/pulse"
)

// Claim origins.
const (
	fromTable = "table"
	fromProse = "prose"
)

// TESClaim is one efficacy figure a report asserts.
type TESClaim struct {
	Window int // rows the claim covers; 0 when unstated
	Value  float64
	Where  string // table or prose
}

// TestClaim is an "n/m tests passed" style tally.
type TestClaim struct {
	Passed int
	Total  int
}

// Claims holds everything checkable a single report asserts.
type Claims struct {
	TES     []TESClaim
	Tests   []TestClaim
	Rosters []string  // distinct member ids mentioned, hyphens stripped
	Stamp   time.Time // stamp found in the report body; zero when absent
}

var (
	mdOnce   sync.Once
	mdParser goldmark.Markdown
)

// reportParser returns the shared GFM parser. Goldmark instances are
// safe for concurrent parsing, so one serves every sweep.
func reportParser() goldmark.Markdown {
	mdOnce.Do(func() {
		mdParser = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return mdParser
}

var (
	stampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}Z`)
	// Window labels as pulse tables write them: "last 50", "recent 10".
	windowCellRe = regexp.MustCompile(`(?i)^(?:last|recent)\s+(\d+)$`)
	windowSpanRe = regexp.MustCompile(`(?i)\b(?:last|recent)\s+(\d+)\b`)
	// A TES mention followed by a decimal within the same breath. Whole
	// numbers are left alone; every honest TES is written 0.xx or 1.0.
	tesProseRe  = regexp.MustCompile(`(?i)\bTES\b.{0,80}?\b(\d\.\d{1,4})\b`)
	tesLabelRe  = regexp.MustCompile(`\bTES\b`)
	ratioRe     = regexp.MustCompile(`\b(\d+)\s*/\s*(\d+)\b`)
	testCountRe = regexp.MustCompile(`(?i)\b(\d+)\s*/\s*(\d+)(?:\s+\w+)?\s+tests?\b|\btests?(?:\s+pass(?:ed|ing))?\s*[:=]\s*(\d+)\s*/\s*(\d+)`)
	rosterRe    = regexp.MustCompile(`\bC(?:P-?\d{1,3}|BO)\b`)
)

// ExtractClaims parses one report and collects every assertion the
// auditor knows how to check. Tables are read structurally; everything
// else is scanned as prose.
func ExtractClaims(source []byte) Claims {
	doc := reportParser().Parser().Parse(text.NewReader(source))

	var claims Claims
	var prose strings.Builder
	roster := map[string]bool{}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case extast.KindTable:
			rows := tableCells(n, source)
			claims.TES = append(claims.TES, tableTES(rows)...)
			claims.Tests = append(claims.Tests, tableTests(rows)...)
			for _, row := range rows {
				for _, cell := range row {
					collectRoster(roster, cell)
				}
			}
			return ast.WalkSkipChildren, nil
		case ast.KindParagraph, ast.KindHeading, ast.KindTextBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				prose.Write(seg.Value(source))
				prose.WriteByte('\n')
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	body := prose.String()
	claims.TES = append(claims.TES, proseTES(body)...)
	claims.Tests = append(claims.Tests, proseTests(body)...)
	collectRoster(roster, body)
	if m := stampRe.FindString(body); m != "" {
		if ts, err := time.Parse(pulse.StampLayout, m); err == nil {
			claims.Stamp = ts
		}
	}
	for id := range roster {
		claims.Rosters = append(claims.Rosters, id)
	}
	sort.Strings(claims.Rosters)
	return claims
}

// tableCells flattens a GFM table into rows of plain cell text, header
// row first.
func tableCells(table ast.Node, source []byte) [][]string {
	var rows [][]string
	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		if k := row.Kind(); k != extast.KindTableHeader && k != extast.KindTableRow {
			continue
		}
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, strings.TrimSpace(nodeText(cell, source)))
		}
		rows = append(rows, cells)
	}
	return rows
}

// nodeText concatenates the raw text under a node.
func nodeText(n ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			if t, ok := child.(*ast.Text); ok {
				b.Write(t.Segment.Value(source))
			}
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// tableTES reads efficacy figures out of one table: window rows under
// a Mean column, or label/value gauge rows naming TES outright.
func tableTES(rows [][]string) []TESClaim {
	if len(rows) < 2 {
		return nil
	}
	meanCol := -1
	for i, h := range rows[0] {
		if strings.EqualFold(strings.TrimSpace(h), "mean") {
			meanCol = i
		}
	}
	var out []TESClaim
	for _, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		label := row[0]
		if meanCol > 0 && meanCol < len(row) {
			if m := windowCellRe.FindStringSubmatch(label); m != nil {
				n, _ := strconv.Atoi(m[1])
				if v, err := strconv.ParseFloat(row[meanCol], 64); err == nil {
					out = append(out, TESClaim{Window: n, Value: v, Where: fromTable})
					continue
				}
			}
		}
		if len(row) >= 2 && tesLabelRe.MatchString(label) {
			if v, err := strconv.ParseFloat(row[1], 64); err == nil {
				out = append(out, TESClaim{Value: v, Where: fromTable})
			}
		}
	}
	return out
}

// tableTests finds test tallies in labeled rows, e.g. "| Tests | 6/6 |".
func tableTests(rows [][]string) []TestClaim {
	var out []TestClaim
	for _, row := range rows {
		if len(row) < 2 || !strings.Contains(strings.ToLower(row[0]), "test") {
			continue
		}
		for _, cell := range row[1:] {
			if m := ratioRe.FindStringSubmatch(cell); m != nil {
				p, _ := strconv.Atoi(m[1])
				t, _ := strconv.Atoi(m[2])
				out = append(out, TestClaim{Passed: p, Total: t})
			}
		}
	}
	return out
}

func proseTES(body string) []TESClaim {
	var out []TESClaim
	for _, idx := range tesProseRe.FindAllStringSubmatchIndex(body, -1) {
		v, err := strconv.ParseFloat(body[idx[2]:idx[3]], 64)
		if err != nil {
			continue
		}
		c := TESClaim{Value: v, Where: fromProse}
		// The window phrase can sit just before the mention, as in
		// "over the last 50 cycles, TES averaged", so the span looks
		// a little left of the match.
		start := idx[0] - 40
		if start < 0 {
			start = 0
		}
		if m := windowSpanRe.FindStringSubmatch(body[start:idx[1]]); m != nil {
			c.Window, _ = strconv.Atoi(m[1])
		}
		out = append(out, c)
	}
	return out
}

func proseTests(body string) []TestClaim {
	var out []TestClaim
	for _, m := range testCountRe.FindAllStringSubmatch(body, -1) {
		p, t := m[1], m[2]
		if p == "" {
			p, t = m[3], m[4]
		}
		passed, _ := strconv.Atoi(p)
		total, _ := strconv.Atoi(t)
		out = append(out, TestClaim{Passed: passed, Total: total})
	}
	return out
}

func collectRoster(seen map[string]bool, body string) {
	for _, tok := range rosterRe.FindAllString(body, -1) {
		seen[strings.ReplaceAll(tok, "-", "")] = true
	}
}
