// Package integrity audits the station's reports against its ledgers.
// Reports are narrative artifacts, and nothing stops a narrative from
// drifting away from the numbers. The auditor parses every report under
// reports/, extracts the figures each one claims, recomputes those
// figures from the heartbeat ledger as it stood at the report's own
// timestamp, and records a finding for every disagreement.
package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/heartbeat"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/pulse"
	"github.com/Narth/Calyx-sub001/internal/shared"
	"github.com/Narth/Calyx-sub001/internal/tes"
)

// Finding kinds, as they appear in audit reports and the findings table.
const (
	KindTESMismatch       = "FINDING_TES_MISMATCH"
	KindTestCount         = "FINDING_TEST_COUNT"
	KindUnknownRoster     = "FINDING_UNKNOWN_ROSTER"
	KindSelfContradiction = "FINDING_SELF_CONTRADICTION"
)

// DefaultTolerance is how far a claimed TES may sit from the recomputed
// one before it counts as drift. Reports round to two decimals and may
// sample the ledger a cycle before their stamp; 0.05 absorbs both.
const DefaultTolerance = 0.05

// Config locates the material under audit.
type Config struct {
	ReportsDir    string
	HeartbeatPath string
	Mode          tes.Mode
	Window        int
	Tolerance     float64
}

// Auditor sweeps reports/ and writes findings.
type Auditor struct {
	store  *persistence.Store
	bus    *bus.Bus
	cfg    Config
	logger *slog.Logger
}

// New builds an auditor. The bus may be nil.
func New(store *persistence.Store, b *bus.Bus, cfg Config, logger *slog.Logger) *Auditor {
	if cfg.Mode == "" {
		cfg.Mode = tes.ModeGraduated
	}
	if cfg.Window <= 0 {
		cfg.Window = tes.DefaultWindow
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{store: store, bus: b, cfg: cfg, logger: logger}
}

// Audit is the outcome of one sweep.
type Audit struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Scanned     int                   `json:"scanned"`
	Findings    []persistence.Finding `json:"findings"`
	ReportPath  string                `json:"report_path"`
}

// Clean reports whether the sweep found nothing to flag.
func (a *Audit) Clean() bool { return len(a.Findings) == 0 }

// Run sweeps every report, writes the audit report, persists findings
// and announces each one on the bus.
func (a *Auditor) Run(ctx context.Context) (*Audit, error) {
	now := time.Now().UTC()
	rows, _, err := heartbeat.ReadAll(a.cfg.HeartbeatPath)
	if err != nil {
		return nil, fmt.Errorf("read heartbeat ledger: %w", err)
	}
	paths, err := a.reportFiles()
	if err != nil {
		return nil, err
	}

	audit := &Audit{GeneratedAt: now}
	for _, path := range paths {
		source, err := os.ReadFile(path)
		if err != nil {
			a.logger.Warn("unreadable report, skipping", "path", path, "error", err)
			continue
		}
		audit.Scanned++
		audit.Findings = append(audit.Findings, a.auditOne(path, source, rows, now)...)
	}

	audit.ReportPath = filepath.Join(a.cfg.ReportsDir, "integrity_audit_"+now.Format(pulse.StampLayout)+".md")
	for i := range audit.Findings {
		audit.Findings[i].ReportPath = audit.ReportPath
	}
	if err := os.MkdirAll(a.cfg.ReportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare reports dir: %w", err)
	}
	var sb strings.Builder
	if err := WriteMarkdown(&sb, audit); err != nil {
		return nil, err
	}
	if err := os.WriteFile(audit.ReportPath, []byte(sb.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write audit report: %w", err)
	}
	if err := a.store.InsertFindings(ctx, audit.Findings); err != nil {
		return nil, fmt.Errorf("persist findings: %w", err)
	}
	if a.bus != nil {
		for _, f := range audit.Findings {
			a.bus.Publish(bus.TopicIntegrityFinding, bus.IntegrityFindingEvent{
				Kind:       f.Kind,
				Severity:   f.Severity,
				Artifact:   f.Artifact,
				Detail:     f.Detail,
				ReportPath: f.ReportPath,
			})
		}
	}
	a.logger.Info("integrity audit complete",
		"scanned", audit.Scanned,
		"findings", len(audit.Findings),
		"report", audit.ReportPath)
	return audit, nil
}

// reportFiles lists the reports to audit: every markdown file under
// reports/ except prior audits and the latest-pulse alias.
func (a *Auditor) reportFiles() ([]string, error) {
	entries, err := os.ReadDir(a.cfg.ReportsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list reports: %w", err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		if strings.HasPrefix(name, "integrity_audit_") || name == "latest.md" {
			continue
		}
		if e.Type()&fs.ModeSymlink != 0 {
			continue
		}
		paths = append(paths, filepath.Join(a.cfg.ReportsDir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// auditOne checks a single report. Duplicate findings collapse: a mean
// repeated in a table and again in prose is one disagreement, not two.
func (a *Auditor) auditOne(path string, source []byte, rows []heartbeat.Row, now time.Time) []persistence.Finding {
	artifact := filepath.Base(path)
	claims := ExtractClaims(source)
	past := ledgerAt(rows, reportTime(path, claims, now))

	var findings []persistence.Finding
	findings = append(findings, a.checkTES(artifact, claims, past)...)
	findings = append(findings, a.checkTests(artifact, claims, past)...)
	findings = append(findings, checkRoster(artifact, claims)...)
	findings = append(findings, a.checkContradictions(artifact, claims)...)

	seen := map[string]bool{}
	dedup := findings[:0]
	for _, f := range findings {
		key := f.Kind + "|" + f.Detail
		if seen[key] {
			continue
		}
		seen[key] = true
		dedup = append(dedup, f)
	}
	return dedup
}

// reportTime pins a report to the ledger timeline: the stamp in its
// filename, else a stamp in its body, else now.
func reportTime(path string, claims Claims, now time.Time) time.Time {
	if m := stampRe.FindString(filepath.Base(path)); m != "" {
		if ts, err := time.Parse(pulse.StampLayout, m); err == nil {
			return ts
		}
	}
	if !claims.Stamp.IsZero() {
		return claims.Stamp
	}
	return now
}

// ledgerAt returns the rows written at or before t. Claims are judged
// against the ledger the report could have seen, not rows written
// after it.
func ledgerAt(rows []heartbeat.Row, t time.Time) []heartbeat.Row {
	cut := len(rows)
	for cut > 0 && rows[cut-1].Timestamp.After(t) {
		cut--
	}
	return rows[:cut]
}

func (a *Auditor) checkTES(artifact string, claims Claims, rows []heartbeat.Row) []persistence.Finding {
	var out []persistence.Finding
	for _, c := range claims.TES {
		n := c.Window
		if n <= 0 {
			n = a.cfg.Window
		}
		actual := tes.Window(rows, n, a.cfg.Mode)
		if actual.Count == 0 {
			out = append(out, persistence.Finding{
				Kind:     KindTESMismatch,
				Severity: persistence.FindingSeverityError,
				Artifact: artifact,
				Detail:   fmt.Sprintf("claims TES %.2f but the ledger holds no cycles at the report's time", c.Value),
			})
			continue
		}
		if math.Abs(c.Value-actual.Mean) > a.cfg.Tolerance {
			out = append(out, persistence.Finding{
				Kind:     KindTESMismatch,
				Severity: persistence.FindingSeverityWarn,
				Artifact: artifact,
				Detail: fmt.Sprintf("claims TES %.2f (window %d); the ledger recomputes %.2f over %d rows",
					c.Value, n, actual.Mean, actual.Count),
			})
		}
	}
	return out
}

// checkTests verifies n/m test tallies against the verification column
// of the ledger window.
func (a *Auditor) checkTests(artifact string, claims Claims, rows []heartbeat.Row) []persistence.Finding {
	if len(rows) > a.cfg.Window {
		rows = rows[len(rows)-a.cfg.Window:]
	}
	passed := 0
	for _, r := range rows {
		if r.RunTests == heartbeat.TestsPassed {
			passed++
		}
	}
	var out []persistence.Finding
	for _, c := range claims.Tests {
		if c.Passed > c.Total {
			out = append(out, persistence.Finding{
				Kind:     KindSelfContradiction,
				Severity: persistence.FindingSeverityError,
				Artifact: artifact,
				Detail:   fmt.Sprintf("claims %d/%d tests passed; a tally cannot exceed its own total", c.Passed, c.Total),
			})
			continue
		}
		if c.Passed > passed {
			out = append(out, persistence.Finding{
				Kind:     KindTestCount,
				Severity: persistence.FindingSeverityWarn,
				Artifact: artifact,
				Detail: fmt.Sprintf("claims %d passing tests; the ledger window shows %d cycles with passing tests",
					c.Passed, passed),
			})
		}
	}
	return out
}

// checkRoster flags member ids a report names that the station never
// commissioned.
func checkRoster(artifact string, claims Claims) []persistence.Finding {
	var out []persistence.Finding
	for _, id := range claims.Rosters {
		if shared.ValidRosterID(id) {
			continue
		}
		out = append(out, persistence.Finding{
			Kind:     KindUnknownRoster,
			Severity: persistence.FindingSeverityWarn,
			Artifact: artifact,
			Detail:   fmt.Sprintf("names %s, which is not on the station roster", id),
		})
	}
	return out
}

// checkContradictions flags a report that disagrees with itself: two
// figures for the same window that cannot both be true.
func (a *Auditor) checkContradictions(artifact string, claims Claims) []persistence.Finding {
	byWindow := map[int][]TESClaim{}
	for _, c := range claims.TES {
		n := c.Window
		if n <= 0 {
			n = a.cfg.Window
		}
		byWindow[n] = append(byWindow[n], c)
	}
	windows := make([]int, 0, len(byWindow))
	for n := range byWindow {
		windows = append(windows, n)
	}
	sort.Ints(windows)

	var out []persistence.Finding
	for _, n := range windows {
		group := byWindow[n]
		lo, hi := group[0].Value, group[0].Value
		for _, c := range group[1:] {
			lo = math.Min(lo, c.Value)
			hi = math.Max(hi, c.Value)
		}
		if hi-lo > a.cfg.Tolerance {
			out = append(out, persistence.Finding{
				Kind:     KindSelfContradiction,
				Severity: persistence.FindingSeverityError,
				Artifact: artifact,
				Detail:   fmt.Sprintf("asserts TES %.2f and %.2f for the same window of %d", lo, hi, n),
			})
		}
	}
	return out
}

// Process lets the overseer run audits through the cycle queue.
func (a *Auditor) Process(ctx context.Context, cycle persistence.Cycle) (string, error) {
	audit, err := a.Run(ctx)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]any{
		"report_path": audit.ReportPath,
		"scanned":     audit.Scanned,
		"findings":    len(audit.Findings),
		"run_id":      shared.RunID(ctx),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
