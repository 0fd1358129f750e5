package integrity

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Narth/Calyx-sub001/internal/pulse"
)

// Render writes the audit in the requested format.
func Render(w io.Writer, a *Audit, format string) error {
	switch format {
	case "json":
		return WriteJSON(w, a)
	case "", "markdown":
		return WriteMarkdown(w, a)
	default:
		return fmt.Errorf("unknown audit format %q", format)
	}
}

// WriteJSON emits the raw audit.
func WriteJSON(w io.Writer, a *Audit) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}

// WriteMarkdown renders the audit report, one row per finding.
func WriteMarkdown(w io.Writer, a *Audit) error {
	fmt.Fprintln(w, "# Integrity Audit")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "- Generated: %s\n", a.GeneratedAt.UTC().Format(pulse.StampLayout))
	fmt.Fprintf(w, "- Reports scanned: %d\n", a.Scanned)
	fmt.Fprintf(w, "- Findings: %d\n", len(a.Findings))
	fmt.Fprintln(w)
	if len(a.Findings) == 0 {
		fmt.Fprintln(w, "Every report agrees with the ledger.")
		return nil
	}
	fmt.Fprintln(w, "| Severity | Kind | Artifact | Detail |")
	fmt.Fprintln(w, "|----------|------|----------|--------|")
	for _, f := range a.Findings {
		fmt.Fprintf(w, "| %s | %s | %s | %s |\n", f.Severity, f.Kind, f.Artifact, f.Detail)
	}
	return nil
}
