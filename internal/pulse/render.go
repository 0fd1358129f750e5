package pulse

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Narth/Calyx-sub001/internal/persistence"
)

// Table orderings. Maps iterate randomly; reports must not.
var (
	cycleOrder = []persistence.CycleStatus{
		persistence.CycleStatusQueued, persistence.CycleStatusClaimed,
		persistence.CycleStatusRunning, persistence.CycleStatusRetryWait,
		persistence.CycleStatusSucceeded, persistence.CycleStatusFailed,
		persistence.CycleStatusCanceled, persistence.CycleStatusDeadLetter,
	}
	leaseOrder = []persistence.LeaseStatus{
		persistence.LeaseStatusIssued, persistence.LeaseStatusActive,
		persistence.LeaseStatusReleased, persistence.LeaseStatusExpired,
		persistence.LeaseStatusRevoked,
	}
	intentOrder = []persistence.IntentStatus{
		persistence.IntentStatusDraft, persistence.IntentStatusProposed,
		persistence.IntentStatusApproved, persistence.IntentStatusLeased,
		persistence.IntentStatusExecuted, persistence.IntentStatusRetired,
		persistence.IntentStatusRejected, persistence.IntentStatusAbandoned,
	}
)

// Render writes the snapshot in the requested format. Markdown is the
// report surface; json feeds the dashboard and scripts.
func Render(w io.Writer, snap *Snapshot, format string) error {
	switch format {
	case "json":
		return WriteJSON(w, snap)
	case "", "markdown":
		return WriteMarkdown(w, snap)
	default:
		return fmt.Errorf("unknown pulse format %q", format)
	}
}

// WriteJSON emits the raw snapshot.
func WriteJSON(w io.Writer, snap *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// WriteMarkdown renders the bridge pulse report.
func WriteMarkdown(w io.Writer, snap *Snapshot) error {
	fmt.Fprintf(w, "# Bridge Pulse: Station %s\n\n", snap.Station)
	fmt.Fprintf(w, "- Generated: %s\n", snap.GeneratedAt.Format(StampLayout))
	fmt.Fprintf(w, "- Autonomy: %s (gates %s)\n", snap.AutonomyMode, snap.GateVersion)
	narrator := snap.NarrativeSource
	if snap.NarrativeSource == "scribe" {
		narrator = "scribe (" + snap.ModelID + ")"
	}
	fmt.Fprintf(w, "- Narrative: %s\n\n", narrator)

	fmt.Fprintln(w, "## Station Status")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Gauge | Value |")
	fmt.Fprintln(w, "|---|---|")
	fmt.Fprintf(w, "| SGII | %.2f |\n", snap.SGII)
	fmt.Fprintf(w, "| Stability | %.2f |\n", snap.Stability)
	fmt.Fprintf(w, "| Velocity (cycles/h) | %d |\n", snap.Velocity)
	fmt.Fprintf(w, "| Quorum compliance | %.2f |\n", snap.QuorumRate)
	fmt.Fprintf(w, "| Gate deny ratio | %.2f |\n", snap.DenyRatio)
	fmt.Fprintf(w, "| Queue depth | %d |\n", snap.QueueDepth)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Cycles | Count |")
	fmt.Fprintln(w, "|---|---|")
	for _, status := range cycleOrder {
		if n, ok := snap.Cycles[status]; ok && n > 0 {
			fmt.Fprintf(w, "| %s | %d |\n", status, n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## TES Window")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Window | Mean | Min | Max | Cycles |")
	fmt.Fprintln(w, "|---|---|---|---|---|")
	fmt.Fprintf(w, "| last %d | %.2f | %.2f | %.2f | %d |\n",
		snap.Window.Window, snap.Window.Mean, snap.Window.Min, snap.Window.Max, snap.Window.Count)
	fmt.Fprintf(w, "| recent %d | %.2f | %.2f | %.2f | %d |\n",
		snap.Recent.Window, snap.Recent.Mean, snap.Recent.Min, snap.Recent.Max, snap.Recent.Count)
	fmt.Fprintln(w)
	if n := len(snap.Trend.Buckets); n >= 2 {
		fmt.Fprintf(w, "Drift: %s across %d windows of %d (slope %+.2f per window).\n\n",
			snap.Trend.Drift, n, snap.Trend.Buckets[0].Count, snap.Trend.Slope)
	}
	if snap.MangledRows > 0 {
		fmt.Fprintf(w, "Ledger gap: %d malformed heartbeat rows were skipped; windowed figures exclude them.\n\n", snap.MangledRows)
	}

	fmt.Fprintln(w, "## Crew")
	fmt.Fprintln(w)
	if len(snap.Crew) == 0 {
		fmt.Fprintln(w, "No roster members registered.")
	} else {
		fmt.Fprintln(w, "| Member | Duty | Status | Workers | AGII | Cycles ok/failed | Last seen |")
		fmt.Fprintln(w, "|---|---|---|---|---|---|---|")
		for _, c := range snap.Crew {
			member := c.ID
			if c.Emoji != "" {
				member = c.Emoji + " " + member
			}
			if c.Name != "" {
				member += " " + c.Name
			}
			fmt.Fprintf(w, "| %s | %s | %s | %d | %.2f | %d/%d | %s |\n",
				member, c.Duty, c.Status, c.Workers, c.AGII, c.Succeeded, c.Failed, c.LastSeen)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## Leases")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Lease status | Count |")
	fmt.Fprintln(w, "|---|---|")
	for _, status := range leaseOrder {
		if n, ok := snap.Leases[status]; ok && n > 0 {
			fmt.Fprintf(w, "| %s | %d |\n", status, n)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Intent status | Count |")
	fmt.Fprintln(w, "|---|---|")
	for _, status := range intentOrder {
		if n, ok := snap.Intents[status]; ok && n > 0 {
			fmt.Fprintf(w, "| %s | %d |\n", status, n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## SVF Traffic")
	fmt.Fprintln(w)
	if len(snap.Channels) == 0 {
		fmt.Fprintln(w, "No channel traffic recorded.")
	} else {
		fmt.Fprintln(w, "| Channel | Latest seq |")
		fmt.Fprintln(w, "|---|---|")
		for _, ch := range snap.Channels {
			fmt.Fprintf(w, "| %s | %d |\n", ch.Channel, ch.LatestSeq)
		}
	}
	fmt.Fprintln(w)
	if snap.Backlog > 0 {
		fmt.Fprintf(w, "Backlog: %d high-priority messages await acknowledgement.\n\n", snap.Backlog)
	} else {
		fmt.Fprintln(w, "Backlog clear.")
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "## Findings")
	fmt.Fprintln(w)
	if len(snap.Findings) == 0 && snap.DeadLetters == 0 {
		fmt.Fprintln(w, "No open findings.")
	} else {
		for _, f := range snap.Findings {
			line := fmt.Sprintf("- [%s] %s", f.Severity, f.Kind)
			if f.Artifact != "" {
				line += " " + f.Artifact
			}
			if f.Detail != "" {
				line += ": " + f.Detail
			}
			fmt.Fprintln(w, line)
		}
		if snap.DeadLetters > 0 {
			fmt.Fprintf(w, "- [warn] %d cycles in the dead letter queue\n", snap.DeadLetters)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## Narrative")
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.TrimSpace(snap.Narrative))
	return nil
}
