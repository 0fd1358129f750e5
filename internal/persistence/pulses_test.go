package persistence_test

import (
	"context"
	"testing"

	"github.com/Narth/Calyx-sub001/internal/persistence"
)

func TestStore_InsertAndLatestPulse(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	latest, err := store.LatestPulse(ctx)
	if err != nil {
		t.Fatalf("latest pulse on empty store: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected nil pulse on empty store, got %#v", latest)
	}

	first, err := store.InsertPulse(ctx, persistence.PulseRecord{
		ReportPath: "reports/pulse_20260825_0400.md",
		WindowRows: 50,
		AvgTES:     0.84,
		Stability:  0.92,
		Velocity:   3.1,
		SGII:       0.78,
	})
	if err != nil {
		t.Fatalf("insert pulse: %v", err)
	}
	second, err := store.InsertPulse(ctx, persistence.PulseRecord{
		ReportPath:      "reports/pulse_20260825_0500.md",
		Source:          "manual",
		WindowRows:      50,
		AvgTES:          0.86,
		Stability:       0.94,
		Velocity:        3.4,
		SGII:            0.81,
		NarrativeSource: "scribe",
		ModelID:         "gemini-2.5-flash",
	})
	if err != nil {
		t.Fatalf("insert second pulse: %v", err)
	}
	if second <= first {
		t.Fatalf("expected monotonically increasing pulse ids, got %d then %d", first, second)
	}

	latest, err = store.LatestPulse(ctx)
	if err != nil {
		t.Fatalf("latest pulse: %v", err)
	}
	if latest == nil || latest.ID != second {
		t.Fatalf("expected latest pulse %d, got %#v", second, latest)
	}
	if latest.Source != "manual" || latest.NarrativeSource != "scribe" {
		t.Fatalf("unexpected latest pulse fields: %#v", latest)
	}

	pulses, err := store.ListPulses(ctx, 10)
	if err != nil {
		t.Fatalf("list pulses: %v", err)
	}
	if len(pulses) != 2 || pulses[0].ID != second {
		t.Fatalf("expected newest-first pulse list, got %#v", pulses)
	}
	// First insert left source and narrative empty; the store fills the defaults.
	if pulses[1].Source != "schedule" || pulses[1].NarrativeSource != "fallback" || pulses[1].ModelID != "-" {
		t.Fatalf("expected defaulted pulse fields, got %#v", pulses[1])
	}
}

func TestStore_InsertFindingsBatch(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	err := store.InsertFindings(ctx, []persistence.Finding{
		{ReportPath: "reports/integrity_20260825.md", Kind: "stale_heartbeat", Severity: persistence.FindingSeverityWarn, Artifact: "heartbeat.csv", Detail: "no rows in 3 cycles"},
		{ReportPath: "reports/integrity_20260825.md", Kind: "orphan_lease", Severity: persistence.FindingSeverityError, Artifact: "L-20260824-0ddba1"},
		{ReportPath: "reports/integrity_20260825.md", Kind: "csv_header_ok"},
	})
	if err != nil {
		t.Fatalf("insert findings: %v", err)
	}

	findings, err := store.ListFindings(ctx, 10)
	if err != nil {
		t.Fatalf("list findings: %v", err)
	}
	if len(findings) != 3 {
		t.Fatalf("expected 3 findings, got %d", len(findings))
	}
	// Blank severity downgrades to warn rather than failing the batch.
	if findings[0].Kind != "csv_header_ok" || findings[0].Severity != persistence.FindingSeverityWarn {
		t.Fatalf("expected defaulted severity on newest finding, got %#v", findings[0])
	}

	counts, err := store.FindingCounts(ctx)
	if err != nil {
		t.Fatalf("finding counts: %v", err)
	}
	if counts[persistence.FindingSeverityWarn] != 2 || counts[persistence.FindingSeverityError] != 1 {
		t.Fatalf("unexpected finding counts: %#v", counts)
	}
}

func TestStore_InsertFindingsRejectsBadSeverity(t *testing.T) {
	store, _ := openTestStore(t)

	err := store.InsertFindings(context.Background(), []persistence.Finding{
		{Kind: "made_up", Severity: "catastrophic"},
	})
	if err == nil {
		t.Fatal("expected error for invalid severity")
	}

	findings, err := store.ListFindings(context.Background(), 10)
	if err != nil {
		t.Fatalf("list findings: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected rejected batch to write nothing, got %#v", findings)
	}
}
