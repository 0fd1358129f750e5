package foresight_test

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/Narth/Calyx-sub001/internal/foresight"
	"github.com/Narth/Calyx-sub001/internal/heartbeat"
	"github.com/Narth/Calyx-sub001/internal/tes"
)

// ledgerRows builds consecutive windows of ten rows each, one minute
// apart; passing says how many of each window's ten rows score 1.0,
// the rest are failures.
func ledgerRows(start time.Time, passing ...int) []heartbeat.Row {
	var rows []heartbeat.Row
	ts := start
	for _, pass := range passing {
		for i := 0; i < 10; i++ {
			row := heartbeat.Row{Timestamp: ts, Status: heartbeat.StatusFailed, RunTests: heartbeat.TestsSkipped}
			if i < pass {
				row = heartbeat.Row{
					Timestamp: ts,
					TES:       1,
					Status:    heartbeat.StatusOK,
					Applied:   true,
					RunTests:  heartbeat.TestsPassed,
				}
			}
			rows = append(rows, row)
			ts = ts.Add(time.Minute)
		}
	}
	return rows
}

func TestAnalyzeTrend_FlagsDegradationAndAnomaly(t *testing.T) {
	start := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	rows := ledgerRows(start, 10, 10, 4)

	trend := foresight.AnalyzeTrend(rows, tes.ModeGraduated, foresight.TrendConfig{})
	if len(trend.Buckets) != 3 {
		t.Fatalf("buckets = %d, want 3", len(trend.Buckets))
	}
	if trend.Buckets[2].Mean != 0.4 {
		t.Fatalf("last window mean = %v, want 0.4", trend.Buckets[2].Mean)
	}
	if trend.Drift != foresight.DriftDegrading {
		t.Fatalf("drift = %s, slope %v", trend.Drift, trend.Slope)
	}
	if math.Abs(trend.Slope-(-0.3)) > 1e-9 {
		t.Fatalf("slope = %v, want -0.3", trend.Slope)
	}
	if len(trend.Anomalies) != 1 {
		t.Fatalf("anomalies = %+v, want one", trend.Anomalies)
	}
	a := trend.Anomalies[0]
	if a.From != 1.0 || a.To != 0.4 {
		t.Fatalf("anomaly = %+v", a)
	}
	if !a.At.Equal(rows[len(rows)-1].Timestamp) {
		t.Fatalf("anomaly at %v, want the falling window's end", a.At)
	}
}

func TestAnalyzeTrend_ReadsRecoveryAsImproving(t *testing.T) {
	start := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	rows := ledgerRows(start, 2, 9)

	trend := foresight.AnalyzeTrend(rows, tes.ModeGraduated, foresight.TrendConfig{})
	if trend.Drift != foresight.DriftImproving {
		t.Fatalf("drift = %s, slope %v", trend.Drift, trend.Slope)
	}
	if len(trend.Anomalies) != 0 {
		t.Fatalf("a rise is not an anomaly: %+v", trend.Anomalies)
	}
}

func TestAnalyzeTrend_SteadyWhenTooShort(t *testing.T) {
	start := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	for _, rows := range [][]heartbeat.Row{
		nil,
		ledgerRows(start, 10)[:5],
		ledgerRows(start, 10, 10)[:15],
	} {
		trend := foresight.AnalyzeTrend(rows, tes.ModeGraduated, foresight.TrendConfig{})
		if trend.Drift != foresight.DriftSteady || trend.Slope != 0 {
			t.Fatalf("%d rows: trend = %+v, want steady", len(rows), trend)
		}
	}
}

func TestAnalyzeTrend_DropsOldestPartialWindow(t *testing.T) {
	start := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	stale := ledgerRows(start, 0)[:5]
	fresh := ledgerRows(start.Add(5*time.Minute), 10, 10)
	rows := append(stale, fresh...)

	trend := foresight.AnalyzeTrend(rows, tes.ModeGraduated, foresight.TrendConfig{})
	if len(trend.Buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(trend.Buckets))
	}
	// Stale failures outside the full windows must not drag the mean.
	if trend.Buckets[0].Mean != 1.0 {
		t.Fatalf("first window mean = %v, want 1.0", trend.Buckets[0].Mean)
	}
}

func TestTrendFindings(t *testing.T) {
	start := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	trend := foresight.AnalyzeTrend(ledgerRows(start, 10, 3), tes.ModeGraduated, foresight.TrendConfig{})
	findings := trend.Findings("pulse")
	if len(findings) != 1 {
		t.Fatalf("findings = %+v, want one", findings)
	}
	f := findings[0]
	if f.Kind != foresight.KindTESDrift || f.Artifact != "pulse" {
		t.Fatalf("finding = %+v", f)
	}
	if !strings.Contains(f.Detail, "fell 1.00 to 0.30") {
		t.Fatalf("detail = %q", f.Detail)
	}
	if steady := foresight.AnalyzeTrend(ledgerRows(start, 10, 10), tes.ModeGraduated, foresight.TrendConfig{}); len(steady.Findings("pulse")) != 0 {
		t.Fatal("steady trend produced findings")
	}
}
