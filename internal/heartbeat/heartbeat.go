// Package heartbeat owns logs/heartbeat.csv, the append-only ledger of
// completed station cycles. One row per cycle, header on creation, fsync
// per append, size-based rotation. Readers tolerate partial or mangled
// rows so a torn write never blinds the station to its own history.
package heartbeat

import (
	"fmt"
	"strconv"
	"time"
)

// Columns is the ledger header, in writing order.
var Columns = []string{
	"iso_ts", "tes", "stability", "velocity", "footprint", "duration_s",
	"status", "applied", "changed_files", "run_tests", "autonomy_mode",
	"model_id", "run_dir",
}

// Cycle outcome statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Verification outcomes for the run_tests column.
const (
	TestsPassed  = "passed"
	TestsFailed  = "failed"
	TestsSkipped = "skipped"
)

// Row is one completed-cycle entry. JSON names track the CSV header so
// dashboard consumers see the same columns either way.
type Row struct {
	Timestamp    time.Time `json:"iso_ts"`        // cycle completion, recorded UTC
	TES          float64   `json:"tes"`           // graduated per-cycle score
	Stability    float64   `json:"stability"`     // windowed success ratio at write time
	Velocity     int       `json:"velocity"`      // cycles completed in the trailing hour
	Footprint    int64     `json:"footprint"`     // workspace bytes touched
	DurationS    float64   `json:"duration_s"`    // wall-clock seconds
	Status       string    `json:"status"`        // ok | failed
	Applied      bool      `json:"applied"`       // workspace changes kept
	ChangedFiles int       `json:"changed_files"`
	RunTests     string    `json:"run_tests"`     // passed | failed | skipped
	AutonomyMode string    `json:"autonomy_mode"` // safe | supervised | autonomous
	ModelID      string    `json:"model_id"`      // scribe model, "-" when none ran
	RunDir       string    `json:"run_dir"`       // per-cycle artifact dir, "-" when none
}

// record renders the row in column order, normalizing blanks the way the
// station's reports expect ("-" placeholders, skipped tests).
func (r Row) record() ([]string, error) {
	switch r.Status {
	case StatusOK, StatusFailed:
	default:
		return nil, fmt.Errorf("invalid heartbeat status %q", r.Status)
	}
	tests := r.RunTests
	switch tests {
	case TestsPassed, TestsFailed, TestsSkipped:
	case "":
		tests = TestsSkipped
	default:
		return nil, fmt.Errorf("invalid run_tests value %q", r.RunTests)
	}
	mode := r.AutonomyMode
	switch mode {
	case "safe", "supervised", "autonomous":
	case "":
		mode = "safe"
	default:
		return nil, fmt.Errorf("invalid autonomy_mode value %q", r.AutonomyMode)
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	modelID := r.ModelID
	if modelID == "" {
		modelID = "-"
	}
	runDir := r.RunDir
	if runDir == "" {
		runDir = "-"
	}
	return []string{
		ts.UTC().Format(time.RFC3339),
		strconv.FormatFloat(r.TES, 'f', 1, 64),
		strconv.FormatFloat(r.Stability, 'f', 2, 64),
		strconv.Itoa(r.Velocity),
		strconv.FormatInt(r.Footprint, 10),
		strconv.FormatFloat(r.DurationS, 'f', 1, 64),
		r.Status,
		strconv.FormatBool(r.Applied),
		strconv.Itoa(r.ChangedFiles),
		tests,
		mode,
		modelID,
		runDir,
	}, nil
}

func parseRecord(record []string) (Row, error) {
	if len(record) != len(Columns) {
		return Row{}, fmt.Errorf("expected %d columns, got %d", len(Columns), len(record))
	}
	ts, err := time.Parse(time.RFC3339, record[0])
	if err != nil {
		return Row{}, fmt.Errorf("parse iso_ts: %w", err)
	}
	tes, err := strconv.ParseFloat(record[1], 64)
	if err != nil {
		return Row{}, fmt.Errorf("parse tes: %w", err)
	}
	stability, err := strconv.ParseFloat(record[2], 64)
	if err != nil {
		return Row{}, fmt.Errorf("parse stability: %w", err)
	}
	velocity, err := strconv.Atoi(record[3])
	if err != nil {
		return Row{}, fmt.Errorf("parse velocity: %w", err)
	}
	footprint, err := strconv.ParseInt(record[4], 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("parse footprint: %w", err)
	}
	duration, err := strconv.ParseFloat(record[5], 64)
	if err != nil {
		return Row{}, fmt.Errorf("parse duration_s: %w", err)
	}
	applied, err := strconv.ParseBool(record[7])
	if err != nil {
		return Row{}, fmt.Errorf("parse applied: %w", err)
	}
	changed, err := strconv.Atoi(record[8])
	if err != nil {
		return Row{}, fmt.Errorf("parse changed_files: %w", err)
	}
	return Row{
		Timestamp:    ts.UTC(),
		TES:          tes,
		Stability:    stability,
		Velocity:     velocity,
		Footprint:    footprint,
		DurationS:    duration,
		Status:       record[6],
		Applied:      applied,
		ChangedFiles: changed,
		RunTests:     record[9],
		AutonomyMode: record[10],
		ModelID:      record[11],
		RunDir:       record[12],
	}, nil
}
