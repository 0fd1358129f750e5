// Package tes scores station cycles. TES (Task Execution Score) grades
// each heartbeat row on outcome, workspace application and verification;
// windows over the ledger feed stability, velocity and the governance
// indices the bridge pulse reports.
package tes

import (
	"github.com/Narth/Calyx-sub001/internal/heartbeat"
)

// Mode selects the scoring formula.
type Mode string

const (
	// ModeGraduated is the standard 0.0/0.2/0.6/1.0 scale.
	ModeGraduated Mode = "graduated"
	// ModeBinary is the legacy pass/fail scale older reports used.
	ModeBinary Mode = "binary"
)

// Window sizes. DefaultWindow feeds stability and SGII; RecentWindow is
// the pulse's "recent" block.
const (
	DefaultWindow = 50
	RecentWindow  = 10
)

// Score grades a single cycle.
//
// Graduated: 1.0 when the cycle succeeded, changes were applied and
// verification passed; 0.6 when verification was skipped; 0.2 when
// nothing was applied; 0.0 when the cycle failed. A failed verification
// voids the cycle regardless of its status.
//
// Binary: 1.0 when the cycle reported ok, else 0.0.
func Score(row heartbeat.Row, mode Mode) float64 {
	if mode == ModeBinary {
		if row.Status == heartbeat.StatusOK {
			return 1.0
		}
		return 0.0
	}
	if row.Status != heartbeat.StatusOK || row.RunTests == heartbeat.TestsFailed {
		return 0.0
	}
	if !row.Applied {
		return 0.2
	}
	if row.RunTests == heartbeat.TestsPassed {
		return 1.0
	}
	return 0.6
}

// Summary describes one scoring window.
type Summary struct {
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Count  int     `json:"count"`
	Mode   Mode    `json:"mode"`
	Window int     `json:"window"`
}

// Window scores the newest n rows. Short history uses whatever exists;
// Count reports how many rows were actually scored.
func Window(rows []heartbeat.Row, n int, mode Mode) Summary {
	if n <= 0 {
		n = DefaultWindow
	}
	if len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	s := Summary{Mode: mode, Window: n, Count: len(rows)}
	if len(rows) == 0 {
		return s
	}
	first := Score(rows[0], mode)
	s.Min, s.Max = first, first
	sum := 0.0
	for _, row := range rows {
		v := Score(row, mode)
		sum += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Mean = sum / float64(len(rows))
	return s
}
