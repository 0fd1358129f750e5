package tes

import (
	"time"

	"github.com/Narth/Calyx-sub001/internal/heartbeat"
)

// Stability is the share of rows in the window scoring at least 0.6 —
// cycles that did real, verified-or-at-least-applied work.
func Stability(rows []heartbeat.Row, n int, mode Mode) float64 {
	if n <= 0 {
		n = DefaultWindow
	}
	if len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	if len(rows) == 0 {
		return 0
	}
	good := 0
	for _, row := range rows {
		if Score(row, mode) >= 0.6 {
			good++
		}
	}
	return float64(good) / float64(len(rows))
}

// Velocity counts cycles completed in the trailing hour.
func Velocity(rows []heartbeat.Row, now time.Time) int {
	cutoff := now.Add(-time.Hour)
	n := 0
	for _, row := range rows {
		if row.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// Weights are the SGII composite shares. Callers normally hand these
// over from config, already normalized to sum 1.
type Weights struct {
	Stability float64
	Quorum    float64
	Deny      float64
}

// DefaultWeights returns the standard 0.5/0.3/0.2 split.
func DefaultWeights() Weights {
	return Weights{Stability: 0.5, Quorum: 0.3, Deny: 0.2}
}

// SGII is the station governance integrity index: windowed stability,
// intent quorum compliance and the audit deny ratio folded into one
// [0,1] gauge. denyRatio counts against the index, so a station that
// keeps tripping its own gates scores low even when cycles succeed.
func SGII(stability, quorumRate, denyRatio float64, w Weights) float64 {
	if w.Stability+w.Quorum+w.Deny == 0 {
		w = DefaultWeights()
	}
	v := w.Stability*clamp01(stability) +
		w.Quorum*clamp01(quorumRate) +
		w.Deny*(1-clamp01(denyRatio))
	return clamp01(v)
}

// AGII is the per-roster-member integrity composite: that member's cycle
// stability weighted with how reliably it acknowledges SVF traffic.
func AGII(memberStability, ackRate float64) float64 {
	return clamp01(0.6*clamp01(memberStability) + 0.4*clamp01(ackRate))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
