package foresight

import (
	"fmt"
	"time"

	"github.com/Narth/Calyx-sub001/internal/heartbeat"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/tes"
)

// KindTESDrift marks a pulse finding raised by trend analysis.
const KindTESDrift = "FINDING_TES_DRIFT"

// Drift classifies the slope of TES means across consecutive windows.
type Drift string

const (
	DriftImproving Drift = "improving"
	DriftSteady    Drift = "steady"
	DriftDegrading Drift = "degrading"
)

// TrendConfig tunes the windowing.
type TrendConfig struct {
	BucketSize  int     // rows per window, default 10
	AnomalyDrop float64 // adjacent-window mean drop that flags, default 0.2
	SteadyBand  float64 // |slope| below this reads as steady, default 0.02
}

// Bucket is one scored window of consecutive ledger rows.
type Bucket struct {
	Mean  float64   `json:"mean"`
	Count int       `json:"count"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Anomaly is a sharp fall between adjacent windows.
type Anomaly struct {
	From float64   `json:"from"`
	To   float64   `json:"to"`
	Drop float64   `json:"drop"`
	At   time.Time `json:"at"` // end of the window that fell
}

// Trend is the ledger's recent direction of travel.
type Trend struct {
	Buckets   []Bucket  `json:"buckets"`
	Slope     float64   `json:"slope"` // mean TES change per window
	Drift     Drift     `json:"drift"`
	Anomalies []Anomaly `json:"anomalies,omitempty"`
}

// AnalyzeTrend chunks the newest rows into full windows of BucketSize,
// fits a line through the window means and flags sharp falls. Fewer
// than two full windows reads as steady: one point has no direction.
func AnalyzeTrend(rows []heartbeat.Row, mode tes.Mode, cfg TrendConfig) Trend {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = 10
	}
	if cfg.AnomalyDrop <= 0 {
		cfg.AnomalyDrop = 0.2
	}
	if cfg.SteadyBand <= 0 {
		cfg.SteadyBand = 0.02
	}

	full := len(rows) / cfg.BucketSize
	rows = rows[len(rows)-full*cfg.BucketSize:]

	trend := Trend{Drift: DriftSteady}
	for i := 0; i < full; i++ {
		chunk := rows[i*cfg.BucketSize : (i+1)*cfg.BucketSize]
		sum := 0.0
		for _, r := range chunk {
			sum += tes.Score(r, mode)
		}
		trend.Buckets = append(trend.Buckets, Bucket{
			Mean:  sum / float64(len(chunk)),
			Count: len(chunk),
			Start: chunk[0].Timestamp,
			End:   chunk[len(chunk)-1].Timestamp,
		})
	}
	if len(trend.Buckets) < 2 {
		return trend
	}

	trend.Slope = fitSlope(trend.Buckets)
	switch {
	case trend.Slope > cfg.SteadyBand:
		trend.Drift = DriftImproving
	case trend.Slope < -cfg.SteadyBand:
		trend.Drift = DriftDegrading
	}

	for i := 1; i < len(trend.Buckets); i++ {
		drop := trend.Buckets[i-1].Mean - trend.Buckets[i].Mean
		if drop > cfg.AnomalyDrop {
			trend.Anomalies = append(trend.Anomalies, Anomaly{
				From: trend.Buckets[i-1].Mean,
				To:   trend.Buckets[i].Mean,
				Drop: drop,
				At:   trend.Buckets[i].End,
			})
		}
	}
	return trend
}

// fitSlope is a least-squares fit over the window means with the window
// index as x.
func fitSlope(buckets []Bucket) float64 {
	n := float64(len(buckets))
	var sumX, sumY float64
	for i, b := range buckets {
		sumX += float64(i)
		sumY += b.Mean
	}
	meanX, meanY := sumX/n, sumY/n

	var num, den float64
	for i, b := range buckets {
		dx := float64(i) - meanX
		num += dx * (b.Mean - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Findings renders the anomalies as pulse findings.
func (t Trend) Findings(artifact string) []persistence.Finding {
	var out []persistence.Finding
	for _, a := range t.Anomalies {
		out = append(out, persistence.Finding{
			Kind:     KindTESDrift,
			Severity: persistence.FindingSeverityWarn,
			Artifact: artifact,
			Detail: fmt.Sprintf("window mean fell %.2f to %.2f around %s",
				a.From, a.To, a.At.UTC().Format(time.RFC3339)),
		})
	}
	return out
}
