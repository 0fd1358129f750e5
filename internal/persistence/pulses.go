package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PulseRecord archives one generated bridge pulse report.
type PulseRecord struct {
	ID              int64     `json:"id"`
	ReportPath      string    `json:"report_path"`
	Source          string    `json:"source"` // schedule or manual
	WindowRows      int       `json:"window_rows"`
	AvgTES          float64   `json:"avg_tes"`
	Stability       float64   `json:"stability"`
	Velocity        float64   `json:"velocity"`
	SGII            float64   `json:"sgii"`
	NarrativeSource string    `json:"narrative_source"` // scribe or fallback
	ModelID         string    `json:"model_id"`
	GeneratedAt     time.Time `json:"generated_at"`
}

func (s *Store) InsertPulse(ctx context.Context, rec PulseRecord) (int64, error) {
	if rec.Source == "" {
		rec.Source = "schedule"
	}
	if rec.NarrativeSource == "" {
		rec.NarrativeSource = "fallback"
	}
	if rec.ModelID == "" {
		rec.ModelID = "-"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pulses (report_path, source, window_rows, avg_tes, stability, velocity, sgii, narrative_source, model_id, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, rec.ReportPath, rec.Source, rec.WindowRows, rec.AvgTES, rec.Stability, rec.Velocity, rec.SGII, rec.NarrativeSource, rec.ModelID)
	if err != nil {
		return 0, fmt.Errorf("insert pulse: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("pulse insert id: %w", err)
	}
	return id, nil
}

// LatestPulse returns the most recent pulse record, or nil when none exist.
func (s *Store) LatestPulse(ctx context.Context) (*PulseRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, report_path, source, window_rows, avg_tes, stability, velocity, sgii, narrative_source, model_id, generated_at
		FROM pulses
		ORDER BY id DESC
		LIMIT 1;
	`)
	var rec PulseRecord
	if err := row.Scan(&rec.ID, &rec.ReportPath, &rec.Source, &rec.WindowRows, &rec.AvgTES,
		&rec.Stability, &rec.Velocity, &rec.SGII, &rec.NarrativeSource, &rec.ModelID, &rec.GeneratedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest pulse: %w", err)
	}
	return &rec, nil
}

func (s *Store) ListPulses(ctx context.Context, limit int) ([]PulseRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_path, source, window_rows, avg_tes, stability, velocity, sgii, narrative_source, model_id, generated_at
		FROM pulses
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pulses: %w", err)
	}
	defer rows.Close()

	var out []PulseRecord
	for rows.Next() {
		var rec PulseRecord
		if err := rows.Scan(&rec.ID, &rec.ReportPath, &rec.Source, &rec.WindowRows, &rec.AvgTES,
			&rec.Stability, &rec.Velocity, &rec.SGII, &rec.NarrativeSource, &rec.ModelID, &rec.GeneratedAt); err != nil {
			return nil, fmt.Errorf("scan pulse: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Finding severities.
const (
	FindingSeverityInfo  = "info"
	FindingSeverityWarn  = "warn"
	FindingSeverityError = "error"
)

// Finding is one integrity audit observation tied to a report.
type Finding struct {
	ID         int64     `json:"id"`
	ReportPath string    `json:"report_path,omitempty"`
	Kind       string    `json:"kind"`
	Severity   string    `json:"severity"`
	Artifact   string    `json:"artifact,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// InsertFindings records a batch of integrity findings in one transaction.
func (s *Store) InsertFindings(ctx context.Context, findings []Finding) error {
	if len(findings) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin findings tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, f := range findings {
			severity := f.Severity
			switch severity {
			case FindingSeverityInfo, FindingSeverityWarn, FindingSeverityError:
			case "":
				severity = FindingSeverityWarn
			default:
				return fmt.Errorf("invalid finding severity %q", f.Severity)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO integrity_findings (report_path, kind, severity, artifact, detail, created_at)
				VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
			`, f.ReportPath, f.Kind, severity, f.Artifact, f.Detail); err != nil {
				return fmt.Errorf("insert finding: %w", err)
			}
		}
		return tx.Commit()
	})
}

func (s *Store) ListFindings(ctx context.Context, limit int) ([]Finding, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_path, kind, severity, artifact, detail, created_at
		FROM integrity_findings
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		var f Finding
		if err := rows.Scan(&f.ID, &f.ReportPath, &f.Kind, &f.Severity, &f.Artifact, &f.Detail, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CrewActivity summarizes one roster member's recent work: terminal
// cycle outcomes plus high-priority SVF acknowledgements. AGII folds
// these into the per-member integrity gauge.
type CrewActivity struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Acks      int `json:"acks"`
}

// CrewActivitySince aggregates per-member activity since the cutoff.
// The int return is the high-priority message total over the same span,
// the denominator for ack rates.
func (s *Store) CrewActivitySince(ctx context.Context, since time.Time) (map[string]CrewActivity, int, error) {
	out := make(map[string]CrewActivity)

	rows, err := s.db.QueryContext(ctx, `
		SELECT roster_id,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END)
		FROM cycles
		WHERE updated_at >= ?
		GROUP BY roster_id;
	`, CycleStatusSucceeded, CycleStatusFailed, CycleStatusDeadLetter, since)
	if err != nil {
		return nil, 0, fmt.Errorf("crew cycle activity: %w", err)
	}
	for rows.Next() {
		var id string
		var succeeded, failed int
		if err := rows.Scan(&id, &succeeded, &failed); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan crew cycles: %w", err)
		}
		a := out[id]
		a.Succeeded = succeeded
		a.Failed = failed
		out[id] = a
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT a.roster_id, COUNT(1)
		FROM svf_acks a
		JOIN svf_messages m ON m.channel = a.channel AND m.seq = a.seq
		WHERE m.priority = ? AND m.created_at >= ?
		GROUP BY a.roster_id;
	`, SVFPriorityHigh, since)
	if err != nil {
		return nil, 0, fmt.Errorf("crew ack activity: %w", err)
	}
	for rows.Next() {
		var id string
		var acks int
		if err := rows.Scan(&id, &acks); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan crew acks: %w", err)
		}
		a := out[id]
		a.Acks = acks
		out[id] = a
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var highTotal int
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM svf_messages WHERE priority = ? AND created_at >= ?;
	`, SVFPriorityHigh, since)
	if err := row.Scan(&highTotal); err != nil {
		return nil, 0, fmt.Errorf("count high-priority svf: %w", err)
	}

	return out, highTotal, nil
}

// AuditDecisionCounts tallies gate decisions recorded since the cutoff.
func (s *Store) AuditDecisionCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT decision, COUNT(1)
		FROM audit_log
		WHERE created_at >= ?
		GROUP BY decision;
	`, since)
	if err != nil {
		return nil, fmt.Errorf("audit decision counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var decision string
		var count int
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, fmt.Errorf("scan audit decision: %w", err)
		}
		out[decision] = count
	}
	return out, rows.Err()
}

// FindingCounts aggregates findings per severity for doctor and /metrics.
func (s *Store) FindingCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(1)
		FROM integrity_findings
		GROUP BY severity;
	`)
	if err != nil {
		return nil, fmt.Errorf("finding counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("scan finding count: %w", err)
		}
		out[severity] = count
	}
	return out, rows.Err()
}
