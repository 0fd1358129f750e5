package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedCycles      int64 `json:"purged_cycles"`
	PurgedCycleEvents int64 `json:"purged_cycle_events"`
	PurgedAuditLogs   int64 `json:"purged_audit_logs"`
	PurgedSVFMessages int64 `json:"purged_svf_messages"`
}

// terminalCycleStatuses are the states retention may purge. Anything
// still in flight is never touched regardless of age.
var terminalCycleStatuses = []any{
	CycleStatusSucceeded, CycleStatusFailed, CycleStatusCanceled, CycleStatusDeadLetter,
}

// RunRetention deletes records older than the configured retention
// windows. Each category uses a separate DELETE with its own cutoff;
// the job is idempotent.
func (s *Store) RunRetention(ctx context.Context, cycleDays, auditLogDays, svfDays int) (RetentionResult, error) {
	var result RetentionResult

	if cycleDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -cycleDays)

		// Events first: the FK points at cycles.
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM cycle_events
			WHERE cycle_id IN (
				SELECT id FROM cycles
				WHERE status IN (?, ?, ?, ?) AND updated_at < ?
			);
		`, append(terminalCycleStatuses, cutoff)...)
		if err != nil {
			return result, fmt.Errorf("purge cycle_events: %w", err)
		}
		result.PurgedCycleEvents, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `
			DELETE FROM cycles
			WHERE status IN (?, ?, ?, ?) AND updated_at < ?;
		`, append(terminalCycleStatuses, cutoff)...)
		if err != nil {
			return result, fmt.Errorf("purge cycles: %w", err)
		}
		result.PurgedCycles, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if svfDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -svfDays)

		// Acks cascade with their message. Unacked high-priority flares
		// stay until someone sees them, regardless of age.
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM svf_messages
			WHERE created_at < ? AND (priority = ? OR EXISTS (
				SELECT 1 FROM svf_acks a WHERE a.channel = svf_messages.channel AND a.seq = svf_messages.seq
			));
		`, cutoff, SVFPriorityNormal)
		if err != nil {
			return result, fmt.Errorf("purge svf_messages: %w", err)
		}
		result.PurgedSVFMessages, _ = res.RowsAffected()
	}

	return result, nil
}
