package overseer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Narth/Calyx-sub001/internal/lease"
	"github.com/Narth/Calyx-sub001/internal/persistence"
)

// Mux routes cycles to a per-kind processor. Unknown kinds fail and
// poison out through the normal retry accounting.
type Mux map[string]Processor

func (m Mux) Process(ctx context.Context, cycle persistence.Cycle) (string, error) {
	p, ok := m[cycle.Kind]
	if !ok {
		return "", fmt.Errorf("no processor for cycle kind %q", cycle.Kind)
	}
	return p.Process(ctx, cycle)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, cycle persistence.Cycle) (string, error)

func (f ProcessorFunc) Process(ctx context.Context, cycle persistence.Cycle) (string, error) {
	return f(ctx, cycle)
}

// Maintenance job names the scheduler enqueues.
const (
	JobRetention  = "retention"
	JobLeaseSweep = "lease_sweep"
	JobBackup     = "backup"
)

// MaintenanceConfig carries the knobs housekeeping cycles need.
type MaintenanceConfig struct {
	RetentionCyclesDays int
	RetentionAuditDays  int
	RetentionSVFDays    int
	BackupDir           string
}

// MaintenanceProcessor runs the housekeeping cycles: ledger retention,
// lease TTL and stale-lock sweeps, and online database backups.
type MaintenanceProcessor struct {
	Store  *persistence.Store
	Leases *lease.Manager
	Config MaintenanceConfig
	Logger *slog.Logger
}

type maintenancePayload struct {
	Job string `json:"job"`
}

func (p MaintenanceProcessor) Process(ctx context.Context, cycle persistence.Cycle) (string, error) {
	var payload maintenancePayload
	if err := json.Unmarshal([]byte(cycle.Payload), &payload); err != nil {
		return "", fmt.Errorf("decode maintenance payload: %w", err)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch payload.Job {
	case JobRetention:
		res, err := p.Store.RunRetention(ctx,
			p.Config.RetentionCyclesDays, p.Config.RetentionAuditDays, p.Config.RetentionSVFDays)
		if err != nil {
			return "", fmt.Errorf("retention: %w", err)
		}
		logger.Info("retention complete",
			"cycles", res.PurgedCycles, "cycle_events", res.PurgedCycleEvents,
			"audit_rows", res.PurgedAuditLogs, "svf_messages", res.PurgedSVFMessages)
		out, err := json.Marshal(res)
		if err != nil {
			return "", fmt.Errorf("encode retention result: %w", err)
		}
		return string(out), nil

	case JobLeaseSweep:
		if p.Leases == nil {
			return "", fmt.Errorf("lease sweep: no lease manager configured")
		}
		expired, err := p.Leases.ExpireOverdue(ctx)
		if err != nil {
			return "", fmt.Errorf("expire overdue leases: %w", err)
		}
		stale, err := p.Leases.SweepStaleLocks()
		if err != nil {
			return "", fmt.Errorf("sweep stale locks: %w", err)
		}
		if expired > 0 || stale > 0 {
			logger.Info("lease sweep complete", "expired", expired, "stale_locks", stale)
		}
		return fmt.Sprintf(`{"expired":%d,"stale_locks":%d}`, expired, stale), nil

	case JobBackup:
		if p.Config.BackupDir == "" {
			return "", fmt.Errorf("backup: no destination directory configured")
		}
		if err := os.MkdirAll(p.Config.BackupDir, 0o755); err != nil {
			return "", fmt.Errorf("backup dir: %w", err)
		}
		dest := filepath.Join(p.Config.BackupDir,
			fmt.Sprintf("calyx-%s.db", time.Now().UTC().Format("2006-01-02T15-04-05Z")))
		if err := p.Store.Backup(ctx, dest); err != nil {
			return "", err
		}
		logger.Info("database backup complete", "path", dest)
		return fmt.Sprintf(`{"path":%q}`, dest), nil

	default:
		return "", fmt.Errorf("unknown maintenance job %q", payload.Job)
	}
}

// MaintenancePayload builds the payload for one housekeeping job.
func MaintenancePayload(job string) string {
	out, _ := json.Marshal(maintenancePayload{Job: job})
	return string(out)
}
