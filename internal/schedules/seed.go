package schedules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Narth/Calyx-sub001/internal/overseer"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/pulse"
)

// SeedConfig carries the configurable cron expressions. Empty fields
// fall back to the station defaults.
type SeedConfig struct {
	PulseCron     string
	IntegrityCron string
}

// Standing schedule names. Seeding is keyed on these, so operator
// edits to an existing row survive restarts.
const (
	NamePulse      = "bridge-pulse"
	NameIntegrity  = "integrity-audit"
	NameRetention  = "retention"
	NameLeaseSweep = "lease-sweep"
	NameSVFDigest  = "svf-digest"
)

// Seed ensures the standing schedules exist. Rows are only inserted
// when the name is absent; it never overwrites.
func Seed(ctx context.Context, store *persistence.Store, cfg SeedConfig) error {
	if strings.TrimSpace(cfg.PulseCron) == "" {
		cfg.PulseCron = "0 */6 * * *"
	}
	if strings.TrimSpace(cfg.IntegrityCron) == "" {
		cfg.IntegrityCron = "30 2 * * *"
	}

	seeds := []persistence.Schedule{
		{Name: NamePulse, CronExpr: cfg.PulseCron, Kind: persistence.CycleKindPulse,
			Payload: pulse.Payload("schedule")},
		{Name: NameIntegrity, CronExpr: cfg.IntegrityCron, Kind: persistence.CycleKindIntegrity},
		{Name: NameRetention, CronExpr: "15 3 * * *", Kind: persistence.CycleKindMaintenance,
			Payload: overseer.MaintenancePayload(overseer.JobRetention)},
		{Name: NameLeaseSweep, CronExpr: "* * * * *", Kind: persistence.CycleKindMaintenance,
			Payload: overseer.MaintenancePayload(overseer.JobLeaseSweep)},
		{Name: NameSVFDigest, CronExpr: "45 7 * * *", Kind: persistence.CycleKindSVFDigest},
	}

	existing, err := store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, sc := range existing {
		have[sc.Name] = true
	}

	now := time.Now()
	for _, seed := range seeds {
		if have[seed.Name] {
			continue
		}
		next, err := NextRunTime(seed.CronExpr, now)
		if err != nil {
			return fmt.Errorf("seed %s: %w", seed.Name, err)
		}
		seed.Enabled = true
		seed.NextRunAt = &next
		if err := store.InsertSchedule(ctx, seed); err != nil {
			return fmt.Errorf("seed %s: %w", seed.Name, err)
		}
	}
	return nil
}
