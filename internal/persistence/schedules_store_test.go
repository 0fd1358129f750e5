package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/Narth/Calyx-sub001/internal/persistence"
)

func TestStore_InsertAndListSchedules(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour)
	err := store.InsertSchedule(ctx, persistence.Schedule{
		ID:        "pulse-hourly",
		Name:      "hourly bridge pulse",
		CronExpr:  "0 * * * *",
		Kind:      persistence.CycleKindPulse,
		Enabled:   true,
		NextRunAt: &next,
	})
	if err != nil {
		t.Fatalf("insert schedule: %v", err)
	}

	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(schedules) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(schedules))
	}
	got := schedules[0]
	if got.ID != "pulse-hourly" || got.Kind != persistence.CycleKindPulse || !got.Enabled {
		t.Fatalf("unexpected schedule: %#v", got)
	}
	if got.Payload != "{}" {
		t.Fatalf("expected default payload, got %q", got.Payload)
	}
	if got.NextRunAt == nil {
		t.Fatalf("expected next_run_at preserved")
	}
}

func TestStore_InsertScheduleRejectsLeaseExec(t *testing.T) {
	store, _ := openTestStore(t)

	err := store.InsertSchedule(context.Background(), persistence.Schedule{
		Name:     "no cron leases",
		CronExpr: "* * * * *",
		Kind:     persistence.CycleKindLeaseExec,
	})
	if err == nil {
		t.Fatal("expected error scheduling a lease_exec cycle")
	}
}

func TestStore_DueSchedules(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	if err := store.InsertSchedule(ctx, persistence.Schedule{ID: "due", Name: "due now", CronExpr: "* * * * *", Kind: persistence.CycleKindMaintenance, Enabled: true, NextRunAt: &past}); err != nil {
		t.Fatalf("insert due: %v", err)
	}
	if err := store.InsertSchedule(ctx, persistence.Schedule{ID: "later", Name: "later", CronExpr: "* * * * *", Kind: persistence.CycleKindMaintenance, Enabled: true, NextRunAt: &future}); err != nil {
		t.Fatalf("insert later: %v", err)
	}
	if err := store.InsertSchedule(ctx, persistence.Schedule{ID: "disabled", Name: "disabled", CronExpr: "* * * * *", Kind: persistence.CycleKindMaintenance, Enabled: false, NextRunAt: &past}); err != nil {
		t.Fatalf("insert disabled: %v", err)
	}

	due, err := store.DueSchedules(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("due schedules: %v", err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("expected only the due schedule, got %#v", due)
	}
}

func TestStore_UpdateScheduleRunAdvancesNextRun(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	if err := store.InsertSchedule(ctx, persistence.Schedule{ID: "sweep", Name: "integrity sweep", CronExpr: "@hourly", Kind: persistence.CycleKindIntegrity, Enabled: true, NextRunAt: &past}); err != nil {
		t.Fatalf("insert schedule: %v", err)
	}

	fired := time.Now().UTC()
	next := fired.Add(time.Hour)
	if err := store.UpdateScheduleRun(ctx, "sweep", fired, next); err != nil {
		t.Fatalf("update schedule run: %v", err)
	}

	due, err := store.DueSchedules(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("due schedules: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no due schedules after advance, got %#v", due)
	}

	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if schedules[0].LastRunAt == nil {
		t.Fatalf("expected last_run_at recorded")
	}
}

func TestStore_EnableAndDeleteSchedule(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	if err := store.InsertSchedule(ctx, persistence.Schedule{ID: "toggle", Name: "toggle me", CronExpr: "@daily", Kind: persistence.CycleKindMaintenance, Enabled: true, NextRunAt: &past}); err != nil {
		t.Fatalf("insert schedule: %v", err)
	}

	if err := store.EnableSchedule(ctx, "toggle", false); err != nil {
		t.Fatalf("disable schedule: %v", err)
	}
	due, err := store.DueSchedules(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("due schedules: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected disabled schedule to not be due, got %#v", due)
	}

	if err := store.DeleteSchedule(ctx, "toggle"); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	if err := store.DeleteSchedule(ctx, "toggle"); err == nil {
		t.Fatal("expected error deleting a missing schedule")
	}
}
