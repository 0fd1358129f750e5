package lease_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Narth/Calyx-sub001/internal/lease"
	"github.com/Narth/Calyx-sub001/internal/persistence"
)

func newTestManager(t *testing.T) (*lease.Manager, *persistence.Store, string) {
	t.Helper()
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "calyx.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	outgoing := filepath.Join(home, "outgoing")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := lease.NewManager(store, outgoing, 30*time.Minute, time.Minute, logger)
	return mgr, store, outgoing
}

// approvedIntent walks an intent to approved with two cosigners.
func approvedIntent(t *testing.T, store *persistence.Store) string {
	t.Helper()
	ctx := context.Background()
	intentID, err := store.CreateIntent(ctx, "Recalibrate dorsal sensor array", "", "CP7", 2, 2)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if err := store.UpdateIntentStatus(ctx, intentID, persistence.IntentStatusProposed, ""); err != nil {
		t.Fatalf("propose intent: %v", err)
	}
	if _, _, err := store.CosignIntent(ctx, intentID, "CP8"); err != nil {
		t.Fatalf("first cosign: %v", err)
	}
	if _, _, err := store.CosignIntent(ctx, intentID, "CP9"); err != nil {
		t.Fatalf("second cosign: %v", err)
	}
	return intentID
}

func readEnvelope(t *testing.T, dir, leaseID string) lease.Envelope {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, "lease_"+leaseID+".json"))
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var env lease.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestManager_IssueExportsEnvelope(t *testing.T) {
	mgr, store, outgoing := newTestManager(t)
	ctx := context.Background()
	intentID := approvedIntent(t, store)

	// Empty executor falls back to the default lease runner.
	rec, err := mgr.Issue(ctx, intentID, "", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	env := readEnvelope(t, outgoing, rec.ID)
	if env.LeaseID != rec.ID || env.IntentID != intentID {
		t.Fatalf("envelope ids = %s/%s, want %s/%s", env.LeaseID, env.IntentID, rec.ID, intentID)
	}
	if env.Status != "issued" {
		t.Fatalf("envelope status = %q, want issued", env.Status)
	}
	if len(env.Cosigners) != 2 || env.Cosigners[0] != "CP8" || env.Cosigners[1] != "CP9" {
		t.Fatalf("envelope cosigners = %v", env.Cosigners)
	}
	if env.Execution.Executor != lease.DefaultExecutor {
		t.Fatalf("executor = %q, want %q", env.Execution.Executor, lease.DefaultExecutor)
	}
	if env.Execution.Mode != "none" {
		t.Fatalf("mode = %q, want none before activation", env.Execution.Mode)
	}
	if env.Execution.StartedAt != nil || env.Execution.Outcome != nil {
		t.Fatalf("expected null execution fields, got %+v", env.Execution)
	}

	// Unstarted fields render as explicit nulls, not omissions.
	raw, err := os.ReadFile(filepath.Join(outgoing, "lease_"+rec.ID+".json"))
	if err != nil {
		t.Fatalf("read raw envelope: %v", err)
	}
	if !strings.Contains(string(raw), `"started_at": null`) {
		t.Fatalf("expected explicit null started_at in:\n%s", raw)
	}

	// No lock left behind, and the ledger remembers where the envelope went.
	if _, err := os.Stat(filepath.Join(outgoing, "lease_"+rec.ID+".lock")); !os.IsNotExist(err) {
		t.Fatalf("expected lock removed, stat err = %v", err)
	}
	if rec.EnvelopePath != filepath.Join("outgoing", "lease_"+rec.ID+".json") {
		t.Fatalf("envelope path = %q", rec.EnvelopePath)
	}
}

func TestManager_TransitionsRefreshEnvelope(t *testing.T) {
	mgr, store, outgoing := newTestManager(t)
	ctx := context.Background()
	intentID := approvedIntent(t, store)

	rec, err := mgr.Issue(ctx, intentID, "CP14", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := mgr.Activate(ctx, rec.ID, persistence.ExecModeDocker); err != nil {
		t.Fatalf("activate: %v", err)
	}
	env := readEnvelope(t, outgoing, rec.ID)
	if env.Status != "active" || env.Execution.Mode != "docker" {
		t.Fatalf("after activate: status=%q mode=%q", env.Status, env.Execution.Mode)
	}
	if env.Execution.StartedAt == nil {
		t.Fatal("expected started_at after activation")
	}
	if env.Execution.FinishedAt != nil {
		t.Fatal("finished_at should still be null while active")
	}

	if err := mgr.Release(ctx, rec.ID, persistence.OutcomeOK, "work complete"); err != nil {
		t.Fatalf("release: %v", err)
	}
	env = readEnvelope(t, outgoing, rec.ID)
	if env.Status != "released" {
		t.Fatalf("after release: status=%q", env.Status)
	}
	if env.Execution.Outcome == nil || *env.Execution.Outcome != "ok" {
		t.Fatalf("outcome = %v, want ok", env.Execution.Outcome)
	}
	if env.Execution.FinishedAt == nil {
		t.Fatal("expected finished_at after release")
	}
	if env.Execution.ReasonCode == nil || *env.Execution.ReasonCode != "work complete" {
		t.Fatalf("reason_code = %v", env.Execution.ReasonCode)
	}

	in, err := store.GetIntent(ctx, intentID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if in.Status != persistence.IntentStatusExecuted {
		t.Fatalf("intent status = %s, want executed", in.Status)
	}
}

func TestManager_FailedReleaseHandsIntentBack(t *testing.T) {
	mgr, store, outgoing := newTestManager(t)
	ctx := context.Background()
	intentID := approvedIntent(t, store)

	rec, err := mgr.Issue(ctx, intentID, "CP14", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := mgr.Activate(ctx, rec.ID, persistence.ExecModeHost); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := mgr.Release(ctx, rec.ID, persistence.OutcomeFailed, "tests failed"); err != nil {
		t.Fatalf("release: %v", err)
	}

	env := readEnvelope(t, outgoing, rec.ID)
	if env.Execution.Outcome == nil || *env.Execution.Outcome != "failed" {
		t.Fatalf("outcome = %v, want failed", env.Execution.Outcome)
	}

	in, err := store.GetIntent(ctx, intentID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if in.Status != persistence.IntentStatusApproved {
		t.Fatalf("intent status = %s, want approved for re-lease", in.Status)
	}
}

func TestManager_ExpireOverdueRefreshesEnvelopes(t *testing.T) {
	mgr, store, outgoing := newTestManager(t)
	ctx := context.Background()
	intentID := approvedIntent(t, store)

	rec, err := mgr.Issue(ctx, intentID, "CP14", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `UPDATE leases SET expires_at = datetime('now', '-60 seconds') WHERE id = ?;`, rec.ID); err != nil {
		t.Fatalf("backdate expiry: %v", err)
	}

	expired, err := mgr.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("expire overdue: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	env := readEnvelope(t, outgoing, rec.ID)
	if env.Status != "expired" {
		t.Fatalf("envelope status = %q, want expired", env.Status)
	}
	if env.Execution.ReasonCode == nil || *env.Execution.ReasonCode != "EXPIRED_TTL" {
		t.Fatalf("reason_code = %v, want EXPIRED_TTL", env.Execution.ReasonCode)
	}
	if env.Execution.Outcome != nil {
		t.Fatalf("expiry carries no outcome, got %v", env.Execution.Outcome)
	}
}

func TestManager_FreshLockBlocksExportNotLedger(t *testing.T) {
	mgr, store, outgoing := newTestManager(t)
	ctx := context.Background()
	intentID := approvedIntent(t, store)

	rec, err := mgr.Issue(ctx, intentID, "CP14", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Another writer holds the lock.
	lockPath := filepath.Join(outgoing, "lease_"+rec.ID+".lock")
	if err := os.WriteFile(lockPath, nil, 0o644); err != nil {
		t.Fatalf("plant lock: %v", err)
	}

	// The transition still lands in the ledger; only the export waits.
	if err := mgr.Activate(ctx, rec.ID, persistence.ExecModeDocker); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, err := store.GetLease(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if got.Status != persistence.LeaseStatusActive {
		t.Fatalf("ledger status = %s, want active", got.Status)
	}
	env := readEnvelope(t, outgoing, rec.ID)
	if env.Status != "issued" {
		t.Fatalf("stale envelope should still read issued, got %q", env.Status)
	}

	// Once the lock clears, an explicit export catches the envelope up.
	if err := os.Remove(lockPath); err != nil {
		t.Fatalf("clear lock: %v", err)
	}
	if err := mgr.Export(ctx, rec.ID); err != nil {
		t.Fatalf("export: %v", err)
	}
	env = readEnvelope(t, outgoing, rec.ID)
	if env.Status != "active" {
		t.Fatalf("refreshed envelope status = %q, want active", env.Status)
	}
}

func TestManager_StaleLockSweptDuringExport(t *testing.T) {
	mgr, store, outgoing := newTestManager(t)
	ctx := context.Background()
	intentID := approvedIntent(t, store)

	rec, err := mgr.Issue(ctx, intentID, "CP14", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// A crashed exporter left a lock behind, older than the threshold.
	lockPath := filepath.Join(outgoing, "lease_"+rec.ID+".lock")
	if err := os.WriteFile(lockPath, nil, 0o644); err != nil {
		t.Fatalf("plant lock: %v", err)
	}
	old := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatalf("age lock: %v", err)
	}

	if err := mgr.Export(ctx, rec.ID); err != nil {
		t.Fatalf("export over stale lock: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatalf("expected stale lock swept, stat err = %v", err)
	}
}

func TestManager_SweepStaleLocks(t *testing.T) {
	mgr, _, outgoing := newTestManager(t)

	if err := os.MkdirAll(outgoing, 0o755); err != nil {
		t.Fatalf("mkdir outgoing: %v", err)
	}
	stale := filepath.Join(outgoing, "lease_L-20260801-aaaaaa.lock")
	fresh := filepath.Join(outgoing, "lease_L-20260825-bbbbbb.lock")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatalf("plant lock %s: %v", p, err)
		}
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("age lock: %v", err)
	}

	swept, err := mgr.SweepStaleLocks()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale lock should be gone")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh lock should survive: %v", err)
	}
}
