package overseer_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Narth/Calyx-sub001/internal/heartbeat"
	"github.com/Narth/Calyx-sub001/internal/lease"
	"github.com/Narth/Calyx-sub001/internal/overseer"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/sandbox"
	"github.com/Narth/Calyx-sub001/internal/shared"
)

type fakeRunner struct {
	exit int
	err  error
	ran  [][]string
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Run(ctx context.Context, spec sandbox.Spec) (sandbox.Result, error) {
	f.ran = append(f.ran, spec.Argv)
	if f.err != nil {
		return sandbox.Result{}, f.err
	}
	return sandbox.Result{ExitCode: f.exit, Output: "verify output"}, nil
}

type execFixture struct {
	store  *persistence.Store
	leases *lease.Manager
	hbPath string
	home   string
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "calyx.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	leases := lease.NewManager(store, filepath.Join(home, "outgoing"), 30*time.Minute, time.Minute, logger)
	return &execFixture{
		store:  store,
		leases: leases,
		hbPath: filepath.Join(home, "logs", "heartbeat.csv"),
		home:   home,
	}
}

func (f *execFixture) executor(t *testing.T, gates stubGates, runners map[string]sandbox.Runner) *overseer.LeaseExecutor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hb, err := heartbeat.NewWriter(f.hbPath, 1<<20, logger)
	if err != nil {
		t.Fatalf("heartbeat writer: %v", err)
	}
	t.Cleanup(func() { _ = hb.Close() })
	return overseer.NewLeaseExecutor(f.store, f.leases, gates, runners, hb, overseer.LeaseExecConfig{
		WorkspaceRoot: filepath.Join(f.home, "workspace"),
		RunsDir:       filepath.Join(f.home, "runs"),
	}, logger)
}

// leasedCycle walks intent -> approved -> issued lease and returns the
// lease plus a lease_exec cycle carrying the given payload extras.
func (f *execFixture) leasedCycle(t *testing.T, payload overseer.LeasePayload) (*persistence.LeaseRecord, persistence.Cycle) {
	t.Helper()
	ctx := context.Background()
	intentID := approvedExecIntent(t, f.store)
	rec, err := f.leases.Issue(ctx, intentID, "CP14", 0)
	if err != nil {
		t.Fatalf("issue lease: %v", err)
	}
	payload.LeaseID = rec.ID
	payload.IntentID = intentID
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	cycleID, err := f.store.EnqueueLeaseCycle(ctx, rec.ID, "CP14", string(raw), 3)
	if err != nil {
		t.Fatalf("enqueue lease cycle: %v", err)
	}
	cycle, err := f.store.GetCycle(ctx, cycleID)
	if err != nil {
		t.Fatalf("get cycle: %v", err)
	}
	return rec, *cycle
}

func approvedExecIntent(t *testing.T, store *persistence.Store) string {
	t.Helper()
	ctx := context.Background()
	intentID, err := store.CreateIntent(ctx, "Re-index the archive shelves", "", "CP17", 3, 2)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if err := store.UpdateIntentStatus(ctx, intentID, persistence.IntentStatusProposed, ""); err != nil {
		t.Fatalf("propose intent: %v", err)
	}
	for _, signer := range []string{"CP7", "CP15"} {
		if _, _, err := store.CosignIntent(ctx, intentID, signer); err != nil {
			t.Fatalf("cosign %s: %v", signer, err)
		}
	}
	return intentID
}

func readHeartbeat(t *testing.T, path string) []heartbeat.Row {
	t.Helper()
	rows, skipped, err := heartbeat.ReadAll(path)
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if skipped != 0 {
		t.Fatalf("heartbeat rows skipped: %d", skipped)
	}
	return rows
}

func TestLeaseExecutor_SafeModeRefusalIsHeartbeatLogged(t *testing.T) {
	f := newExecFixture(t)
	rec, cycle := f.leasedCycle(t, overseer.LeasePayload{Directive: "trim the hedges"})

	x := f.executor(t, stubGates{err: shared.ErrSafeMode}, nil)
	_, err := x.Process(context.Background(), cycle)
	if !errors.Is(err, shared.ErrSafeMode) {
		t.Fatalf("expected safe mode refusal, got %v", err)
	}

	// Refused before any side effect: the lease never activated.
	got, err := f.leases.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if got.Status != persistence.LeaseStatusIssued {
		t.Errorf("lease status = %s, want issued", got.Status)
	}

	rows := readHeartbeat(t, f.hbPath)
	if len(rows) != 1 {
		t.Fatalf("heartbeat rows = %d, want 1", len(rows))
	}
	if rows[0].Status != heartbeat.StatusFailed || rows[0].Applied {
		t.Errorf("refusal row = status %q applied %v, want failed/false", rows[0].Status, rows[0].Applied)
	}
	if rows[0].TES != 0 {
		t.Errorf("refusal row TES = %v, want 0", rows[0].TES)
	}
}

func TestLeaseExecutor_JournalFallbackApplies(t *testing.T) {
	f := newExecFixture(t)
	rec, cycle := f.leasedCycle(t, overseer.LeasePayload{Directive: "log the watch change"})

	x := f.executor(t, stubGates{}, nil)
	ctx := shared.WithRunID(context.Background(), shared.NewRunID())
	out, err := x.Process(ctx, cycle)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	var result overseer.LeaseResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Outcome != persistence.OutcomeOK {
		t.Errorf("outcome = %q", result.Outcome)
	}
	if result.ChangedFiles != 1 || result.Footprint == 0 {
		t.Errorf("journal fallback footprint = %d files / %d bytes", result.ChangedFiles, result.Footprint)
	}

	got, err := f.leases.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if got.Status != persistence.LeaseStatusReleased || got.Outcome != persistence.OutcomeOK {
		t.Errorf("lease = %s/%s, want released/ok", got.Status, got.Outcome)
	}
	intent, err := f.store.GetIntent(context.Background(), rec.IntentID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.Status != persistence.IntentStatusExecuted {
		t.Errorf("intent status = %s, want executed", intent.Status)
	}

	journalDir := filepath.Join(f.home, "workspace", "journal")
	entries, err := os.ReadDir(journalDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("journal dir = %v entries, err %v", len(entries), err)
	}
	data, err := os.ReadFile(filepath.Join(journalDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if !strings.Contains(string(data), rec.ID) || !strings.Contains(string(data), "log the watch change") {
		t.Errorf("journal entry missing lease id or directive: %q", string(data))
	}

	rows := readHeartbeat(t, f.hbPath)
	if len(rows) != 1 {
		t.Fatalf("heartbeat rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.Status != heartbeat.StatusOK || !row.Applied || row.RunTests != heartbeat.TestsSkipped {
		t.Errorf("row = %q/%v/%q, want ok/true/skipped", row.Status, row.Applied, row.RunTests)
	}
	// Applied work without verification scores the graduated middle band.
	if row.TES != 0.6 {
		t.Errorf("TES = %v, want 0.6", row.TES)
	}
	if row.AutonomyMode != "autonomous" {
		t.Errorf("autonomy mode = %q", row.AutonomyMode)
	}
	if row.ModelID != "-" {
		t.Errorf("model id = %q, want -", row.ModelID)
	}
	if row.RunDir == "" || row.RunDir == "-" {
		t.Errorf("run dir missing from row: %q", row.RunDir)
	}
}

func TestLeaseExecutor_VerifiedChangesScoreFull(t *testing.T) {
	f := newExecFixture(t)
	runner := &fakeRunner{exit: 0}
	rec, cycle := f.leasedCycle(t, overseer.LeasePayload{
		Directive: "refit the telemetry mast",
		ExecMode:  persistence.ExecModeHost,
		Verify:    [][]string{{"true"}},
	})

	x := f.executor(t, stubGates{}, map[string]sandbox.Runner{persistence.ExecModeHost: runner})
	ctx := shared.WithRunID(context.Background(), shared.NewRunID())
	if _, err := x.Process(ctx, cycle); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(runner.ran) != 1 {
		t.Fatalf("verify commands run = %d, want 1", len(runner.ran))
	}

	got, _ := f.leases.Get(context.Background(), rec.ID)
	if got.ExecMode != persistence.ExecModeHost {
		t.Errorf("exec mode = %q, want host", got.ExecMode)
	}

	rows := readHeartbeat(t, f.hbPath)
	if rows[0].RunTests != heartbeat.TestsPassed {
		t.Errorf("run_tests = %q, want passed", rows[0].RunTests)
	}
	if rows[0].TES != 1.0 {
		t.Errorf("TES = %v, want 1.0", rows[0].TES)
	}
}

func TestLeaseExecutor_FailedVerificationVoidsCycle(t *testing.T) {
	f := newExecFixture(t)
	runner := &fakeRunner{exit: 1}
	rec, cycle := f.leasedCycle(t, overseer.LeasePayload{
		Directive: "recalibrate and prove it",
		ExecMode:  persistence.ExecModeHost,
		Verify:    [][]string{{"false"}},
	})

	x := f.executor(t, stubGates{}, map[string]sandbox.Runner{persistence.ExecModeHost: runner})
	_, err := x.Process(context.Background(), cycle)
	if err == nil {
		t.Fatal("expected failure when verification exits non-zero")
	}

	got, _ := f.leases.Get(context.Background(), rec.ID)
	if got.Status != persistence.LeaseStatusReleased || got.Outcome != persistence.OutcomeFailed {
		t.Errorf("lease = %s/%s, want released/failed", got.Status, got.Outcome)
	}
	// A failed release hands the intent back for re-lease.
	intent, _ := f.store.GetIntent(context.Background(), rec.IntentID)
	if intent.Status != persistence.IntentStatusApproved {
		t.Errorf("intent status = %s, want approved", intent.Status)
	}

	rows := readHeartbeat(t, f.hbPath)
	if rows[0].RunTests != heartbeat.TestsFailed {
		t.Errorf("run_tests = %q, want failed", rows[0].RunTests)
	}
	if rows[0].TES != 0 {
		t.Errorf("failed verification must void the score, got %v", rows[0].TES)
	}
}

func TestLeaseExecutor_ExpiredLeaseFailsTerminally(t *testing.T) {
	f := newExecFixture(t)
	ctx := context.Background()
	intentID := approvedExecIntent(t, f.store)
	rec, err := f.leases.Issue(ctx, intentID, "CP14", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("issue lease: %v", err)
	}
	raw, _ := json.Marshal(overseer.LeasePayload{LeaseID: rec.ID, Directive: "too late"})
	cycleID, err := f.store.EnqueueLeaseCycle(ctx, rec.ID, "CP14", string(raw), 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	cycle, _ := f.store.GetCycle(ctx, cycleID)

	time.Sleep(30 * time.Millisecond)

	x := f.executor(t, stubGates{}, nil)
	if _, err := x.Process(ctx, *cycle); err == nil {
		t.Fatal("expected terminal failure for expired lease")
	}

	got, _ := f.leases.Get(ctx, rec.ID)
	if got.Status != persistence.LeaseStatusExpired {
		t.Errorf("lease status = %s, want expired after sweep", got.Status)
	}
	rows := readHeartbeat(t, f.hbPath)
	if len(rows) != 1 || rows[0].Status != heartbeat.StatusFailed {
		t.Fatalf("expected one failed heartbeat row, got %#v", rows)
	}
}

func TestMaintenanceProcessor_Jobs(t *testing.T) {
	f := newExecFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proc := overseer.MaintenanceProcessor{
		Store:  f.store,
		Leases: f.leases,
		Config: overseer.MaintenanceConfig{
			RetentionCyclesDays: 90,
			RetentionAuditDays:  365,
			RetentionSVFDays:    90,
			BackupDir:           filepath.Join(f.home, "backups"),
		},
		Logger: logger,
	}

	ctx := context.Background()
	for _, job := range []string{overseer.JobRetention, overseer.JobLeaseSweep, overseer.JobBackup} {
		out, err := proc.Process(ctx, persistence.Cycle{
			Kind:    persistence.CycleKindMaintenance,
			Payload: overseer.MaintenancePayload(job),
		})
		if err != nil {
			t.Fatalf("job %s: %v", job, err)
		}
		if out == "" {
			t.Errorf("job %s produced no result", job)
		}
	}

	backups, err := os.ReadDir(filepath.Join(f.home, "backups"))
	if err != nil || len(backups) != 1 {
		t.Fatalf("backup dir entries = %d, err %v", len(backups), err)
	}

	if _, err := proc.Process(ctx, persistence.Cycle{Payload: `{"job":"defrost"}`}); err == nil {
		t.Error("expected error for unknown maintenance job")
	}
}
