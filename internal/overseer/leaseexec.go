package overseer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Narth/Calyx-sub001/internal/audit"
	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/heartbeat"
	"github.com/Narth/Calyx-sub001/internal/lease"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/sandbox"
	"github.com/Narth/Calyx-sub001/internal/shared"
	"github.com/Narth/Calyx-sub001/internal/tes"
	"github.com/Narth/Calyx-sub001/internal/workspace"
)

// LeasePayload is the work order a lease_exec cycle carries. Changes
// default to a journal entry recording the directive, so every executed
// lease leaves at least one artifact in the workspace.
type LeasePayload struct {
	LeaseID   string             `json:"lease_id"`
	IntentID  string             `json:"intent_id"`
	Directive string             `json:"directive"`
	ExecMode  string             `json:"exec_mode,omitempty"` // docker | host | none
	Changes   []workspace.Change `json:"changes,omitempty"`
	Verify    [][]string         `json:"verify,omitempty"` // argv lists run after apply
}

// LeaseResult is the success payload recorded on the cycle.
type LeaseResult struct {
	LeaseID      string  `json:"lease_id"`
	IntentID     string  `json:"intent_id"`
	Outcome      string  `json:"outcome"`
	TES          float64 `json:"tes"`
	ChangedFiles int     `json:"changed_files"`
	Footprint    int64   `json:"footprint_bytes"`
	RunTests     string  `json:"run_tests"`
	RunDir       string  `json:"run_dir,omitempty"`
}

// LeaseExecConfig carries the executor's knobs.
type LeaseExecConfig struct {
	WorkspaceRoot string
	RunsDir       string
	TESMode       tes.Mode
	TESWindow     int
}

// LeaseExecutor runs lease_exec cycles end to end: gate check, lease
// activation, workspace changes, verification commands, release, and
// the heartbeat row. Safe mode refuses before any side effect; the
// refusal itself lands in the heartbeat ledger as a failed cycle.
type LeaseExecutor struct {
	store   *persistence.Store
	leases  *lease.Manager
	gates   autonomy.Checker
	runners map[string]sandbox.Runner // exec mode -> runner
	hb      *heartbeat.Writer
	cfg     LeaseExecConfig
	logger  *slog.Logger
}

func NewLeaseExecutor(
	store *persistence.Store,
	leases *lease.Manager,
	gates autonomy.Checker,
	runners map[string]sandbox.Runner,
	hb *heartbeat.Writer,
	cfg LeaseExecConfig,
	logger *slog.Logger,
) *LeaseExecutor {
	if cfg.TESMode == "" {
		cfg.TESMode = tes.ModeGraduated
	}
	if cfg.TESWindow <= 0 {
		cfg.TESWindow = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseExecutor{
		store:   store,
		leases:  leases,
		gates:   gates,
		runners: runners,
		hb:      hb,
		cfg:     cfg,
		logger:  logger,
	}
}

func (x *LeaseExecutor) Process(ctx context.Context, cycle persistence.Cycle) (string, error) {
	started := time.Now()

	var payload LeasePayload
	if err := json.Unmarshal([]byte(cycle.Payload), &payload); err != nil {
		return "", fmt.Errorf("decode lease payload: %w", err)
	}
	if payload.LeaseID == "" {
		payload.LeaseID = cycle.LeaseID
	}
	if payload.LeaseID == "" {
		return "", Terminal("", errors.New("lease cycle without lease id"))
	}

	// Gate first. In safe mode this refuses every lease cycle ahead of
	// any side effect, and the refusal is heartbeat-logged.
	if err := x.gates.AllowCapability(autonomy.CapLeaseExecute); err != nil {
		audit.Record("deny", autonomy.CapLeaseExecute, "missing_capability", x.gates.Version(), payload.LeaseID)
		x.appendRow(heartbeat.Row{
			Status:    heartbeat.StatusFailed,
			RunTests:  heartbeat.TestsSkipped,
			DurationS: time.Since(started).Seconds(),
		})
		return "", err
	}
	audit.Record("allow", autonomy.CapLeaseExecute, "capability_granted", x.gates.Version(), payload.LeaseID)

	rec, err := x.leases.Get(ctx, payload.LeaseID)
	if err != nil {
		return "", fmt.Errorf("load lease: %w", err)
	}
	if rec == nil {
		return "", Terminal(persistence.ReasonExpiredTTL, fmt.Errorf("lease not found: %s", payload.LeaseID))
	}
	if payload.IntentID == "" {
		payload.IntentID = rec.IntentID
	}

	mode, runner := x.pickRunner(payload.ExecMode)
	switch rec.Status {
	case persistence.LeaseStatusIssued:
		if err := x.leases.Activate(ctx, rec.ID, mode); err != nil {
			if errors.Is(err, shared.ErrLeaseNotHeld) {
				return "", x.concedeExpired(ctx, rec.ID, started, err)
			}
			return "", fmt.Errorf("activate lease: %w", err)
		}
	case persistence.LeaseStatusActive:
		// Retry after a timeout or crash; keep going under the
		// recorded mode.
		if rec.ExecMode != "" && rec.ExecMode != persistence.ExecModeNone {
			mode = rec.ExecMode
			runner = x.runners[mode]
		}
	default:
		return "", Terminal(persistence.ReasonExpiredTTL,
			fmt.Errorf("lease %s is %s, not executable", rec.ID, rec.Status))
	}

	runDir := x.materializeRunDir(ctx, cycle, payload)

	changes := payload.Changes
	if len(changes) == 0 {
		changes = []workspace.Change{journalChange(payload, started)}
	}

	ws, err := workspace.New(x.cfg.WorkspaceRoot, x.gates)
	if err != nil {
		return "", fmt.Errorf("open workspace: %w", err)
	}
	cs, applyErr := ws.Apply(ctx, changes)
	if ctx.Err() != nil {
		// Canceled or timed out mid-apply: leave the lease active so a
		// retry or the TTL sweep decides; no heartbeat row for a
		// discarded attempt.
		return "", ctx.Err()
	}

	tests := heartbeat.TestsSkipped
	var verifyErr error
	if applyErr == nil && len(payload.Verify) > 0 {
		tests, verifyErr = x.runVerify(ctx, runner, payload.Verify, runDir)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	row := heartbeat.Row{
		Footprint:    cs.Bytes,
		ChangedFiles: cs.Count(),
		Applied:      applyErr == nil && cs.Count() > 0,
		RunTests:     tests,
		DurationS:    time.Since(started).Seconds(),
		RunDir:       runDir,
	}

	outcome := persistence.OutcomeOK
	reason := "executed"
	switch {
	case applyErr != nil:
		outcome = persistence.OutcomeFailed
		reason = "apply_failed"
		row.Status = heartbeat.StatusFailed
	case tests == heartbeat.TestsFailed:
		// A failed verification voids the cycle regardless of what
		// got applied.
		outcome = persistence.OutcomeFailed
		reason = "tests_failed"
		row.Status = heartbeat.StatusOK
	default:
		row.Status = heartbeat.StatusOK
	}

	if err := x.leases.Release(ctx, rec.ID, outcome, reason); err != nil {
		if errors.Is(err, shared.ErrLeaseNotHeld) || errors.Is(err, shared.ErrIllegalTransition) {
			return "", x.concedeExpired(ctx, rec.ID, started, err)
		}
		return "", fmt.Errorf("release lease: %w", err)
	}

	x.appendRow(row)

	if applyErr != nil {
		if errors.Is(applyErr, shared.ErrSafeMode) || errors.Is(applyErr, shared.ErrGateRefused) {
			return "", Terminal(persistence.ReasonSafeModeRefusal, fmt.Errorf("apply changes: %w", applyErr))
		}
		return "", Terminal("", fmt.Errorf("apply changes: %w", applyErr))
	}
	if outcome == persistence.OutcomeFailed {
		if verifyErr == nil {
			verifyErr = errors.New("verification commands failed")
		}
		return "", Terminal("", verifyErr)
	}

	result := LeaseResult{
		LeaseID:      rec.ID,
		IntentID:     payload.IntentID,
		Outcome:      outcome,
		TES:          tes.Score(row, x.cfg.TESMode),
		ChangedFiles: row.ChangedFiles,
		Footprint:    row.Footprint,
		RunTests:     tests,
		RunDir:       runDir,
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode lease result: %w", err)
	}
	x.logger.Info("lease executed",
		"lease_id", rec.ID, "intent_id", payload.IntentID,
		"changed_files", row.ChangedFiles, "footprint", row.Footprint,
		"run_tests", tests, "tes", result.TES)
	return string(out), nil
}

// concedeExpired finalizes an attempt whose lease the TTL sweep owns:
// failed heartbeat row, prompt sweep so the envelope reads expired, and
// a terminal EXPIRED_TTL for the cycle.
func (x *LeaseExecutor) concedeExpired(ctx context.Context, leaseID string, started time.Time, cause error) error {
	x.appendRow(heartbeat.Row{
		Status:    heartbeat.StatusFailed,
		RunTests:  heartbeat.TestsSkipped,
		DurationS: time.Since(started).Seconds(),
	})
	if _, err := x.leases.ExpireOverdue(ctx); err != nil {
		x.logger.Warn("expiry sweep after lost lease failed", "lease_id", leaseID, "error", err)
	}
	return Terminal(persistence.ReasonExpiredTTL, fmt.Errorf("lease %s no longer held: %w", leaseID, cause))
}

// pickRunner maps the requested exec mode to a configured runner.
// Unknown or absent modes degrade to "none": changes still apply, but
// verification is skipped.
func (x *LeaseExecutor) pickRunner(requested string) (string, sandbox.Runner) {
	if requested != "" {
		if r, ok := x.runners[requested]; ok {
			return requested, r
		}
		x.logger.Warn("requested exec mode unavailable", "exec_mode", requested)
	}
	for _, mode := range []string{persistence.ExecModeDocker, persistence.ExecModeHost} {
		if r, ok := x.runners[mode]; ok {
			return mode, r
		}
	}
	return persistence.ExecModeNone, nil
}

// runVerify executes the verification commands in order. Exit codes
// decide passed/failed; a command that cannot run at all (gate refusal,
// missing runner) leaves the column skipped rather than failed.
func (x *LeaseExecutor) runVerify(ctx context.Context, runner sandbox.Runner, verify [][]string, runDir string) (string, error) {
	if runner == nil {
		x.logger.Warn("verification requested but no runner available")
		return heartbeat.TestsSkipped, nil
	}
	var log strings.Builder
	for i, argv := range verify {
		if len(argv) == 0 {
			continue
		}
		res, err := runner.Run(ctx, sandbox.Spec{Argv: argv})
		if err != nil {
			if ctx.Err() != nil {
				return heartbeat.TestsSkipped, err
			}
			x.logger.Warn("verification command refused", "argv", strings.Join(argv, " "), "error", err)
			return heartbeat.TestsSkipped, nil
		}
		fmt.Fprintf(&log, "$ %s\nexit %d (%.1fs)\n%s\n", strings.Join(argv, " "),
			res.ExitCode, res.Duration.Seconds(), res.Output)
		if res.ExitCode != 0 {
			x.writeVerifyLog(runDir, log.String())
			return heartbeat.TestsFailed, fmt.Errorf("verify command %d exited %d: %s", i, res.ExitCode, strings.Join(argv, " "))
		}
	}
	x.writeVerifyLog(runDir, log.String())
	return heartbeat.TestsPassed, nil
}

func (x *LeaseExecutor) writeVerifyLog(runDir, content string) {
	if runDir == "" || content == "" {
		return
	}
	if err := os.WriteFile(filepath.Join(runDir, "verify.log"), []byte(content), 0o644); err != nil {
		x.logger.Warn("verify log write failed", "error", err)
	}
}

// materializeRunDir creates runs/<run_id>/ with the work-order manifest.
// Failure is logged, not fatal; the cycle just runs without artifacts.
func (x *LeaseExecutor) materializeRunDir(ctx context.Context, cycle persistence.Cycle, payload LeasePayload) string {
	runID := shared.RunID(ctx)
	if runID == "" || x.cfg.RunsDir == "" {
		return ""
	}
	dir := filepath.Join(x.cfg.RunsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		x.logger.Warn("run dir create failed", "run_id", runID, "error", err)
		return ""
	}
	manifest := map[string]any{
		"run_id":    runID,
		"cycle_id":  cycle.ID,
		"lease_id":  payload.LeaseID,
		"intent_id": payload.IntentID,
		"roster_id": cycle.RosterID,
		"directive": payload.Directive,
		"started":   time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		data = append(data, '\n')
		if werr := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); werr != nil {
			x.logger.Warn("run manifest write failed", "run_id", runID, "error", werr)
		}
	}
	return dir
}

// appendRow scores and lands one heartbeat row. A ledger write failure
// never fails the cycle; it is logged and audited so the pulse can note
// the gap.
func (x *LeaseExecutor) appendRow(row heartbeat.Row) {
	if x.hb == nil {
		return
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}
	if row.AutonomyMode == "" && x.gates != nil {
		row.AutonomyMode = x.gates.Mode()
	}
	if row.ModelID == "" {
		row.ModelID = "-"
	}
	row.TES = tes.Score(row, x.cfg.TESMode)

	// Stability and velocity are computed over the window including
	// this row, so the ledger is self-describing at every line.
	history, skipped, err := heartbeat.Tail(x.hb.Path(), x.cfg.TESWindow-1)
	if err != nil {
		x.logger.Warn("heartbeat history read failed", "error", err)
	} else if skipped > 0 {
		x.logger.Warn("heartbeat rows skipped as malformed", "count", skipped)
	}
	history = append(history, row)
	row.Stability = tes.Stability(history, x.cfg.TESWindow, x.cfg.TESMode)
	row.Velocity = tes.Velocity(history, row.Timestamp)

	if err := x.hb.Append(row); err != nil {
		x.logger.Error("heartbeat append failed", "error", err)
		audit.Record("deny", "heartbeat.append", "E_HEARTBEAT_IO", x.gates.Version(), x.hb.Path())
	}
}

// journalChange is the default artifact for a lease with no explicit
// change set: one appended line in the station journal.
func journalChange(payload LeasePayload, started time.Time) workspace.Change {
	directive := strings.TrimSpace(payload.Directive)
	if directive == "" {
		directive = "(no directive)"
	}
	entry := fmt.Sprintf("- %s lease=%s intent=%s %s\n",
		started.UTC().Format(time.RFC3339), payload.LeaseID, payload.IntentID, directive)
	return workspace.Change{
		Op:      "append",
		Path:    filepath.Join("journal", started.UTC().Format("2006-01-02")+".md"),
		Content: entry,
	}
}
