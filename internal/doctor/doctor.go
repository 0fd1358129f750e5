// Package doctor runs the preflight diagnostics behind `calyx doctor`:
// each check inspects one slice of the station (home layout, config,
// gates, ledger, heartbeat, sandbox) and reports PASS, FAIL, WARN or
// SKIP without mutating anything beyond a write probe.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/config"
	"github.com/Narth/Calyx-sub001/internal/heartbeat"
	"github.com/Narth/Calyx-sub001/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed outright. WARN and SKIP
// don't count against the station.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks in order.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkHomeLayout,
		checkStationConfig,
		checkGates,
		checkLedger,
		checkHeartbeat,
		checkStaleLocks,
		checkDocker,
		checkScribeKey,
		checkTelegram,
		checkToolkitDir,
		checkDiskHeadroom,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkHomeLayout(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home Layout", Status: "FAIL", Message: "Configuration not loaded"}
	}

	dirs := []string{cfg.HomeDir, cfg.LogsDir(), cfg.SVFDir(), cfg.OutgoingDir(), cfg.ReportsDir()}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Home Layout", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
	}

	probe := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return CheckResult{Name: "Home Layout", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(probe)

	return CheckResult{Name: "Home Layout", Status: "PASS", Message: fmt.Sprintf("%s writable, %d subdirs present", cfg.HomeDir, len(dirs)-1)}
}

func checkStationConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Station Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.FirstBoot {
		return CheckResult{
			Name:    "Station Config",
			Status:  "WARN",
			Message: "station.yaml missing, running on defaults",
			Detail:  fmt.Sprintf("Expected at %s", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{
		Name:    "Station Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  fmt.Sprintf("mode=%s quorum=%d fingerprint=%s", cfg.Autonomy.Mode, cfg.Autonomy.Quorum, cfg.Fingerprint()),
	}
}

func checkGates(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gates", Status: "SKIP", Message: "Config missing"}
	}

	gates, err := autonomy.Load(cfg.GatesPath())
	if err != nil {
		return CheckResult{Name: "Gates", Status: "FAIL", Message: fmt.Sprintf("gates.yaml invalid: %v", err)}
	}

	// Grants written for safe mode parse but are never consulted; their
	// presence usually means someone expects safe mode to do work.
	if grant, ok := gates.Modes[autonomy.ModeSafe]; ok && len(grant.Capabilities) > 0 {
		return CheckResult{
			Name:    "Gates",
			Status:  "WARN",
			Message: "gates.yaml grants capabilities to safe mode",
			Detail:  "Safe mode refuses everything regardless of grants; remove the safe entry",
		}
	}

	return CheckResult{Name: "Gates", Status: "PASS", Message: fmt.Sprintf("Valid, %d modes configured", len(gates.Modes))}
}

func checkLedger(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Ledger", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Ledger", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	depth, err := store.QueueDepth(ctx)
	if err != nil {
		return CheckResult{Name: "Ledger", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Ledger",
		Status:  "PASS",
		Message: "Open and schema current",
		Detail:  fmt.Sprintf("queue_depth=%d path=%s", depth, cfg.DBPath()),
	}
}

func checkHeartbeat(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Heartbeat", Status: "SKIP", Message: "Config missing"}
	}

	rows, skipped, err := heartbeat.ReadAll(cfg.HeartbeatPath())
	if err != nil {
		return CheckResult{Name: "Heartbeat", Status: "FAIL", Message: fmt.Sprintf("Unreadable: %v", err)}
	}
	if len(rows) == 0 {
		return CheckResult{Name: "Heartbeat", Status: "PASS", Message: "Empty ledger (no beats recorded yet)"}
	}
	if skipped > 0 {
		return CheckResult{
			Name:    "Heartbeat",
			Status:  "WARN",
			Message: fmt.Sprintf("%d rows parsed, %d malformed rows skipped", len(rows), skipped),
		}
	}
	return CheckResult{Name: "Heartbeat", Status: "PASS", Message: fmt.Sprintf("%d rows parsed cleanly", len(rows))}
}

func checkStaleLocks(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Outgoing Locks", Status: "SKIP", Message: "Config missing"}
	}

	locks, err := filepath.Glob(filepath.Join(cfg.OutgoingDir(), "*.lock"))
	if err != nil {
		return CheckResult{Name: "Outgoing Locks", Status: "FAIL", Message: fmt.Sprintf("Scan failed: %v", err)}
	}

	cutoff := time.Now().Add(-cfg.StaleLockAfter())
	var stale []string
	for _, lock := range locks {
		info, err := os.Stat(lock)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, filepath.Base(lock))
		}
	}

	if len(stale) > 0 {
		return CheckResult{
			Name:    "Outgoing Locks",
			Status:  "WARN",
			Message: fmt.Sprintf("%d stale lock(s) older than %s", len(stale), cfg.StaleLockAfter()),
			Detail:  strings.Join(stale, ", "),
		}
	}
	return CheckResult{Name: "Outgoing Locks", Status: "PASS", Message: fmt.Sprintf("%d lock(s), none stale", len(locks))}
}

func checkDocker(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Sandbox.Backend != "docker" {
		return CheckResult{Name: "Docker", Status: "SKIP", Message: "Sandbox backend is not docker"}
	}

	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  "WARN",
			Message: "docker binary not found",
			Detail:  "Lease execution will refuse docker exec mode until installed",
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(probeCtx, "docker", "info").Run(); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  "WARN",
			Message: fmt.Sprintf("daemon unreachable: %v", err),
		}
	}
	return CheckResult{Name: "Docker", Status: "PASS", Message: "Daemon reachable"}
}

func checkScribeKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Scribe Key", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Scribe.Provider == "" || cfg.Scribe.Provider == "offline" {
		return CheckResult{Name: "Scribe Key", Status: "SKIP", Message: "Scribe runs offline (template narratives)"}
	}
	envVar := cfg.Scribe.APIKeyEnv
	if envVar == "" {
		envVar = "GEMINI_API_KEY"
	}
	if cfg.ScribeAPIKey() == "" {
		return CheckResult{
			Name:    "Scribe Key",
			Status:  "WARN",
			Message: fmt.Sprintf("%s not set", envVar),
			Detail:  "Pulse narratives fall back to the offline template",
		}
	}
	return CheckResult{Name: "Scribe Key", Status: "PASS", Message: fmt.Sprintf("%s is set", envVar)}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Channel disabled"}
	}
	if cfg.Telegram.Token == "" {
		return CheckResult{Name: "Telegram", Status: "FAIL", Message: "Enabled but no token (set TELEGRAM_TOKEN or telegram.token)"}
	}
	if len(cfg.Telegram.AllowedIDs) == 0 {
		return CheckResult{
			Name:    "Telegram",
			Status:  "WARN",
			Message: "Token set but allowlist empty",
			Detail:  "The channel refuses every chat until telegram.allowed_ids names one",
		}
	}
	return CheckResult{Name: "Telegram", Status: "PASS", Message: fmt.Sprintf("Token set, %d chat(s) allowlisted", len(cfg.Telegram.AllowedIDs))}
}

func checkToolkitDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Toolkit", Status: "SKIP", Message: "Config missing"}
	}

	dir := cfg.ToolkitDir()
	entries, err := filepath.Glob(filepath.Join(dir, "*.wasm"))
	if err != nil {
		return CheckResult{Name: "Toolkit", Status: "FAIL", Message: fmt.Sprintf("Scan failed: %v", err)}
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return CheckResult{Name: "Toolkit", Status: "WARN", Message: fmt.Sprintf("%s missing (created on daemon start)", dir)}
	}
	return CheckResult{Name: "Toolkit", Status: "PASS", Message: fmt.Sprintf("%d module(s) in %s", len(entries), dir)}
}

// minDiskHeadroomBytes is the floor below which the ledger and
// heartbeat appends are at risk.
const minDiskHeadroomBytes = 256 << 20

func checkDiskHeadroom(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Disk", Status: "SKIP", Message: "Config missing"}
	}

	free, err := diskFree(cfg.HomeDir)
	if err != nil {
		return CheckResult{Name: "Disk", Status: "SKIP", Message: fmt.Sprintf("Headroom unavailable: %v", err)}
	}
	if free < minDiskHeadroomBytes {
		return CheckResult{
			Name:    "Disk",
			Status:  "FAIL",
			Message: fmt.Sprintf("Only %d MB free under %s", free>>20, cfg.HomeDir),
			Detail:  "Ledger writes and heartbeat rotation need headroom",
		}
	}
	return CheckResult{Name: "Disk", Status: "PASS", Message: fmt.Sprintf("%d MB free", free>>20)}
}
