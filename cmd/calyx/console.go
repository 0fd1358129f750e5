package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/config"
	"github.com/Narth/Calyx-sub001/internal/console"
	"github.com/Narth/Calyx-sub001/internal/integrity"
	"github.com/Narth/Calyx-sub001/internal/lease"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/tes"
)

// runConsoleCommand attaches the bridge console straight to the local
// ledger. Useful when the daemon runs headless (or under systemd) and
// an operator wants a live view from another terminal.
func runConsoleCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		return usageErr("calyx console")
	}
	if !console.IsInteractive() {
		fmt.Fprintln(os.Stderr, "calyx: console: stdout is not a terminal")
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		return fail("console", err)
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return fail("console", err)
	}
	defer store.Close()

	gatesData, err := autonomy.Load(cfg.GatesPath())
	if err != nil {
		return fail("console", err)
	}
	gates := autonomy.NewLiveGates(gatesData, cfg.Autonomy.Mode)

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	leases := lease.NewManager(store, cfg.OutgoingDir(),
		time.Duration(cfg.Lease.TTLMinutes)*time.Minute,
		time.Duration(cfg.Lease.StaleLockMinutes)*time.Minute, quiet)

	provider := console.NewProvider(console.Config{
		StationName:   cfg.StationName,
		Store:         store,
		Leases:        leases,
		Gates:         gates,
		HeartbeatPath: cfg.HeartbeatPath(),
		TESMode:       tes.Mode(cfg.TES.Mode),
		TESWindow:     cfg.TES.Window,
	})
	if err := console.Run(ctx, cfg.StationName, provider, nil); err != nil && ctx.Err() == nil {
		return fail("console", err)
	}
	return 0
}

// runIntegrityCommand sweeps the local reports and heartbeat ledger and
// prints the findings. Works with the daemon stopped; with it running,
// the scheduled audit covers the same ground.
func runIntegrityCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		return usageErr("calyx integrity")
	}
	cfg, err := config.Load()
	if err != nil {
		return fail("integrity", err)
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return fail("integrity", err)
	}
	defer store.Close()

	auditor := integrity.New(store, nil, integrity.Config{
		ReportsDir:    cfg.ReportsDir(),
		HeartbeatPath: cfg.HeartbeatPath(),
		Mode:          tes.Mode(cfg.TES.Mode),
		Window:        cfg.TES.Window,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	audit, err := auditor.Run(ctx)
	if err != nil {
		return fail("integrity", err)
	}
	fmt.Printf("integrity audit: %d reports scanned, %d findings\n", audit.Scanned, len(audit.Findings))
	for _, f := range audit.Findings {
		fmt.Printf("  [%s] %s  %s  %s\n", f.Severity, f.Kind, f.Artifact, f.Detail)
	}
	if audit.ReportPath != "" {
		fmt.Printf("report: %s\n", audit.ReportPath)
	}
	if !audit.Clean() {
		return 1
	}
	return 0
}
