package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Narth/Calyx-sub001/internal/audit"
	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/channels"
	"github.com/Narth/Calyx-sub001/internal/config"
	"github.com/Narth/Calyx-sub001/internal/console"
	"github.com/Narth/Calyx-sub001/internal/foresight"
	"github.com/Narth/Calyx-sub001/internal/gateway"
	"github.com/Narth/Calyx-sub001/internal/heartbeat"
	"github.com/Narth/Calyx-sub001/internal/integrity"
	"github.com/Narth/Calyx-sub001/internal/intent"
	"github.com/Narth/Calyx-sub001/internal/lease"
	otelPkg "github.com/Narth/Calyx-sub001/internal/otel"
	"github.com/Narth/Calyx-sub001/internal/overseer"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/pulse"
	"github.com/Narth/Calyx-sub001/internal/roster"
	"github.com/Narth/Calyx-sub001/internal/safety"
	"github.com/Narth/Calyx-sub001/internal/sandbox"
	"github.com/Narth/Calyx-sub001/internal/schedules"
	"github.com/Narth/Calyx-sub001/internal/scribe"
	"github.com/Narth/Calyx-sub001/internal/shared"
	"github.com/Narth/Calyx-sub001/internal/svf"
	"github.com/Narth/Calyx-sub001/internal/telemetry"
	"github.com/Narth/Calyx-sub001/internal/tes"
	"github.com/Narth/Calyx-sub001/internal/toolkit"
	"github.com/Narth/Calyx-sub001/internal/toolserver"
)

// runDaemon wires and runs the whole station. Startup is strictly
// ordered: audit and logging first so every later failure leaves a
// trace, then the ledger, gates, crew, schedules and finally the
// outward surfaces (gateway, telegram, console).
func runDaemon(ctx context.Context, stop context.CancelFunc, attachConsole bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before the logger so logger failures are themselves audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	// Quiet (file-only) logs while the bridge console owns the terminal.
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, attachConsole)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"station", cfg.StationName, "mode", cfg.Autonomy.Mode, "fingerprint", cfg.Fingerprint())

	if cfg.FirstBoot {
		if err := writeStarterStation(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("station.yaml written with the default roster", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	for _, dir := range []string{cfg.LogsDir(), cfg.SVFDir(), cfg.OutgoingDir(),
		cfg.ReportsDir(), cfg.ToolkitDir(), cfg.WorkspaceDir(), cfg.RunsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatalStartup(logger, "E_HOME_LAYOUT", err)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Telemetry.Exporter != "" && cfg.Telemetry.Exporter != "none",
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	// Event bus before the store so persistence can publish row events.
	eventBus := bus.New()

	store, err := persistence.Open(cfg.DBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	requeued, err := store.RequeueExpiredClaims(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	recovered, err := store.RecoverRunningCycles(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed",
		"requeued_claims", requeued, "recovered_cycles", recovered)

	if err := autonomy.WriteDefault(cfg.GatesPath()); err != nil {
		fatalStartup(logger, "E_GATES_BOOTSTRAP", err)
	}
	gatesData, err := autonomy.Load(cfg.GatesPath())
	if err != nil {
		fatalStartup(logger, "E_GATES_LOAD", err)
	}
	gates := autonomy.NewLiveGates(gatesData, cfg.Autonomy.Mode)
	logger.Info("startup phase", "phase", "gates_loaded",
		"mode", gates.Mode(), "gate_version", gates.Version())

	governor := safety.NewGovernor(cfg.Governor.MaxRSSMB, cfg.Governor.MaxGoroutines,
		cfg.Governor.MaxLoadAvg, eventBus, logger)

	hb, err := heartbeat.NewWriter(cfg.HeartbeatPath(), int64(cfg.HeartbeatRotateMB)<<20, logger)
	if err != nil {
		fatalStartup(logger, "E_HEARTBEAT_INIT", err)
	}
	defer hb.Close()

	leases := lease.NewManager(store, cfg.OutgoingDir(),
		time.Duration(cfg.Lease.TTLMinutes)*time.Minute,
		time.Duration(cfg.Lease.StaleLockMinutes)*time.Minute, logger)

	intents, err := intent.NewService(store, eventBus, cfg.Autonomy.Quorum, logger)
	if err != nil {
		fatalStartup(logger, "E_INTENT_INIT", err)
	}

	voice := svf.NewService(store, gates, eventBus, cfg.SVFDir(), logger)

	narrator := scribe.New(ctx, scribe.Config{
		Provider:    cfg.Scribe.Provider,
		Model:       cfg.Scribe.Model,
		APIKey:      os.Getenv(cfg.Scribe.APIKeyEnv),
		Timeout:     time.Duration(cfg.Scribe.TimeoutSeconds) * time.Second,
		Soul:        cfg.SOUL,
		StationName: cfg.StationName,
	}, logger)
	if !narrator.Online() {
		logger.Info("scribe offline; pulses use the template narrative", "key_env", cfg.Scribe.APIKeyEnv)
	}

	tesMode := tes.Mode(cfg.TES.Mode)
	weights := tes.Weights{
		Stability: cfg.TES.SGIIStabilityWeight,
		Quorum:    cfg.TES.SGIIQuorumWeight,
		Deny:      cfg.TES.SGIIDenyWeight,
	}

	pulseGen := pulse.NewGenerator(store, narrator, gates, eventBus, pulse.Config{
		ReportsDir:    cfg.ReportsDir(),
		HeartbeatPath: cfg.HeartbeatPath(),
		StationName:   cfg.StationName,
		Mode:          tesMode,
		Window:        cfg.TES.Window,
		RecentWindow:  cfg.TES.RecentWindow,
		Weights:       weights,
	}, logger)

	auditor := integrity.New(store, eventBus, integrity.Config{
		ReportsDir:    cfg.ReportsDir(),
		HeartbeatPath: cfg.HeartbeatPath(),
		Mode:          tesMode,
		Window:        cfg.TES.Window,
	}, logger)

	sandboxTimeout := time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second
	runners := map[string]sandbox.Runner{
		"host": sandbox.NewHostRunner(cfg.WorkspaceDir(), sandboxTimeout, gates, logger),
	}
	if cfg.Sandbox.Backend == "docker" {
		docker, err := sandbox.NewDockerRunner(cfg.Sandbox.Image, cfg.Sandbox.MemoryMB,
			cfg.Sandbox.CPUs, cfg.Sandbox.NetworkMode, cfg.WorkspaceDir(), sandboxTimeout, gates, logger)
		if err != nil {
			logger.Warn("docker runner unavailable; docker leases will fail", "error", err)
		} else {
			runners["docker"] = docker
			defer docker.Close()
		}
	}

	leaseExec := overseer.NewLeaseExecutor(store, leases, gates, runners, hb, overseer.LeaseExecConfig{
		WorkspaceRoot: cfg.WorkspaceDir(),
		RunsDir:       cfg.RunsDir(),
		TESMode:       tesMode,
		TESWindow:     cfg.TES.Window,
	}, logger)

	crew := roster.New(store, roster.Deps{
		Gates:    gates,
		Bus:      eventBus,
		Governor: governor,
		Logger:   logger,

		LeaseExec: leaseExec,
		Directive: foresight.NewDirectiveProcessor(voice, "bridge", logger),
		Pulse:     pulseGen,
		Integrity: auditor,
		Maintenance: overseer.MaintenanceProcessor{
			Store:  store,
			Leases: leases,
			Config: overseer.MaintenanceConfig{
				RetentionCyclesDays: cfg.RetentionCyclesDays,
				RetentionAuditDays:  cfg.RetentionAuditDays,
				RetentionSVFDays:    cfg.RetentionSVFDays,
				BackupDir:           filepath.Join(cfg.HomeDir, "backups"),
			},
			Logger: logger,
		},
		SVFDigest: svf.DigestProcessor{Service: voice, Logger: logger},

		Workers:       cfg.Overseer.Workers,
		PollInterval:  time.Duration(cfg.Overseer.PollIntervalMS) * time.Millisecond,
		CycleTimeout:  time.Duration(cfg.Overseer.CycleTimeoutSeconds) * time.Second,
		MaxQueueDepth: cfg.Overseer.MaxQueueDepth,
	})

	if err := crew.RestorePersisted(ctx); err != nil {
		logger.Warn("some roster members failed to restore", "error", err)
	}
	seedRoster(ctx, crew, cfg.Roster, logger)
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	logger.Info("startup phase", "phase", "roster_restored", "members", len(crew.List()))

	if err := schedules.Seed(ctx, store, schedules.SeedConfig{
		PulseCron:     cfg.Schedules.Pulse,
		IntegrityCron: cfg.Schedules.Integrity,
	}); err != nil {
		fatalStartup(logger, "E_SCHEDULE_SEED", err)
	}
	scheduler := schedules.NewScheduler(schedules.Config{Store: store, Logger: logger})
	scheduler.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started")

	tkHost, err := toolkit.NewHost(ctx, toolkit.Config{Store: store, Gates: gates, Logger: logger})
	if err != nil {
		fatalStartup(logger, "E_TOOLKIT_INIT", err)
	}
	defer tkHost.Close(context.Background())
	tkWatcher := toolkit.NewWatcher(cfg.ToolkitDir(), tkHost, logger)
	if err := tkWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_TOOLKIT_WATCHER_START", err)
	}

	toolServers := toolserver.NewManager(cfg.ToolServers, gates, logger)
	defer toolServers.Close()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			switch filepath.Base(ev.Path) {
			case "gates.yaml":
				if err := gates.ReloadFromFile(ev.Path); err != nil {
					logger.Error("gates.yaml reload rejected; retaining previous gates", "error", err)
				} else {
					audit.Record("allow", "gates.reload", "hot_reload", gates.Version(), ev.Path)
					logger.Info("gates.yaml hot-reloaded", "gate_version", gates.Version())
				}
			case "SOUL.md":
				if data, err := os.ReadFile(ev.Path); err == nil {
					narrator.UpdateSoul(string(data))
					logger.Info("SOUL.md hot-reloaded")
				}
			case "station.yaml":
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("station.yaml reload failed", "error", err)
					break
				}
				if newCfg.Autonomy.Mode != gates.Mode() {
					if err := gates.SetModeFromReload(newCfg.Autonomy.Mode); err != nil {
						audit.Record("deny", "autonomy.mode", "reload_escalation_refused", gates.Version(), newCfg.Autonomy.Mode)
						logger.Error("autonomy mode escalation refused at reload; restart required",
							"requested", newCfg.Autonomy.Mode, "mode", gates.Mode(), "error", err)
					} else {
						audit.Record("allow", "autonomy.mode", "config_reload", gates.Version(), newCfg.Autonomy.Mode)
						logger.Info("autonomy mode changed", "mode", gates.Mode(), "gate_version", gates.Version())
					}
				}
				logger.Info("station.yaml hot-reloaded", "fingerprint", newCfg.Fingerprint())
			}
		}
	}()

	var server *http.Server
	serverErr := make(chan error, 1)
	if cfg.Dashboard.Enabled {
		authToken, err := gateway.LoadAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
		gw := gateway.New(gateway.Config{
			Store:   store,
			Crew:    crew,
			Gates:   gates,
			Bus:     eventBus,
			Intents: intents,
			Leases:  leases,
			Voice:   voice,
			Pulse:   pulseGen,

			HeartbeatPath: cfg.HeartbeatPath(),
			TESMode:       tesMode,
			TESWindow:     cfg.TES.Window,
			RecentWindow:  cfg.TES.RecentWindow,
			StationName:   cfg.StationName,

			AuthToken:         authToken,
			AllowOrigins:      cfg.Dashboard.AllowOrigins,
			ConfigFingerprint: cfg.Fingerprint(),
			RateLimitPerMin:   cfg.Dashboard.RateLimitPerMin,
			RateLimitBurst:    cfg.Dashboard.RateLimitBurst,

			Logger: logger,
		})

		server = &http.Server{Addr: cfg.Dashboard.BindAddr, Handler: gw.Handler()}
		lc := &net.ListenConfig{
			Control: func(network, address string, c syscall.RawConn) error {
				return c.Control(func(fd uintptr) {
					_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				})
			},
		}
		ln, err := lc.Listen(ctx, "tcp", cfg.Dashboard.BindAddr)
		if err != nil {
			if isAddrInUse(err) {
				hint := portOccupantHint(cfg.Dashboard.BindAddr)
				fatalStartup(logger, "E_GATEWAY_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
			}
			fatalStartup(logger, "E_GATEWAY_BIND", err)
		}
		logger.Info("startup phase", "phase", "gateway_bound", "addr", cfg.Dashboard.BindAddr)
		go func() {
			logger.Info("gateway listening", "addr", cfg.Dashboard.BindAddr, "ws", "/ws")
			if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
	}

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(channels.TelegramConfig{
				Token:          cfg.Telegram.Token,
				AllowedChatIDs: cfg.Telegram.AllowedIDs,
				Store:          store,
				Gates:          gates,
				Bus:            eventBus,
				Pulse:          pulseGen,
				HeartbeatPath:  cfg.HeartbeatPath(),
				TESMode:        tesMode,
				TESWindow:      cfg.TES.Window,
				ResumeMode:     cfg.Autonomy.Mode,
				Logger:         logger,
			})
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	// Hourly backstop for the scheduled maintenance cycles: retention
	// still runs even when the queue is wedged.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := store.RunRetention(ctx,
					cfg.RetentionCyclesDays, cfg.RetentionAuditDays, cfg.RetentionSVFDays)
				if err != nil {
					logger.Error("retention backstop failed", "error", err)
				} else if res.PurgedCycles+res.PurgedCycleEvents+res.PurgedAuditLogs+res.PurgedSVFMessages > 0 {
					logger.Info("retention backstop completed",
						"cycles", res.PurgedCycles, "cycle_events", res.PurgedCycleEvents,
						"audit_rows", res.PurgedAuditLogs, "svf_messages", res.PurgedSVFMessages)
				}
			}
		}
	}()

	if attachConsole {
		provider := console.NewProvider(console.Config{
			StationName:   cfg.StationName,
			Store:         store,
			Leases:        leases,
			Gates:         gates,
			HeartbeatPath: cfg.HeartbeatPath(),
			TESMode:       tesMode,
			TESWindow:     cfg.TES.Window,
		})
		go func() {
			if err := console.Run(ctx, cfg.StationName, provider, eventBus); err != nil && ctx.Err() == nil {
				logger.Error("bridge console exited with error", "error", err)
			}
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain the crew; the deferred closes flush
	// the rest.
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}
	scheduler.Stop()
	crew.DrainAll(drainTimeout)
	logger.Info("shutdown complete")
}

// seedRoster starts configured crew members that are not already
// running. RestorePersisted has run first, so this only fires on first
// boot or when station.yaml gains a member.
func seedRoster(ctx context.Context, crew *roster.Crew, entries []config.RosterEntry, logger *slog.Logger) {
	if len(entries) == 0 {
		entries = config.DefaultRoster()
	}
	seen := false
	for _, e := range entries {
		if e.ID == shared.OverseerID {
			seen = true
		}
		if crew.Get(e.ID) != nil {
			continue
		}
		if err := crew.Create(ctx, persistence.RosterRecord{
			ID:          e.ID,
			DisplayName: e.DisplayName,
			Emoji:       e.Emoji,
			Duty:        e.Duty,
			WorkerCount: e.Workers,
		}); err != nil {
			logger.Error("roster member seed failed", "roster_id", e.ID, "error", err)
		}
	}
	// The station never runs headless: the overseer is created even when
	// the configured roster omits it.
	if !seen && crew.Get(shared.OverseerID) == nil {
		if err := crew.Create(ctx, persistence.RosterRecord{
			ID:          shared.OverseerID,
			DisplayName: "Bridge Overseer",
			Duty:        "cycle oversight, pulses, integrity audits",
			WorkerCount: 2,
		}); err != nil {
			logger.Error("overseer seed failed", "error", err)
		}
	}
}

// writeStarterStation writes a first-boot station.yaml carrying the
// default roster so the file is there for operators to edit.
func writeStarterStation(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create station home: %w", err)
	}
	cfg := config.Config{
		StationName: "Station Calyx",
		LogLevel:    "info",
		Autonomy:    config.AutonomyConfig{Mode: config.ModeSafe, Quorum: 2},
		Roster:      config.DefaultRoster(),
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal station.yaml: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(homeDir), data, 0o644); err != nil {
		return fmt.Errorf("write station.yaml: %w", err)
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
