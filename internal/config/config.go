package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Autonomy modes, in ascending order of permission.
const (
	ModeSafe       = "safe"
	ModeSupervised = "supervised"
	ModeAutonomous = "autonomous"
)

// AutonomyConfig controls what the station may do without an operator.
type AutonomyConfig struct {
	// Mode is one of "safe", "supervised", "autonomous". Safe is absolute:
	// no lease execution, no dispatch, no workspace writes.
	Mode string `yaml:"mode"`

	// Quorum is the number of distinct cosigners required to approve an
	// intent. The requester's own signature never counts.
	Quorum int `yaml:"quorum"`
}

// OverseerConfig tunes the CBO cycle loop.
type OverseerConfig struct {
	Workers             int `yaml:"workers"`
	PollIntervalMS      int `yaml:"poll_interval_ms"`
	CycleTimeoutSeconds int `yaml:"cycle_timeout_seconds"`
	MaxQueueDepth       int `yaml:"max_queue_depth"`
}

// TESConfig selects the scoring formula and window sizes.
type TESConfig struct {
	// Mode is "graduated" (0.0/0.2/0.6/1.0) or "binary" (legacy).
	Mode         string `yaml:"mode"`
	Window       int    `yaml:"window"`
	RecentWindow int    `yaml:"recent_window"`

	// SGII composite weights over stability, quorum compliance rate and
	// audit deny ratio. Normalized at load, so a partial override keeps
	// its share relative to the defaults.
	SGIIStabilityWeight float64 `yaml:"sgii_stability_weight"`
	SGIIQuorumWeight    float64 `yaml:"sgii_quorum_weight"`
	SGIIDenyWeight      float64 `yaml:"sgii_deny_weight"`
}

// LeaseConfig tunes lease issuance and the outgoing/ export discipline.
type LeaseConfig struct {
	TTLMinutes       int `yaml:"ttl_minutes"`
	StaleLockMinutes int `yaml:"stale_lock_minutes"`
}

// ScribeConfig configures the narrative model. The key is read from the
// named env var, never stored in station.yaml.
type ScribeConfig struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// TelegramConfig configures the operator alert channel.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// DashboardConfig configures the HTTP/WS gateway.
type DashboardConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// Per-client budget for mutating requests. Zero rate disables limiting.
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
	RateLimitBurst  int `yaml:"rate_limit_burst"`
}

// TelemetryConfig selects the OTel exporter.
type TelemetryConfig struct {
	Exporter string `yaml:"exporter"` // "none", "stdout", "otlp-http"
	Endpoint string `yaml:"endpoint"`
}

// SchedulesConfig holds cron expressions for the built-in schedules.
type SchedulesConfig struct {
	Pulse     string `yaml:"pulse"`
	Integrity string `yaml:"integrity"`
}

// GovernorConfig sets resource thresholds above which the overseer backs
// off claiming new cycles.
type GovernorConfig struct {
	MaxRSSMB      int     `yaml:"max_rss_mb"`
	MaxGoroutines int     `yaml:"max_goroutines"`
	MaxLoadAvg    float64 `yaml:"max_load_avg"`
}

// SandboxConfig tunes the lease execution backends. The backend named
// here is a preference; gates decide what may actually run.
type SandboxConfig struct {
	Backend        string  `yaml:"backend"` // "docker" or "host"
	Image          string  `yaml:"image"`
	MemoryMB       int64   `yaml:"memory_mb"`
	CPUs           float64 `yaml:"cpus"`
	NetworkMode    string  `yaml:"network_mode"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// ToolServerConfig names an external helper tool reachable over stdio
// JSON-RPC (the legacy tools/ surface).
type ToolServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Enabled bool              `yaml:"enabled"`
}

// RosterEntry defines a crew member to seed on first boot.
type RosterEntry struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Emoji       string `yaml:"emoji"`
	Duty        string `yaml:"duty"`
	Workers     int    `yaml:"workers"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	StationName string `yaml:"station_name"`
	LogLevel    string `yaml:"log_level"`

	Autonomy  AutonomyConfig  `yaml:"autonomy"`
	Overseer  OverseerConfig  `yaml:"overseer"`
	TES       TESConfig       `yaml:"tes"`
	Lease     LeaseConfig     `yaml:"lease"`
	Scribe    ScribeConfig    `yaml:"scribe"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Schedules SchedulesConfig `yaml:"schedules"`
	Governor  GovernorConfig  `yaml:"governor"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`

	ToolServers []ToolServerConfig `yaml:"tool_servers"`
	Roster      []RosterEntry      `yaml:"roster"`

	RetentionCyclesDays int `yaml:"retention_cycles_days"`
	RetentionAuditDays  int `yaml:"retention_audit_days"`
	RetentionSVFDays    int `yaml:"retention_svf_days"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
	HeartbeatRotateMB   int `yaml:"heartbeat_rotate_mb"`

	SOUL      string `yaml:"-"`
	FirstBoot bool   `yaml:"-"`
}

// ConfigPath returns the path to station.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "station.yaml")
}

// Derived paths under the station home.
func (c Config) DBPath() string        { return filepath.Join(c.HomeDir, "calyx.db") }
func (c Config) GatesPath() string     { return filepath.Join(c.HomeDir, "gates.yaml") }
func (c Config) LogsDir() string       { return filepath.Join(c.HomeDir, "logs") }
func (c Config) SVFDir() string        { return filepath.Join(c.HomeDir, "logs", "svf") }
func (c Config) HeartbeatPath() string { return filepath.Join(c.HomeDir, "logs", "heartbeat.csv") }
func (c Config) OutgoingDir() string   { return filepath.Join(c.HomeDir, "outgoing") }
func (c Config) ReportsDir() string    { return filepath.Join(c.HomeDir, "reports") }
func (c Config) ToolkitDir() string    { return filepath.Join(c.HomeDir, "toolkit") }
func (c Config) WorkspaceDir() string  { return filepath.Join(c.HomeDir, "workspace") }
func (c Config) RunsDir() string       { return filepath.Join(c.HomeDir, "runs") }

// ScribeAPIKey resolves the scribe's API key from the configured env var.
func (c Config) ScribeAPIKey() string {
	envVar := c.Scribe.APIKeyEnv
	if envVar == "" {
		envVar = "GEMINI_API_KEY"
	}
	return os.Getenv(envVar)
}

// LeaseTTL returns the lease time-to-live as a duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Lease.TTLMinutes) * time.Minute
}

// StaleLockAfter returns the age past which an outgoing .lock is swept.
func (c Config) StaleLockAfter() time.Duration {
	return time.Duration(c.Lease.StaleLockMinutes) * time.Minute
}

// ExecTimeout returns the default per-command sandbox timeout.
func (c Config) ExecTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, used for change
// detection across reloads and reported by /healthz.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "mode=%s|quorum=%d|workers=%d|tes=%s/%d/%d|bind=%s|log=%s|origins=%v",
		c.Autonomy.Mode, c.Autonomy.Quorum, c.Overseer.Workers,
		c.TES.Mode, c.TES.Window, c.TES.RecentWindow,
		c.Dashboard.BindAddr, c.LogLevel, c.Dashboard.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		StationName: "Station Calyx",
		LogLevel:    "info",
		Autonomy: AutonomyConfig{
			Mode:   ModeSafe,
			Quorum: 2,
		},
		Overseer: OverseerConfig{
			Workers:             4,
			PollIntervalMS:      250,
			CycleTimeoutSeconds: int((10 * time.Minute).Seconds()),
			MaxQueueDepth:       100,
		},
		TES: TESConfig{
			Mode:                "graduated",
			Window:              50,
			RecentWindow:        10,
			SGIIStabilityWeight: 0.5,
			SGIIQuorumWeight:    0.3,
			SGIIDenyWeight:      0.2,
		},
		Lease: LeaseConfig{
			TTLMinutes:       30,
			StaleLockMinutes: 15,
		},
		Scribe: ScribeConfig{
			Provider:       "google",
			Model:          "gemini-2.5-flash",
			APIKeyEnv:      "GEMINI_API_KEY",
			TimeoutSeconds: 30,
		},
		Dashboard: DashboardConfig{
			Enabled:         true,
			BindAddr:        "127.0.0.1:18790",
			RateLimitPerMin: 120,
			RateLimitBurst:  20,
		},
		Telemetry: TelemetryConfig{Exporter: "none"},
		Schedules: SchedulesConfig{
			Pulse:     "0 */6 * * *",
			Integrity: "30 2 * * *",
		},
		Governor: GovernorConfig{
			MaxRSSMB:      1024,
			MaxGoroutines: 2000,
			MaxLoadAvg:    8.0,
		},
		Sandbox: SandboxConfig{
			Backend:        "docker",
			Image:          "golang:alpine",
			MemoryMB:       512,
			CPUs:           1,
			NetworkMode:    "none",
			TimeoutSeconds: 120,
		},
		RetentionCyclesDays: 90,
		RetentionAuditDays:  365,
		RetentionSVFDays:    90,
		DrainTimeoutSeconds: 5,
		HeartbeatRotateMB:   16,
	}
}

// HomeDir resolves the station home, honoring the CALYX_HOME override.
func HomeDir() string {
	if override := os.Getenv("CALYX_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".calyx")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create station home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstBoot = true
		} else {
			return cfg, fmt.Errorf("read station.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse station.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.StationName == "" {
		cfg.StationName = "Station Calyx"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Autonomy.Mode == "" {
		cfg.Autonomy.Mode = ModeSafe
	}
	if cfg.Autonomy.Quorum <= 0 {
		cfg.Autonomy.Quorum = 2
	}
	if cfg.Overseer.Workers <= 0 {
		cfg.Overseer.Workers = 4
	}
	if cfg.Overseer.PollIntervalMS <= 0 {
		cfg.Overseer.PollIntervalMS = 250
	}
	if cfg.Overseer.CycleTimeoutSeconds <= 0 {
		cfg.Overseer.CycleTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.TES.Mode == "" {
		cfg.TES.Mode = "graduated"
	}
	if cfg.TES.Window <= 0 {
		cfg.TES.Window = 50
	}
	if cfg.TES.RecentWindow <= 0 {
		cfg.TES.RecentWindow = 10
	}
	normalizeSGIIWeights(&cfg.TES)
	if cfg.Lease.TTLMinutes <= 0 {
		cfg.Lease.TTLMinutes = 30
	}
	if cfg.Lease.StaleLockMinutes <= 0 {
		cfg.Lease.StaleLockMinutes = 15
	}
	if cfg.Scribe.Provider == "" {
		cfg.Scribe.Provider = "google"
	}
	if cfg.Scribe.Model == "" {
		cfg.Scribe.Model = "gemini-2.5-flash"
	}
	if cfg.Scribe.TimeoutSeconds <= 0 {
		cfg.Scribe.TimeoutSeconds = 30
	}
	if cfg.Dashboard.BindAddr == "" {
		cfg.Dashboard.BindAddr = "127.0.0.1:18790"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if strings.TrimSpace(cfg.Schedules.Pulse) == "" {
		cfg.Schedules.Pulse = "0 */6 * * *"
	}
	if strings.TrimSpace(cfg.Schedules.Integrity) == "" {
		cfg.Schedules.Integrity = "30 2 * * *"
	}
	if cfg.HeartbeatRotateMB <= 0 {
		cfg.HeartbeatRotateMB = 16
	}
	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = "docker"
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "golang:alpine"
	}
	if cfg.Sandbox.MemoryMB <= 0 {
		cfg.Sandbox.MemoryMB = 512
	}
	if cfg.Sandbox.CPUs <= 0 {
		cfg.Sandbox.CPUs = 1
	}
	if cfg.Sandbox.NetworkMode == "" {
		cfg.Sandbox.NetworkMode = "none"
	}
	if cfg.Sandbox.TimeoutSeconds <= 0 {
		cfg.Sandbox.TimeoutSeconds = 120
	}
}

func normalizeSGIIWeights(t *TESConfig) {
	if t.SGIIStabilityWeight < 0 {
		t.SGIIStabilityWeight = 0
	}
	if t.SGIIQuorumWeight < 0 {
		t.SGIIQuorumWeight = 0
	}
	if t.SGIIDenyWeight < 0 {
		t.SGIIDenyWeight = 0
	}
	sum := t.SGIIStabilityWeight + t.SGIIQuorumWeight + t.SGIIDenyWeight
	if sum == 0 {
		t.SGIIStabilityWeight, t.SGIIQuorumWeight, t.SGIIDenyWeight = 0.5, 0.3, 0.2
		return
	}
	t.SGIIStabilityWeight /= sum
	t.SGIIQuorumWeight /= sum
	t.SGIIDenyWeight /= sum
}

func validate(cfg *Config) error {
	switch cfg.Autonomy.Mode {
	case ModeSafe, ModeSupervised, ModeAutonomous:
	default:
		return fmt.Errorf("autonomy.mode %q is not one of safe, supervised, autonomous", cfg.Autonomy.Mode)
	}
	switch cfg.TES.Mode {
	case "graduated", "binary":
	default:
		return fmt.Errorf("tes.mode %q is not one of graduated, binary", cfg.TES.Mode)
	}
	if cfg.TES.RecentWindow > cfg.TES.Window {
		return fmt.Errorf("tes.recent_window (%d) must not exceed tes.window (%d)",
			cfg.TES.RecentWindow, cfg.TES.Window)
	}
	switch cfg.Sandbox.Backend {
	case "docker", "host":
	default:
		return fmt.Errorf("sandbox.backend %q is not one of docker, host", cfg.Sandbox.Backend)
	}
	for _, r := range cfg.Roster {
		if r.ID == "" {
			return fmt.Errorf("roster entry with empty id")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CALYX_AUTONOMY_MODE"); raw != "" {
		cfg.Autonomy.Mode = raw
	}
	if raw := os.Getenv("CALYX_QUORUM"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Autonomy.Quorum = v
		}
	}
	if raw := os.Getenv("CALYX_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Overseer.Workers = v
		}
	}
	if raw := os.Getenv("CALYX_CYCLE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Overseer.CycleTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CALYX_DASHBOARD_ADDR"); raw != "" {
		cfg.Dashboard.BindAddr = raw
	}
	if raw := os.Getenv("CALYX_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CALYX_TES_MODE"); raw != "" {
		cfg.TES.Mode = raw
	}
	if raw := os.Getenv("CALYX_TES_WINDOW"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TES.Window = v
		}
	}
	if raw := os.Getenv("CALYX_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CALYX_SCRIBE_MODEL"); raw != "" {
		cfg.Scribe.Model = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}

func loadTextFiles(cfg *Config) {
	soulPath := filepath.Join(cfg.HomeDir, "SOUL.md")
	if b, err := os.ReadFile(soulPath); err == nil {
		cfg.SOUL = string(b)
	}
}

// loadRawConfig reads station.yaml into a generic map, returning an empty
// map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read station.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse station.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to station.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal station.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetAutonomyMode rewrites autonomy.mode in station.yaml, preserving other
// settings. Callers gate-check the change first; this only persists it.
func SetAutonomyMode(homeDir, mode string) error {
	switch mode {
	case ModeSafe, ModeSupervised, ModeAutonomous:
	default:
		return fmt.Errorf("unknown autonomy mode %q", mode)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	autonomy, _ := raw["autonomy"].(map[string]interface{})
	if autonomy == nil {
		autonomy = make(map[string]interface{})
	}
	autonomy["mode"] = mode
	raw["autonomy"] = autonomy
	return saveRawConfig(configPath, raw)
}

// SetScribeModel rewrites scribe.model in station.yaml, preserving other settings.
func SetScribeModel(homeDir, model string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	scribe, _ := raw["scribe"].(map[string]interface{})
	if scribe == nil {
		scribe = make(map[string]interface{})
	}
	scribe["model"] = model
	raw["scribe"] = scribe
	return saveRawConfig(configPath, raw)
}
