package autonomy_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/shared"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	g, err := autonomy.Load(filepath.Join(t.TempDir(), "missing-gates.yaml"))
	if err != nil {
		t.Fatalf("load gates: %v", err)
	}
	live := autonomy.NewLiveGates(g, autonomy.ModeSupervised)
	if err := live.AllowCapability(autonomy.CapExecDocker); err != nil {
		t.Fatalf("default supervised grants exec.docker, got %v", err)
	}
	if err := live.AllowCapability(autonomy.CapExecHost); err == nil {
		t.Fatalf("default supervised must not grant exec.host")
	}

	live.SetMode(autonomy.ModeAutonomous)
	if err := live.AllowCapability(autonomy.CapExecHost); err != nil {
		t.Fatalf("default autonomous grants exec.host, got %v", err)
	}
}

func TestLoad_UnknownCapabilityRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gates.yaml")
	body := "modes:\n  supervised:\n    capabilities:\n      - workspace.write\n      - warp.core\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write gates: %v", err)
	}
	if _, err := autonomy.Load(path); err == nil {
		t.Fatalf("expected unknown capability to be rejected")
	}
}

func TestLoad_UnknownModeRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gates.yaml")
	body := "modes:\n  turbo:\n    capabilities:\n      - workspace.write\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write gates: %v", err)
	}
	if _, err := autonomy.Load(path); err == nil {
		t.Fatalf("expected unknown mode to be rejected")
	}
}

func TestLiveGates_SafeModeRefusesEverything(t *testing.T) {
	// A gates file that grants "safe" everything must still be ignored.
	g := autonomy.Default()
	g.Modes[autonomy.ModeSafe] = autonomy.ModeGrant{Capabilities: []string{
		autonomy.CapLeaseExecute, autonomy.CapExecHost,
	}}
	g.AllowDomains = []string{"example.com"}
	live := autonomy.NewLiveGates(g, autonomy.ModeSafe)

	caps := []string{
		autonomy.CapLeaseExecute, autonomy.CapWorkspaceWrite,
		autonomy.CapExecHost, autonomy.CapExecDocker, autonomy.CapNetHTTP,
		autonomy.CapSVFSend, autonomy.CapTelegramSend, autonomy.CapToolkitRun,
	}
	for _, c := range caps {
		if err := live.AllowCapability(c); !errors.Is(err, shared.ErrSafeMode) {
			t.Fatalf("capability %s in safe mode: want ErrSafeMode, got %v", c, err)
		}
	}
	if err := live.AllowHTTPURL("https://example.com/api"); !errors.Is(err, shared.ErrSafeMode) {
		t.Fatalf("outbound http in safe mode: want ErrSafeMode, got %v", err)
	}
	if err := live.AllowServerTool("CP14", "legacy", "tes_report"); !errors.Is(err, shared.ErrSafeMode) {
		t.Fatalf("tool call in safe mode: want ErrSafeMode, got %v", err)
	}
}

func TestLiveGates_SupervisedGrants(t *testing.T) {
	live := autonomy.NewLiveGates(autonomy.Default(), autonomy.ModeSupervised)

	if err := live.AllowCapability(autonomy.CapWorkspaceWrite); err != nil {
		t.Fatalf("workspace.write: %v", err)
	}
	if err := live.AllowCapability(autonomy.CapTelegramSend); !errors.Is(err, shared.ErrGateRefused) {
		t.Fatalf("telegram.send in supervised: want ErrGateRefused, got %v", err)
	}
	if err := live.AllowCapability("warp.core"); !errors.Is(err, shared.ErrGateRefused) {
		t.Fatalf("unknown capability: want ErrGateRefused, got %v", err)
	}
}

func TestLiveGates_UnknownModeDegradesToSafe(t *testing.T) {
	live := autonomy.NewLiveGates(autonomy.Default(), "turbo")
	if live.Mode() != autonomy.ModeSafe {
		t.Fatalf("expected degrade to safe, got %q", live.Mode())
	}
	live.SetMode(autonomy.ModeAutonomous)
	if live.Mode() != autonomy.ModeAutonomous {
		t.Fatalf("expected autonomous after SetMode, got %q", live.Mode())
	}
	live.SetMode("bogus")
	if live.Mode() != autonomy.ModeSafe {
		t.Fatalf("expected bogus SetMode to degrade to safe, got %q", live.Mode())
	}
}

func TestLiveGates_ReloadCannotEscalateMode(t *testing.T) {
	live := autonomy.NewLiveGates(autonomy.Default(), autonomy.ModeSafe)
	if err := live.AllowCapability(autonomy.CapExecHost); !errors.Is(err, shared.ErrSafeMode) {
		t.Fatalf("safe mode must refuse exec.host, got %v", err)
	}

	// A station.yaml edit lands here; it must not open the gates.
	err := live.SetModeFromReload(autonomy.ModeAutonomous)
	if !errors.Is(err, shared.ErrGateRefused) {
		t.Fatalf("expected ErrGateRefused for safe -> autonomous at reload, got %v", err)
	}
	if live.Mode() != autonomy.ModeSafe {
		t.Fatalf("mode after refused reload = %q, want safe", live.Mode())
	}
	if err := live.AllowCapability(autonomy.CapExecHost); !errors.Is(err, shared.ErrSafeMode) {
		t.Fatalf("exec.host must still be refused after refused reload, got %v", err)
	}

	live.SetMode(autonomy.ModeAutonomous)
	if err := live.SetModeFromReload(autonomy.ModeSupervised); err != nil {
		t.Fatalf("downward reload autonomous -> supervised: %v", err)
	}
	if err := live.SetModeFromReload(autonomy.ModeSafe); err != nil {
		t.Fatalf("downward reload supervised -> safe: %v", err)
	}
	if err := live.SetModeFromReload(autonomy.ModeSupervised); !errors.Is(err, shared.ErrGateRefused) {
		t.Fatalf("expected ErrGateRefused for safe -> supervised at reload, got %v", err)
	}
	if err := live.SetModeFromReload(autonomy.ModeSafe); err != nil {
		t.Fatalf("reasserting the current mode must not error: %v", err)
	}
}

func TestLiveGates_VersionTracksModeAndData(t *testing.T) {
	live := autonomy.NewLiveGates(autonomy.Default(), autonomy.ModeSafe)
	v1 := live.Version()
	if v1 == "" || v1[:6] != "gates-" {
		t.Fatalf("unexpected version format: %q", v1)
	}
	if again := live.Version(); again != v1 {
		t.Fatalf("version must be stable for identical state: %q vs %q", v1, again)
	}

	live.SetMode(autonomy.ModeAutonomous)
	v2 := live.Version()
	if v2 == v1 {
		t.Fatalf("mode change must change the version")
	}

	g := live.Snapshot()
	g.AllowDomains = append(g.AllowDomains, "api.example.com")
	live.Reload(g)
	if live.Version() == v2 {
		t.Fatalf("gates data change must change the version")
	}
}

func TestAllowHTTPURL_BlocksInternalHosts(t *testing.T) {
	g := autonomy.Default()
	g.AllowDomains = []string{"example.com", "127.0.0.1", "localhost"}
	live := autonomy.NewLiveGates(g, autonomy.ModeAutonomous)

	blocked := []string{
		"http://127.0.0.1:8080/",
		"http://localhost:8080/",
		"http://10.0.0.5/data",
		"http://169.254.1.2/meta",
		"ftp://example.com/file",
		"file:///etc/passwd",
	}
	for _, u := range blocked {
		if err := live.AllowHTTPURL(u); err == nil {
			t.Fatalf("expected blocked URL %q", u)
		}
	}
	if err := live.AllowHTTPURL("https://example.com/api"); err != nil {
		t.Fatalf("expected allowlisted public host to pass, got %v", err)
	}

	g.AllowLoopback = true
	live.Reload(g)
	if err := live.AllowHTTPURL("http://127.0.0.1:8080/ok"); err != nil {
		t.Fatalf("expected loopback allow when allow_loopback=true, got %v", err)
	}
}

func TestLiveGates_ReloadFromFileInvalidRetainsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gates.yaml")
	valid := "modes:\n  supervised:\n    capabilities:\n      - svf.send\nallow_domains:\n  - api.example.com\n"
	if err := os.WriteFile(path, []byte(valid), 0o644); err != nil {
		t.Fatalf("write gates: %v", err)
	}
	initial, err := autonomy.Load(path)
	if err != nil {
		t.Fatalf("load gates: %v", err)
	}
	live := autonomy.NewLiveGates(initial, autonomy.ModeSupervised)
	if err := live.AllowCapability(autonomy.CapSVFSend); err != nil {
		t.Fatalf("initial svf.send: %v", err)
	}

	invalid := "modes:\n  supervised:\n    capabilities:\n      - svf.send\n      - warp.core\n"
	if err := os.WriteFile(path, []byte(invalid), 0o644); err != nil {
		t.Fatalf("overwrite gates: %v", err)
	}
	if err := live.ReloadFromFile(path); err == nil {
		t.Fatalf("expected reload error for invalid capability")
	}
	// Fail closed on the new file, keep serving the old one.
	if err := live.AllowCapability(autonomy.CapSVFSend); err != nil {
		t.Fatalf("prior gates must remain active, got %v", err)
	}
}

func TestAllowServerTool_SpecificityAndDefault(t *testing.T) {
	g := autonomy.Default()
	g.Tools = autonomy.ToolGrants{
		Rules: []autonomy.ToolRule{
			{Roster: "*", Server: "legacy", Tools: []string{"tes_report"}},
			{Roster: "CP14", Server: "legacy", Tools: []string{"*"}},
		},
	}
	live := autonomy.NewLiveGates(g, autonomy.ModeAutonomous)

	if err := live.AllowServerTool("CP14", "legacy", "pattern_synthesis"); err != nil {
		t.Fatalf("exact roster rule should win: %v", err)
	}
	if err := live.AllowServerTool("CP7", "legacy", "tes_report"); err != nil {
		t.Fatalf("wildcard roster rule should allow tes_report: %v", err)
	}
	if err := live.AllowServerTool("CP7", "legacy", "pattern_synthesis"); !errors.Is(err, shared.ErrGateRefused) {
		t.Fatalf("tool outside wildcard rule: want ErrGateRefused, got %v", err)
	}
	if err := live.AllowServerTool("CP7", "unlisted", "anything"); !errors.Is(err, shared.ErrGateRefused) {
		t.Fatalf("unlisted server: want default deny, got %v", err)
	}

	g.Tools.Default = "allow"
	live.Reload(g)
	if err := live.AllowServerTool("CP7", "unlisted", "anything"); err != nil {
		t.Fatalf("default allow should pass unmatched calls: %v", err)
	}
}

func TestAllowPath_PrefixConfinement(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "workspace")
	if err := os.MkdirAll(filepath.Join(ws, "notes"), 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	g := autonomy.Default()
	g.AllowPaths = []string{ws}
	live := autonomy.NewLiveGates(g, autonomy.ModeSupervised)

	if err := live.AllowPath(filepath.Join(ws, "notes", "draft.md")); err != nil {
		t.Fatalf("path under workspace: %v", err)
	}
	if err := live.AllowPath("/etc/passwd"); !errors.Is(err, shared.ErrGateRefused) {
		t.Fatalf("path outside prefixes: want ErrGateRefused, got %v", err)
	}

	// Empty allowlist leaves confinement to the workspace layer.
	g.AllowPaths = nil
	live.Reload(g)
	if err := live.AllowPath("/etc/passwd"); err != nil {
		t.Fatalf("empty allowlist permits all, got %v", err)
	}
}

func TestWriteDefault_NoClobber(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gates.yaml")
	if err := autonomy.WriteDefault(path); err != nil {
		t.Fatalf("write default: %v", err)
	}
	if err := os.WriteFile(path, []byte("# operator edited\n"), 0o644); err != nil {
		t.Fatalf("edit gates: %v", err)
	}
	if err := autonomy.WriteDefault(path); err != nil {
		t.Fatalf("second write default: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read gates: %v", err)
	}
	if string(data) != "# operator edited\n" {
		t.Fatalf("WriteDefault must not clobber operator edits, got %q", string(data))
	}
}
