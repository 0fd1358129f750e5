// Package autonomy owns the station's safety gates: which capabilities,
// paths, hosts and external tools each autonomy mode may touch. Safe mode
// is absolute — it refuses every gated capability no matter what
// gates.yaml grants.
package autonomy

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Autonomy modes, mirroring config.
const (
	ModeSafe       = "safe"
	ModeSupervised = "supervised"
	ModeAutonomous = "autonomous"
)

// Gated capabilities.
const (
	CapLeaseExecute   = "lease.execute"
	CapWorkspaceWrite = "workspace.write"
	CapExecHost       = "exec.host"
	CapExecDocker     = "exec.docker"
	CapNetHTTP        = "net.http"
	CapSVFSend        = "svf.send"
	CapTelegramSend   = "telegram.send"
	CapToolkitRun     = "toolkit.run"
)

var knownCapabilities = map[string]struct{}{
	CapLeaseExecute:   {},
	CapWorkspaceWrite: {},
	CapExecHost:       {},
	CapExecDocker:     {},
	CapNetHTTP:        {},
	CapSVFSend:        {},
	CapTelegramSend:   {},
	CapToolkitRun:     {},
}

// Checker is what call sites consult before any side effect. A nil error
// means go ahead; refusals wrap shared.ErrSafeMode or shared.ErrGateRefused.
type Checker interface {
	AllowCapability(capability string) error
	AllowPath(path string) error
	AllowHTTPURL(raw string) error
	AllowServerTool(rosterID, server, tool string) error
	Mode() string
	Version() string
}

// ModeGrant lists the capabilities one mode may exercise.
type ModeGrant struct {
	Capabilities []string `yaml:"capabilities"`
}

// ToolRule scopes one external tool server. Exact matches beat wildcards.
type ToolRule struct {
	Roster string   `yaml:"roster"` // roster id or "*"
	Server string   `yaml:"server"` // server name or "*"
	Tools  []string `yaml:"tools"`  // tool names or ["*"]
}

// ToolGrants holds tool-server rules plus the fallback decision.
type ToolGrants struct {
	Default string     `yaml:"default"` // "deny" (default) or "allow"
	Rules   []ToolRule `yaml:"rules"`
}

// Gates is the serializable gates.yaml data. Grants for "safe" parse but
// are never consulted.
type Gates struct {
	Modes         map[string]ModeGrant `yaml:"modes"`
	AllowDomains  []string             `yaml:"allow_domains"`
	AllowPaths    []string             `yaml:"allow_paths"`
	AllowLoopback bool                 `yaml:"allow_loopback"`
	Tools         ToolGrants           `yaml:"tool_servers,omitempty"`
}

// Default grants supervised mode the quorum-guarded basics and autonomous
// mode the full capability set. Network stays shut until domains are
// allowlisted.
func Default() Gates {
	return Gates{
		Modes: map[string]ModeGrant{
			ModeSupervised: {Capabilities: []string{
				CapLeaseExecute, CapWorkspaceWrite, CapExecDocker, CapSVFSend,
			}},
			ModeAutonomous: {Capabilities: []string{
				CapLeaseExecute, CapWorkspaceWrite, CapExecHost, CapExecDocker,
				CapNetHTTP, CapSVFSend, CapTelegramSend, CapToolkitRun,
			}},
		},
	}
}

// GatesPath locates gates.yaml under the station home.
func GatesPath(homeDir string) string {
	return filepath.Join(homeDir, "gates.yaml")
}

// Load reads gates.yaml. A missing or empty file yields the defaults.
func Load(path string) (Gates, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Gates{}, fmt.Errorf("read gates: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var g Gates
	if err := yaml.Unmarshal(data, &g); err != nil {
		return Gates{}, fmt.Errorf("parse gates: %w", err)
	}
	if err := g.validate(); err != nil {
		return Gates{}, err
	}
	return g, nil
}

// WriteDefault materializes the default gates.yaml, refusing to clobber
// an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	out, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal gates: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func (g Gates) validate() error {
	for mode, grant := range g.Modes {
		switch mode {
		case ModeSafe, ModeSupervised, ModeAutonomous:
		default:
			return fmt.Errorf("unknown mode %q in gates", mode)
		}
		for _, capName := range grant.Capabilities {
			capability := strings.ToLower(strings.TrimSpace(capName))
			if capability == "" {
				continue
			}
			if _, ok := knownCapabilities[capability]; !ok {
				return fmt.Errorf("unknown capability %q", capName)
			}
		}
	}
	switch strings.ToLower(strings.TrimSpace(g.Tools.Default)) {
	case "", "deny", "allow":
	default:
		return fmt.Errorf("tool_servers.default %q is not deny or allow", g.Tools.Default)
	}
	return nil
}

func (g Gates) capabilityAllowed(mode, capability string) bool {
	grant, ok := g.Modes[mode]
	if !ok {
		return false
	}
	for _, c := range grant.Capabilities {
		if strings.ToLower(strings.TrimSpace(c)) == capability {
			return true
		}
	}
	return false
}

func (g Gates) urlAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, g.AllowLoopback) {
		return false
	}
	for _, domain := range g.AllowDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false // A hostname, not an IP.
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// pathAllowed checks whether a filesystem path sits under an allowed
// prefix. An empty AllowPaths list permits everything — the workspace
// layer carries its own confinement.
func (g Gates) pathAllowed(path string) bool {
	if len(g.AllowPaths) == 0 {
		return true
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// New files: resolve the parent instead.
		resolved, err = filepath.EvalSymlinks(filepath.Dir(path))
		if err != nil {
			return false
		}
		resolved = filepath.Join(resolved, filepath.Base(path))
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return false
	}
	for _, allowed := range g.AllowPaths {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if eval, evalErr := filepath.EvalSymlinks(allowedAbs); evalErr == nil {
			allowedAbs = eval
		}
		if resolved == allowedAbs || strings.HasPrefix(resolved, allowedAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// toolAllowed resolves the most specific matching rule: exact roster
// beats wildcard, exact server beats wildcard. No match falls back to
// Tools.Default, which is deny unless set to allow.
func (g Gates) toolAllowed(rosterID, server, tool string) bool {
	rosterID = strings.ToUpper(strings.TrimSpace(rosterID))
	server = strings.ToLower(strings.TrimSpace(server))
	tool = strings.ToLower(strings.TrimSpace(tool))

	var best *ToolRule
	bestScore := -1
	for i := range g.Tools.Rules {
		rule := &g.Tools.Rules[i]
		ruleRoster := strings.ToUpper(strings.TrimSpace(rule.Roster))
		ruleServer := strings.ToLower(strings.TrimSpace(rule.Server))

		score := 0
		switch ruleRoster {
		case rosterID:
			score += 4
		case "*":
			score++
		default:
			continue
		}
		switch ruleServer {
		case server:
			score += 2
		case "*":
		default:
			continue
		}
		if score > bestScore {
			best = rule
			bestScore = score
		}
	}
	if best != nil {
		for _, t := range best.Tools {
			t = strings.ToLower(strings.TrimSpace(t))
			if t == "*" || t == tool {
				return true
			}
		}
		return false
	}
	return strings.ToLower(strings.TrimSpace(g.Tools.Default)) == "allow"
}
