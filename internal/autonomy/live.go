package autonomy

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"github.com/Narth/Calyx-sub001/internal/shared"
)

// LiveGates serves gate checks behind an RWMutex so config reloads never
// race a worker mid-cycle. It implements Checker.
type LiveGates struct {
	mu   sync.RWMutex
	data Gates
	mode string
}

// NewLiveGates wraps an initial gates snapshot with the boot-time mode.
// An unrecognized mode degrades to safe.
func NewLiveGates(initial Gates, mode string) *LiveGates {
	return &LiveGates{data: initial, mode: normalizeMode(mode)}
}

func normalizeMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeSupervised:
		return ModeSupervised
	case ModeAutonomous:
		return ModeAutonomous
	default:
		return ModeSafe
	}
}

// AllowCapability refuses everything in safe mode, then consults the
// current mode's grants.
func (lg *LiveGates) AllowCapability(capability string) error {
	capability = strings.ToLower(strings.TrimSpace(capability))
	lg.mu.RLock()
	defer lg.mu.RUnlock()
	if lg.mode == ModeSafe {
		return fmt.Errorf("%w: %s", shared.ErrSafeMode, capability)
	}
	if _, ok := knownCapabilities[capability]; !ok {
		return fmt.Errorf("%w: unknown capability %q", shared.ErrGateRefused, capability)
	}
	if !lg.data.capabilityAllowed(lg.mode, capability) {
		return fmt.Errorf("%w: %s not granted in %s mode", shared.ErrGateRefused, capability, lg.mode)
	}
	return nil
}

// AllowPath confines filesystem access to the allowed prefixes.
func (lg *LiveGates) AllowPath(path string) error {
	lg.mu.RLock()
	defer lg.mu.RUnlock()
	if lg.data.pathAllowed(path) {
		return nil
	}
	return fmt.Errorf("%w: path %s outside allowed prefixes", shared.ErrGateRefused, path)
}

// AllowHTTPURL checks scheme, host class and the domain allowlist. Safe
// mode shuts outbound traffic entirely.
func (lg *LiveGates) AllowHTTPURL(raw string) error {
	lg.mu.RLock()
	defer lg.mu.RUnlock()
	if lg.mode == ModeSafe {
		return fmt.Errorf("%w: outbound http", shared.ErrSafeMode)
	}
	if lg.data.urlAllowed(raw) {
		return nil
	}
	return fmt.Errorf("%w: url %s not allowlisted", shared.ErrGateRefused, raw)
}

// AllowServerTool scopes external tool-server calls per roster member.
func (lg *LiveGates) AllowServerTool(rosterID, server, tool string) error {
	lg.mu.RLock()
	defer lg.mu.RUnlock()
	if lg.mode == ModeSafe {
		return fmt.Errorf("%w: tool %s/%s", shared.ErrSafeMode, server, tool)
	}
	if lg.data.toolAllowed(rosterID, server, tool) {
		return nil
	}
	return fmt.Errorf("%w: %s may not call %s/%s", shared.ErrGateRefused, rosterID, server, tool)
}

// Mode reports the current autonomy mode.
func (lg *LiveGates) Mode() string {
	lg.mu.RLock()
	defer lg.mu.RUnlock()
	return lg.mode
}

// modeRank orders modes by how much they open. Unknown values rank
// as safe.
func modeRank(mode string) int {
	switch normalizeMode(mode) {
	case ModeAutonomous:
		return 2
	case ModeSupervised:
		return 1
	default:
		return 0
	}
}

// SetMode swaps the autonomy mode at runtime (operator command).
// Unknown values degrade to safe.
func (lg *LiveGates) SetMode(mode string) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.mode = normalizeMode(mode)
}

// SetModeFromReload applies a mode change coming from a config file
// reload. Moves toward safe apply immediately; a move toward
// autonomous is refused and keeps the current mode — escalation
// requires a restart, so an edited station.yaml can never open the
// gates of a running station.
func (lg *LiveGates) SetModeFromReload(mode string) error {
	mode = normalizeMode(mode)
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if modeRank(mode) > modeRank(lg.mode) {
		return fmt.Errorf("%w: mode change %s -> %s at reload; escalation requires a restart",
			shared.ErrGateRefused, lg.mode, mode)
	}
	lg.mode = mode
	return nil
}

// Reload replaces the gates data wholesale.
func (lg *LiveGates) Reload(g Gates) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.data = g
}

// ReloadFromFile swaps in a fresh gates.yaml only when it parses and
// validates; on error the previous gates stay active.
func (lg *LiveGates) ReloadFromFile(path string) error {
	g, err := Load(path)
	if err != nil {
		return err
	}
	lg.Reload(g)
	return nil
}

// Snapshot returns a copy of the current gates data.
func (lg *LiveGates) Snapshot() Gates {
	lg.mu.RLock()
	defer lg.mu.RUnlock()
	cp := lg.data
	cp.AllowDomains = append([]string(nil), lg.data.AllowDomains...)
	cp.AllowPaths = append([]string(nil), lg.data.AllowPaths...)
	cp.Tools.Rules = append([]ToolRule(nil), lg.data.Tools.Rules...)
	if lg.data.Modes != nil {
		cp.Modes = make(map[string]ModeGrant, len(lg.data.Modes))
		for mode, grant := range lg.data.Modes {
			cp.Modes[mode] = ModeGrant{
				Capabilities: append([]string(nil), grant.Capabilities...),
			}
		}
	}
	return cp
}

// Version fingerprints the effective decision surface — gates data plus
// the active mode — so a run pinned to a version is fully reproducible.
func (lg *LiveGates) Version() string {
	lg.mu.RLock()
	defer lg.mu.RUnlock()
	return versionFor(lg.data, lg.mode)
}

func versionFor(g Gates, mode string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("mode=" + mode + "|"))

	modes := make([]string, 0, len(g.Modes))
	for m := range g.Modes {
		modes = append(modes, m)
	}
	sort.Strings(modes)
	for _, m := range modes {
		_, _ = h.Write([]byte(m + ":"))
		for _, c := range g.Modes[m].Capabilities {
			_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(c)) + ","))
		}
		_, _ = h.Write([]byte("|"))
	}
	for _, v := range g.AllowDomains {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range g.AllowPaths {
		_, _ = h.Write([]byte(strings.TrimSpace(v) + "|"))
	}
	if g.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback=true|"))
	}
	_, _ = h.Write([]byte(strings.ToLower(g.Tools.Default) + "|"))
	for _, r := range g.Tools.Rules {
		_, _ = h.Write([]byte(r.Roster + "/" + r.Server + "/" + strings.Join(r.Tools, ",") + "|"))
	}
	return fmt.Sprintf("gates-%x", h.Sum64())
}
