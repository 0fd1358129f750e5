// Package sandbox runs leased work: on the host under exec.host, or in
// an ephemeral container under exec.docker. Both runners root the
// command in the station workspace, scrub the environment, capture
// combined output, and redact leaked secrets before the output lands in
// the cycle ledger.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Narth/Calyx-sub001/internal/audit"
	"github.com/Narth/Calyx-sub001/internal/safety"
)

const (
	maxOutputBytes = 64 * 1024
	maxRunTimeout  = 10 * time.Minute
)

// Spec describes one command to execute.
type Spec struct {
	Argv    []string          `json:"argv"`
	Dir     string            `json:"dir,omitempty"` // workspace-relative
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// Result is what a runner reports back. A non-zero ExitCode is a
// result, not an error; errors mean the command could not be run at
// all.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Runner executes one command to completion.
type Runner interface {
	Name() string
	Run(ctx context.Context, spec Spec) (Result, error)
}

// denyList contains binaries leased work may never invoke, even inside
// a container (the workspace bind mount is writable).
var denyList = map[string]struct{}{
	"rm":       {},
	"rmdir":    {},
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"kill":     {},
	"killall":  {},
	"pkill":    {},
	"sudo":     {},
	"su":       {},
	"chmod":    {},
	"chown":    {},
}

var shellNames = map[string]struct{}{
	"sh":   {},
	"bash": {},
	"dash": {},
	"zsh":  {},
}

// deniedToken returns the first deny-listed token a spec would execute:
// the argv binary itself, or any command inside a shell -c string (so a
// denied binary cannot hide behind `sh -c`).
func deniedToken(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	bin := filepath.Base(argv[0])
	if _, blocked := denyList[bin]; blocked {
		return bin
	}
	if _, isShell := shellNames[bin]; !isShell {
		return ""
	}
	for i := 1; i < len(argv)-1; i++ {
		if argv[i] != "-c" {
			continue
		}
		for _, seg := range splitCommandSegments(argv[i+1]) {
			for _, tok := range strings.Fields(seg) {
				if _, blocked := denyList[tok]; blocked {
					return tok
				}
			}
		}
	}
	return ""
}

// splitCommandSegments splits a shell command at pipe and logical
// operators, returning the individual command segments for deny-list
// checking.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen > 0 {
			if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
				segments = append(segments, seg)
			}
			current = current[minIdx+matchLen:]
		} else {
			if seg := strings.TrimSpace(current); seg != "" {
				segments = append(segments, seg)
			}
			break
		}
	}
	return segments
}

// validateSpec runs the checks shared by both runners.
func validateSpec(spec Spec) error {
	if len(spec.Argv) == 0 || strings.TrimSpace(spec.Argv[0]) == "" {
		return fmt.Errorf("sandbox: empty argv")
	}
	if tok := deniedToken(spec.Argv); tok != "" {
		return fmt.Errorf("sandbox: command %q is on the deny list", tok)
	}
	return nil
}

// runTimeout picks the effective timeout for a spec.
func runTimeout(spec Spec, fallback time.Duration) time.Duration {
	timeout := fallback
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}
	if timeout <= 0 || timeout > maxRunTimeout {
		timeout = maxRunTimeout
	}
	return timeout
}

// resolveWorkDir confines a workspace-relative dir under root. The root
// arrives already symlink-resolved (workspace.Root()); this is the
// cheap arithmetic check on top.
func resolveWorkDir(root, dir string) (string, error) {
	if dir == "" {
		return root, nil
	}
	full := dir
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, dir)
	}
	full = filepath.Clean(full)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("sandbox: work dir %q escapes the workspace", dir)
	}
	return full, nil
}

// buildEnv assembles a scrubbed environment: PATH and HOME only, plus
// the spec's explicit entries sorted for determinism. The parent
// process environment (API keys, tokens) never leaks through.
func buildEnv(home string, extra map[string]string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}
	env := []string{"PATH=" + path, "HOME=" + home}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// scrubOutput redacts leaked secrets (before truncation, so a secret
// straddling the cap cannot slip through half-cut) and caps the size.
func scrubOutput(raw, capability, gatesVersion, runner string, leaks *safety.LeakDetector, logger *slog.Logger) string {
	out := raw
	if warnings := leaks.Scan(out); len(warnings) > 0 {
		out = leaks.Redact(out)
		for _, w := range warnings {
			audit.Record("allow", capability, "secret_redacted", gatesVersion, w.Pattern)
		}
		logger.Warn("sandbox output redacted",
			"runner", runner,
			"patterns", len(warnings))
	}
	return truncateOutput(out, maxOutputBytes)
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}
