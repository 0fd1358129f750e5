package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/Narth/Calyx-sub001/internal/audit"
	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/safety"
)

// HostRunner executes commands directly on the host, rooted in the
// station workspace.
type HostRunner struct {
	root    string // resolved workspace root
	timeout time.Duration
	gates   autonomy.Checker
	leaks   *safety.LeakDetector
	logger  *slog.Logger
}

// NewHostRunner creates a host runner over the given workspace root.
func NewHostRunner(root string, timeout time.Duration, gates autonomy.Checker, logger *slog.Logger) *HostRunner {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HostRunner{
		root:    root,
		timeout: timeout,
		gates:   gates,
		leaks:   safety.NewLeakDetector(),
		logger:  logger,
	}
}

func (h *HostRunner) Name() string { return "host" }

// Run executes the spec under the exec.host gate. A timeout or non-zero
// exit is reported in the Result; errors mean the command never ran.
func (h *HostRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	subject := strings.Join(spec.Argv, " ")
	if err := h.gates.AllowCapability(autonomy.CapExecHost); err != nil {
		audit.Record("deny", autonomy.CapExecHost, "missing_capability", h.gates.Version(), subject)
		return Result{}, err
	}
	if err := validateSpec(spec); err != nil {
		audit.Record("deny", autonomy.CapExecHost, "spec_rejected", h.gates.Version(), subject)
		return Result{}, err
	}
	audit.Record("allow", autonomy.CapExecHost, "capability_granted", h.gates.Version(), subject)

	dir, err := resolveWorkDir(h.root, spec.Dir)
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, runTimeout(spec, h.timeout))
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = dir
	cmd.Env = buildEnv(h.root, spec.Env)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	runErr := cmd.Run()
	res := Result{
		Output:   scrubOutput(buf.String(), autonomy.CapExecHost, h.gates.Version(), h.Name(), h.leaks, h.logger),
		Duration: time.Since(start),
	}

	switch {
	case runErr == nil:
		res.ExitCode = 0
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.Output += "\n[timed out]"
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// Could not start at all (binary missing, permission).
			return Result{}, fmt.Errorf("sandbox: exec %s: %w", spec.Argv[0], runErr)
		}
	}

	h.logger.Info("host exec finished",
		"cmd", spec.Argv[0],
		"exit", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds())
	return res, nil
}
