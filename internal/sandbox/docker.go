package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/Narth/Calyx-sub001/internal/audit"
	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/safety"
)

const containerWorkspace = "/workspace"

// DockerRunner executes commands in ephemeral containers with the
// station workspace bind-mounted at /workspace.
type DockerRunner struct {
	cli         *client.Client
	image       string
	memory      int64 // bytes
	nanoCPUs    int64
	networkMode string
	root        string // host workspace root
	timeout     time.Duration
	gates       autonomy.Checker
	leaks       *safety.LeakDetector
	logger      *slog.Logger
}

// NewDockerRunner creates a docker runner. It does not dial the daemon;
// the first Run does.
func NewDockerRunner(imageRef string, memoryMB int64, cpus float64, networkMode, root string, timeout time.Duration, gates autonomy.Checker, logger *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}

	if imageRef == "" {
		imageRef = "golang:alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}
	var nanoCPUs int64
	if cpus > 0 {
		nanoCPUs = int64(cpus * 1e9)
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &DockerRunner{
		cli:         cli,
		image:       imageRef,
		memory:      memoryMB * 1024 * 1024,
		nanoCPUs:    nanoCPUs,
		networkMode: networkMode,
		root:        root,
		timeout:     timeout,
		gates:       gates,
		leaks:       safety.NewLeakDetector(),
		logger:      logger,
	}, nil
}

func (d *DockerRunner) Name() string { return "docker" }

// Run executes the spec in a fresh container under the exec.docker
// gate: pull the image if missing, create with the workspace bind mount
// and resource limits, start, wait, collect logs, remove.
func (d *DockerRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	subject := strings.Join(spec.Argv, " ")
	if err := d.gates.AllowCapability(autonomy.CapExecDocker); err != nil {
		audit.Record("deny", autonomy.CapExecDocker, "missing_capability", d.gates.Version(), subject)
		return Result{}, err
	}
	if err := validateSpec(spec); err != nil {
		audit.Record("deny", autonomy.CapExecDocker, "spec_rejected", d.gates.Version(), subject)
		return Result{}, err
	}
	audit.Record("allow", autonomy.CapExecDocker, "capability_granted", d.gates.Version(), subject)

	workDir, err := containerWorkDir(spec.Dir)
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, runTimeout(spec, d.timeout))
	defer cancel()

	if err := d.ensureImage(runCtx); err != nil {
		return Result{}, err
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	resp, err := d.cli.ContainerCreate(runCtx, &container.Config{
		Image:      d.image,
		Cmd:        spec.Argv,
		WorkingDir: workDir,
		Env:        env,
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   d.memory,
			NanoCPUs: d.nanoCPUs,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:%s", d.root, containerWorkspace)},
	}, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: create container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		_ = d.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	start := time.Now()
	if err := d.cli.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("sandbox: start container: %w", err)
	}

	var timedOut bool
	exitCode := 0
	statusCh, errCh := d.cli.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case werr := <-errCh:
		if werr != nil && !errors.Is(werr, context.DeadlineExceeded) && runCtx.Err() == nil {
			return Result{}, fmt.Errorf("sandbox: wait container: %w", werr)
		}
		timedOut = true
	case <-runCtx.Done():
		timedOut = true
	}
	if timedOut {
		_ = d.cli.ContainerKill(context.Background(), containerID, "SIGKILL")
		exitCode = -1
	}

	// Logs are read outside runCtx so a timed-out run still reports its
	// partial output.
	output := d.collectLogs(containerID)
	res := Result{
		ExitCode: exitCode,
		Output:   scrubOutput(output, autonomy.CapExecDocker, d.gates.Version(), d.Name(), d.leaks, d.logger),
		Duration: time.Since(start),
	}
	if timedOut {
		res.Output += "\n[timed out]"
	}

	d.logger.Info("docker exec finished",
		"image", d.image,
		"cmd", spec.Argv[0],
		"exit", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// ensureImage pulls the configured image when the daemon does not have
// it locally.
func (d *DockerRunner) ensureImage(ctx context.Context) error {
	if _, err := d.cli.ImageInspect(ctx, d.image); err == nil {
		return nil
	}
	d.logger.Info("pulling sandbox image", "image", d.image)
	rc, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("sandbox: pull image %s: %w", d.image, err)
	}
	defer rc.Close()
	// The pull completes when the progress stream ends.
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

func (d *DockerRunner) collectLogs(containerID string) string {
	out, err := d.cli.ContainerLogs(context.Background(), containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return ""
	}
	defer out.Close()

	// Demux both streams into one buffer: combined output, frame order.
	var buf bytes.Buffer
	_, _ = stdcopy.StdCopy(&buf, &buf, out)
	return buf.String()
}

// containerWorkDir maps a workspace-relative dir to its path under the
// /workspace bind mount.
func containerWorkDir(dir string) (string, error) {
	if dir == "" {
		return containerWorkspace, nil
	}
	joined := path.Join(containerWorkspace, dir)
	if joined != containerWorkspace && !strings.HasPrefix(joined, containerWorkspace+"/") {
		return "", fmt.Errorf("sandbox: work dir %q escapes the workspace", dir)
	}
	return joined, nil
}

// Close releases the docker client.
func (d *DockerRunner) Close() error {
	return d.cli.Close()
}
