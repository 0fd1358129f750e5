package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Narth/Calyx-sub001/internal/config"
	"github.com/Narth/Calyx-sub001/internal/console"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.4-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

STATION:
  %s                          Run the station; attaches the bridge console on a TTY
  %s daemon                   Run the station headless (logs to file + stdout)

SUBCOMMANDS:
  %s status                   Show station health (/healthz)
  %s doctor [-json]           Run diagnostic checks
  %s intent <action>          Intents: list, show <id>, create, approve <id>
  %s lease <action>           Leases: list, show <id>, issue, release <id>
  %s svf <action>             SVF: <channel> or tail (read), send, ack
  %s pulse [trigger] [-n N]   List recent bridge pulses, or generate one now
  %s tes [-window N]          Print the TES window summary
  %s integrity                Run an integrity audit against the local ledger
  %s console                  Attach the bridge console to the local ledger
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CALYX_HOME              Station home (default: ~/.calyx)
  CALYX_AUTH_TOKEN        Gateway bearer token override
  CALYX_AUTONOMY_MODE     Boot autonomy mode override (safe|supervised|autonomous)
  CALYX_NO_CONSOLE        Set to 1 to never attach the console

EXAMPLES:
  Run the station:        %s
  Submit an intent:       %s intent create -title "rotate logs" -by CP7
  Approve it:             %s intent approve <id> -cosigner CP14
  Watch the bridge:       %s svf bridge
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(filepath.Join(config.HomeDir(), ".env"))

	daemonFlag := flag.Bool("daemon", false, "run headless (never attach the bridge console)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println("calyx", Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "intent":
			os.Exit(runIntentCommand(ctx, args[1:]))
		case "lease":
			os.Exit(runLeaseCommand(ctx, args[1:]))
		case "svf":
			os.Exit(runSVFCommand(ctx, args[1:]))
		case "pulse":
			os.Exit(runPulseCommand(ctx, args[1:]))
		case "tes":
			os.Exit(runTESCommand(ctx, args[1:]))
		case "integrity":
			os.Exit(runIntegrityCommand(ctx, args[1:]))
		case "console":
			os.Exit(runConsoleCommand(ctx, args[1:]))
		case "daemon":
			mode, err := parseDaemonArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonHelp {
				printDaemonUsage(os.Stdout)
				return
			}
			*daemonFlag = true
		default:
			fmt.Fprintf(os.Stderr, "calyx: unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	attachConsole := console.IsInteractive() && !*daemonFlag && os.Getenv("CALYX_NO_CONSOLE") == ""
	runDaemon(ctx, stop, attachConsole)
}

type daemonMode int

const (
	daemonRun daemonMode = iota
	daemonHelp
)

func parseDaemonArgs(args []string) (daemonMode, error) {
	if len(args) == 0 {
		return daemonRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonHelp, nil
	}
	return daemonRun, fmt.Errorf("usage: calyx daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: calyx daemon [--help]")
	fmt.Fprintln(w, "       calyx -daemon")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the station headless: no bridge console, logs to file and stdout.")
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change dashboard.bind_addr in station.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change dashboard.bind_addr in station.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadDotEnv reads KEY=VALUE pairs, skipping comments and anything
// already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
