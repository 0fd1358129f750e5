package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Narth/Calyx-sub001/internal/config"
	"github.com/Narth/Calyx-sub001/internal/gateway"
	"github.com/Narth/Calyx-sub001/internal/heartbeat"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/tes"
)

// stationClient talks to a running daemon over the gateway REST surface.
type stationClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newStationClient() (*stationClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	addr := strings.TrimSpace(cfg.Dashboard.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	token, err := gateway.LoadAuthToken(cfg.HomeDir)
	if err != nil {
		return nil, fmt.Errorf("auth token: %w", err)
	}
	return &stationClient{
		baseURL: "http://" + addr,
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
	}, nil
}

func (c *stationClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the station running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fail(what string, err error) int {
	fmt.Fprintf(os.Stderr, "calyx: %s: %v\n", what, err)
	return 1
}

func usageErr(msg string) int {
	fmt.Fprintln(os.Stderr, "usage: "+msg)
	return 2
}

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		return usageErr("calyx status")
	}
	cfg, err := config.Load()
	if err != nil {
		return fail("config load", err)
	}
	addr := strings.TrimSpace(cfg.Dashboard.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return fail("status", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fail("status", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func runIntentCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return usageErr("calyx intent <list|show|create|approve> ...")
	}
	client, err := newStationClient()
	if err != nil {
		return fail("intent", err)
	}

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("intent list", flag.ContinueOnError)
		status := fs.String("status", "", "filter by status")
		limit := fs.Int("n", 20, "max rows")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		var out struct {
			Intents []persistence.Intent `json:"intents"`
		}
		path := fmt.Sprintf("/api/intents?limit=%d", *limit)
		if *status != "" {
			path += "&status=" + *status
		}
		if err := client.do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return fail("intent list", err)
		}
		if len(out.Intents) == 0 {
			fmt.Println("no intents")
			return 0
		}
		for _, it := range out.Intents {
			fmt.Printf("%-14s  %-9s  %d/%d signatures  %s\n",
				it.ID, it.Status, len(it.Cosigners), it.Quorum, it.Title)
		}
		return 0

	case "show":
		if len(args) != 2 {
			return usageErr("calyx intent show <id>")
		}
		var rec persistence.Intent
		if err := client.do(ctx, http.MethodGet, "/api/intents/"+args[1], nil, &rec); err != nil {
			return fail("intent show", err)
		}
		return printJSON(rec)

	case "create":
		fs := flag.NewFlagSet("intent create", flag.ContinueOnError)
		title := fs.String("title", "", "intent title (required)")
		body := fs.String("body", "", "intent body")
		by := fs.String("by", "", "requesting roster id (required)")
		priority := fs.Int("priority", 0, "priority")
		quorum := fs.Int("quorum", 0, "cosigner quorum; 0 uses the station default")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *title == "" || *by == "" {
			return usageErr("calyx intent create -title <t> -by <roster-id> [-body ...] [-quorum N]")
		}
		var rec persistence.Intent
		sub := map[string]any{
			"title":        *title,
			"body":         *body,
			"requested_by": *by,
			"priority":     *priority,
			"quorum":       *quorum,
		}
		if err := client.do(ctx, http.MethodPost, "/api/intents", sub, &rec); err != nil {
			return fail("intent create", err)
		}
		fmt.Printf("intent %s created (%s), quorum %d\n", rec.ID, rec.Status, rec.Quorum)
		return 0

	case "approve":
		fs := flag.NewFlagSet("intent approve", flag.ContinueOnError)
		cosigner := fs.String("cosigner", "", "cosigning roster id (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		rest := fs.Args()
		if len(rest) != 1 || *cosigner == "" {
			return usageErr("calyx intent approve <id> -cosigner <roster-id>")
		}
		var out struct {
			Approved   bool `json:"approved"`
			Signatures int  `json:"signatures"`
		}
		if err := client.do(ctx, http.MethodPost, "/api/intents/"+rest[0]+"/approve",
			map[string]string{"cosigner": *cosigner}, &out); err != nil {
			return fail("intent approve", err)
		}
		if out.Approved {
			fmt.Printf("intent approved with %d signatures\n", out.Signatures)
		} else {
			fmt.Printf("signature recorded, %d so far\n", out.Signatures)
		}
		return 0

	default:
		return usageErr("calyx intent <list|show|create|approve> ...")
	}
}

func runLeaseCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return usageErr("calyx lease <list|show|issue|release> ...")
	}
	client, err := newStationClient()
	if err != nil {
		return fail("lease", err)
	}

	switch args[0] {
	case "issue":
		fs := flag.NewFlagSet("lease issue", flag.ContinueOnError)
		intentID := fs.String("intent", "", "approved intent id (required)")
		executor := fs.String("executor", "", "executing roster id; empty uses the station default")
		ttl := fs.Int("ttl", 0, "lease ttl in minutes; 0 uses the station default")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *intentID == "" {
			return usageErr("calyx lease issue -intent <id> [-executor CP14] [-ttl minutes]")
		}
		var rec persistence.LeaseRecord
		sub := map[string]any{
			"intent_id":   *intentID,
			"executor":    *executor,
			"ttl_minutes": *ttl,
		}
		if err := client.do(ctx, http.MethodPost, "/api/leases", sub, &rec); err != nil {
			return fail("lease issue", err)
		}
		expires := "-"
		if !rec.ExpiresAt.IsZero() {
			expires = rec.ExpiresAt.UTC().Format(time.RFC3339)
		}
		fmt.Printf("lease %s issued to %s for intent %s, expires %s\n",
			rec.ID, rec.Executor, rec.IntentID, expires)
		return 0

	case "list":
		fs := flag.NewFlagSet("lease list", flag.ContinueOnError)
		status := fs.String("status", "", "filter by status")
		limit := fs.Int("n", 20, "max rows")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		var out struct {
			Leases []persistence.LeaseRecord `json:"leases"`
		}
		path := fmt.Sprintf("/api/leases?limit=%d", *limit)
		if *status != "" {
			path += "&status=" + *status
		}
		if err := client.do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return fail("lease list", err)
		}
		if len(out.Leases) == 0 {
			fmt.Println("no leases")
			return 0
		}
		for _, l := range out.Leases {
			expires := "-"
			if !l.ExpiresAt.IsZero() {
				expires = l.ExpiresAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%-14s  %-9s  %-5s  intent %s  expires %s\n",
				l.ID, l.Status, l.Executor, l.IntentID, expires)
		}
		return 0

	case "show":
		if len(args) != 2 {
			return usageErr("calyx lease show <id>")
		}
		var rec persistence.LeaseRecord
		if err := client.do(ctx, http.MethodGet, "/api/leases/"+args[1], nil, &rec); err != nil {
			return fail("lease show", err)
		}
		return printJSON(rec)

	case "release":
		fs := flag.NewFlagSet("lease release", flag.ContinueOnError)
		outcome := fs.String("outcome", "ok", "ok or failed")
		reason := fs.String("reason", "", "close reason")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		rest := fs.Args()
		if len(rest) != 1 {
			return usageErr("calyx lease release <id> [-outcome ok|failed] [-reason ...]")
		}
		if err := client.do(ctx, http.MethodPost, "/api/leases/"+rest[0]+"/release",
			map[string]string{"outcome": *outcome, "reason": *reason}, nil); err != nil {
			return fail("lease release", err)
		}
		fmt.Printf("lease %s released (%s)\n", rest[0], *outcome)
		return 0

	default:
		return usageErr("calyx lease <list|show|issue|release> ...")
	}
}

// runSVFCommand handles send/ack/tail; a bare channel name tails it.
func runSVFCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return usageErr("calyx svf <channel|send|ack|tail> ...")
	}
	switch args[0] {
	case "send":
		fs := flag.NewFlagSet("svf send", flag.ContinueOnError)
		channel := fs.String("channel", "bridge", "target channel")
		from := fs.String("from", "", "sending roster id (required)")
		body := fs.String("body", "", "message body (required)")
		priority := fs.String("priority", "", "low, normal or high")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *from == "" || *body == "" {
			return usageErr("calyx svf send -from <roster-id> -body <text> [-channel bridge] [-priority high]")
		}
		client, err := newStationClient()
		if err != nil {
			return fail("svf send", err)
		}
		var msg persistence.SVFMessage
		sub := map[string]string{"from": *from, "body": *body, "priority": *priority}
		if err := client.do(ctx, http.MethodPost, "/api/svf/"+*channel+"/send", sub, &msg); err != nil {
			return fail("svf send", err)
		}
		fmt.Printf("sent #%d to %s\n", msg.Seq, *channel)
		return 0

	case "ack":
		fs := flag.NewFlagSet("svf ack", flag.ContinueOnError)
		channel := fs.String("channel", "bridge", "target channel")
		seq := fs.Int64("seq", 0, "message sequence number (required)")
		by := fs.String("by", "", "acknowledging roster id (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *seq <= 0 || *by == "" {
			return usageErr("calyx svf ack -seq <n> -by <roster-id> [-channel bridge]")
		}
		client, err := newStationClient()
		if err != nil {
			return fail("svf ack", err)
		}
		sub := map[string]any{"seq": *seq, "by": *by}
		if err := client.do(ctx, http.MethodPost, "/api/svf/"+*channel+"/ack", sub, nil); err != nil {
			return fail("svf ack", err)
		}
		fmt.Printf("acked #%d on %s\n", *seq, *channel)
		return 0

	case "tail":
		args = args[1:]
	}

	fs := flag.NewFlagSet("svf", flag.ContinueOnError)
	limit := fs.Int("n", 20, "max messages")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return usageErr("calyx svf <channel> [-n N]")
	}
	client, err := newStationClient()
	if err != nil {
		return fail("svf", err)
	}
	var out struct {
		Channel  string                   `json:"channel"`
		Messages []persistence.SVFMessage `json:"messages"`
	}
	if err := client.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/svf/%s?limit=%d", rest[0], *limit), nil, &out); err != nil {
		return fail("svf", err)
	}
	if len(out.Messages) == 0 {
		fmt.Printf("channel %s is empty\n", rest[0])
		return 0
	}
	for _, m := range out.Messages {
		ack := ""
		if len(m.AckBy) > 0 {
			ack = "  ack " + strings.Join(m.AckBy, ",")
		}
		fmt.Printf("[%s] #%d %s (%s): %s%s\n",
			m.CreatedAt.UTC().Format("01-02 15:04"), m.Seq, m.From, m.Priority, m.Body, ack)
	}
	return 0
}

// runPulseCommand lists recent pulses; `pulse trigger` generates one.
func runPulseCommand(ctx context.Context, args []string) int {
	if len(args) > 0 && args[0] == "trigger" {
		if len(args) != 1 {
			return usageErr("calyx pulse trigger")
		}
		client, err := newStationClient()
		if err != nil {
			return fail("pulse trigger", err)
		}
		var out struct {
			Path            string  `json:"path"`
			TESMean         float64 `json:"tes_mean"`
			NarrativeSource string  `json:"narrative_source"`
		}
		if err := client.do(ctx, http.MethodPost, "/api/pulses", nil, &out); err != nil {
			return fail("pulse trigger", err)
		}
		fmt.Printf("pulse written to %s (tes %.2f, narrative %s)\n",
			out.Path, out.TESMean, out.NarrativeSource)
		return 0
	}

	fs := flag.NewFlagSet("pulse", flag.ContinueOnError)
	limit := fs.Int("n", 10, "max pulses")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		return usageErr("calyx pulse [trigger] [-n N]")
	}
	client, err := newStationClient()
	if err != nil {
		return fail("pulse", err)
	}
	var out struct {
		Pulses []persistence.PulseRecord `json:"pulses"`
	}
	if err := client.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/pulses?limit=%d", *limit), nil, &out); err != nil {
		return fail("pulse", err)
	}
	if len(out.Pulses) == 0 {
		fmt.Println("no pulses generated yet")
		return 0
	}
	for _, p := range out.Pulses {
		fmt.Printf("%s  tes %.2f  stability %.2f  sgii %.2f  %s  %s\n",
			p.GeneratedAt.UTC().Format("2006-01-02 15:04"),
			p.AvgTES, p.Stability, p.SGII, p.NarrativeSource, p.ReportPath)
	}
	return 0
}

func runTESCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tes", flag.ContinueOnError)
	window := fs.Int("window", 0, "window size; 0 uses the station default")
	mode := fs.String("mode", "", "graduated or binary; empty uses the station default")
	local := fs.Bool("local", false, "score the local heartbeat ledger instead of asking the daemon")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		return usageErr("calyx tes [-window N] [-mode graduated|binary] [-local]")
	}

	if *local {
		return runTESLocal(*window, *mode)
	}

	client, err := newStationClient()
	if err != nil {
		return fail("tes", err)
	}
	path := "/api/tes"
	sep := "?"
	if *window > 0 {
		path += fmt.Sprintf("%swindow=%d", sep, *window)
		sep = "&"
	}
	if *mode != "" {
		path += sep + "mode=" + *mode
	}
	var out struct {
		Summary     tes.Summary `json:"summary"`
		Stability   float64     `json:"stability"`
		Velocity    int         `json:"velocity"`
		MangledRows int         `json:"mangled_rows"`
	}
	if err := client.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return fail("tes", err)
	}
	printTES(out.Summary, out.Stability, out.Velocity, out.MangledRows)
	return 0
}

// runTESLocal reads the heartbeat CSV directly, so scores are available
// with the daemon stopped.
func runTESLocal(window int, mode string) int {
	cfg, err := config.Load()
	if err != nil {
		return fail("tes", err)
	}
	if window <= 0 {
		window = cfg.TES.Window
	}
	m := tes.Mode(cfg.TES.Mode)
	if mode != "" {
		m = tes.Mode(mode)
	}
	rows, mangled, err := heartbeat.ReadAll(cfg.HeartbeatPath())
	if err != nil {
		return fail("tes", err)
	}
	printTES(tes.Window(rows, window, m), tes.Stability(rows, window, m),
		tes.Velocity(rows, time.Now().UTC()), mangled)
	return 0
}

func printTES(summary tes.Summary, stability float64, velocity, mangled int) {
	if summary.Count == 0 {
		fmt.Println("no cycles scored yet")
		return
	}
	fmt.Printf("tes (%s, window %d): mean %.2f  min %.2f  max %.2f  over %d cycles\n",
		summary.Mode, summary.Window, summary.Mean, summary.Min, summary.Max, summary.Count)
	fmt.Printf("stability %.2f  velocity %d/h\n", stability, velocity)
	if mangled > 0 {
		fmt.Printf("skipped %d malformed ledger rows\n", mangled)
	}
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail("encode", err)
	}
	return 0
}
