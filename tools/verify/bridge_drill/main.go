// Command bridge_drill exercises a running station over the gateway
// websocket surface: handshake, status, the intent/lease governance
// path, a pulse trigger and the SVF voice loop. It prints a PASS/FAIL
// table and exits non-zero on any failure; release checks run it
// against a freshly booted station.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcReq struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// drill owns the connection, a request counter, and the count of
// pushed event frames seen while waiting for responses.
type drill struct {
	conn    *websocket.Conn
	nextID  int
	events  int
	results []result
}

type result struct {
	name   string
	pass   bool
	detail string
}

func (d *drill) record(name string, pass bool, detail string) {
	d.results = append(d.results, result{name: name, pass: pass, detail: detail})
}

// call sends one request and waits for its response, counting pushed
// event notifications that arrive in between.
func (d *drill) call(ctx context.Context, method string, params any) (json.RawMessage, *rpcError, error) {
	d.nextID++
	id := d.nextID
	if err := wsjson.Write(ctx, d.conn, rpcReq{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, nil, fmt.Errorf("write %s: %w", method, err)
	}
	for {
		var frame rpcFrame
		if err := wsjson.Read(ctx, d.conn, &frame); err != nil {
			return nil, nil, fmt.Errorf("read %s response: %w", method, err)
		}
		if frame.Method == "event" {
			d.events++
			continue
		}
		if gotID, ok := frameID(frame.ID); ok && gotID == id {
			return frame.Result, frame.Error, nil
		}
	}
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:18790/ws", "gateway websocket endpoint")
	token := flag.String("token", os.Getenv("CALYX_AUTH_TOKEN"), "bearer token (or CALYX_AUTH_TOKEN)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + strings.TrimSpace(*token)},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bridge drill done")

	d := &drill{conn: conn}
	d.run(ctx)

	fmt.Println()
	failed := 0
	for _, r := range d.results {
		verdict := "PASS"
		if !r.pass {
			verdict = "FAIL"
			failed++
		}
		line := fmt.Sprintf("%-4s %-18s", verdict, r.name)
		if r.detail != "" {
			line += " " + r.detail
		}
		fmt.Println(line)
	}
	if failed > 0 {
		fmt.Printf("VERDICT FAIL (%d/%d checks failed)\n", failed, len(d.results))
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func (d *drill) run(ctx context.Context) {
	// Handshake first: mutating methods are refused until system.hello.
	res, rpcErr, err := d.call(ctx, "system.hello", map[string]any{"version": "1.0"})
	if err != nil || rpcErr != nil {
		d.record("hello", false, describe(rpcErr, err))
		return
	}
	station, _ := stringField(res, "station")
	d.record("hello", true, "station="+station)

	res, rpcErr, err = d.call(ctx, "system.status", map[string]any{})
	healthy := false
	mode := ""
	if err == nil && rpcErr == nil {
		healthy, _ = boolField(res, "healthy")
		mode, _ = stringField(res, "autonomy_mode")
	}
	d.record("status", err == nil && rpcErr == nil && healthy, "mode="+mode)

	_, rpcErr, err = d.call(ctx, "events.subscribe", map[string]any{})
	d.record("subscribe", err == nil && rpcErr == nil, describe(rpcErr, err))

	// Governance path: propose, cosign to quorum, lease, release.
	res, rpcErr, err = d.call(ctx, "intent.create", map[string]any{
		"title":        fmt.Sprintf("Bridge drill %s", time.Now().UTC().Format(time.RFC3339)),
		"body":         "connectivity drill; release with outcome failed",
		"requested_by": "CBO",
		"priority":     1,
		"quorum":       2,
	})
	if err != nil || rpcErr != nil {
		d.record("intent create", false, describe(rpcErr, err))
		return
	}
	intentID, _ := stringField(res, "id")
	d.record("intent create", intentID != "", "id="+intentID)

	approved := false
	for _, signer := range []string{"CP7", "CP15"} {
		res, rpcErr, err = d.call(ctx, "intent.approve", map[string]any{
			"intent_id": intentID,
			"cosigner":  signer,
		})
		if err != nil || rpcErr != nil {
			d.record("intent approve", false, signer+": "+describe(rpcErr, err))
			return
		}
		approved, _ = boolField(res, "approved")
	}
	d.record("intent approve", approved, "quorum reached")
	if !approved {
		return
	}

	res, rpcErr, err = d.call(ctx, "lease.issue", map[string]any{
		"intent_id": intentID,
		"executor":  "CP14",
	})
	if err != nil || rpcErr != nil {
		d.record("lease issue", false, describe(rpcErr, err))
		return
	}
	leaseID, _ := stringField(res, "id")
	d.record("lease issue", leaseID != "", "id="+leaseID)

	// Release failed so the drill intent goes back to approved instead
	// of reading as executed work in the ledger.
	_, rpcErr, err = d.call(ctx, "lease.release", map[string]any{
		"lease_id": leaseID,
		"outcome":  "failed",
		"reason":   "bridge drill release",
	})
	d.record("lease release", err == nil && rpcErr == nil, describe(rpcErr, err))

	res, rpcErr, err = d.call(ctx, "pulse.trigger", nil)
	if err != nil || rpcErr != nil {
		d.record("pulse trigger", false, describe(rpcErr, err))
	} else {
		path, _ := stringField(res, "path")
		d.record("pulse trigger", path != "", "report="+path)
	}

	// SVF is gated: a safe-mode refusal is the correct answer there,
	// anything else must succeed.
	res, rpcErr, err = d.call(ctx, "svf.send", map[string]any{
		"channel": "bridge",
		"from":    "CBO",
		"body":    "bridge drill check-in",
	})
	switch {
	case err != nil:
		d.record("svf send", false, err.Error())
	case rpcErr != nil && mode == "safe":
		d.record("svf send", true, "refused in safe mode")
	case rpcErr != nil:
		d.record("svf send", false, rpcErr.Message)
	default:
		seq, _ := numberField(res, "seq")
		d.record("svf send", true, fmt.Sprintf("seq=%d", int(seq)))
	}

	// The drill's own traffic should have pushed events by now.
	d.record("event stream", d.events > 0, fmt.Sprintf("events=%d", d.events))
}

func describe(rpcErr *rpcError, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case rpcErr != nil:
		return fmt.Sprintf("rpc %d: %s", rpcErr.Code, rpcErr.Message)
	default:
		return ""
	}
}

func frameID(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var id any
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	if v, ok := id.(float64); ok {
		return int(v), true
	}
	return 0, false
}

func stringField(raw json.RawMessage, field string) (string, bool) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", false
	}
	v, ok := payload[field].(string)
	return v, ok
}

func boolField(raw json.RawMessage, field string) (bool, bool) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false, false
	}
	v, ok := payload[field].(bool)
	return v, ok
}

func numberField(raw json.RawMessage, field string) (float64, bool) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, false
	}
	v, ok := payload[field].(float64)
	return v, ok
}
