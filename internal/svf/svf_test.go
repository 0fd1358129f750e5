package svf_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/shared"
	"github.com/Narth/Calyx-sub001/internal/svf"
)

// stubGates satisfies autonomy.Checker with one canned answer.
type stubGates struct {
	err error
}

func (s stubGates) AllowCapability(string) error                 { return s.err }
func (s stubGates) AllowPath(string) error                       { return s.err }
func (s stubGates) AllowHTTPURL(string) error                    { return s.err }
func (s stubGates) AllowServerTool(string, string, string) error { return s.err }
func (s stubGates) Version() string                              { return "gates-test" }

func (s stubGates) Mode() string {
	if s.err != nil {
		return "safe"
	}
	return "autonomous"
}

func newTestService(t *testing.T, gateErr error) (*svf.Service, *persistence.Store, *bus.Bus, string) {
	t.Helper()
	home := t.TempDir()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(home, "calyx.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	dir := filepath.Join(home, "logs", "svf")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return svf.NewService(store, stubGates{err: gateErr}, b, dir, logger), store, b, dir
}

func TestService_SendAppendsLedgerAndFile(t *testing.T) {
	svc, _, b, dir := newTestService(t, nil)
	ctx := context.Background()
	sub := b.Subscribe(bus.TopicSVFMessage)
	defer b.Unsubscribe(sub)

	first, err := svc.Send(ctx, "bridge", "CP7", "docking checks complete", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if first.Seq != 1 || first.Priority != persistence.SVFPriorityNormal {
		t.Errorf("unexpected first message: %+v", first)
	}
	second, err := svc.Send(ctx, "bridge", "CP8", "copy that", "high")
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if second.Seq != 2 {
		t.Errorf("expected seq 2, got %d", second.Seq)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "bridge.jsonl"))
	if err != nil {
		t.Fatalf("read channel file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"seq":1`) || !strings.Contains(lines[0], `"ack_by":[]`) {
		t.Errorf("unexpected first line: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"priority":"high"`) {
		t.Errorf("unexpected second line: %s", lines[1])
	}

	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Ch():
			got, ok := ev.Payload.(bus.SVFMessageEvent)
			if !ok {
				t.Fatalf("unexpected payload type %T", ev.Payload)
			}
			if got.Channel != "bridge" || got.Seq != int64(i+1) {
				t.Errorf("unexpected event %d: %+v", i, got)
			}
		default:
			t.Fatalf("expected svf.message event %d", i)
		}
	}
}

func TestService_SendRefusedByGates(t *testing.T) {
	svc, store, _, dir := newTestService(t, shared.ErrSafeMode)
	ctx := context.Background()

	_, err := svc.Send(ctx, "bridge", "CP7", "anyone there?", "")
	if !errors.Is(err, shared.ErrSafeMode) {
		t.Fatalf("expected safe mode refusal, got %v", err)
	}

	latest, err := store.LatestSVFSeq(ctx, "bridge")
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if latest != 0 {
		t.Errorf("refused send reached the ledger: seq %d", latest)
	}
	if _, err := os.Stat(filepath.Join(dir, "bridge.jsonl")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("refused send created channel file: %v", err)
	}
}

func TestService_SendScrubsBody(t *testing.T) {
	svc, _, _, dir := newTestService(t, nil)
	ctx := context.Background()

	msg, err := svc.Send(ctx, "bridge", "CP7", "note <script>alert(1)</script> api_key=abcdef1234567890abcdef", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if strings.Contains(msg.Body, "<script>") {
		t.Errorf("script tag reached the ledger: %q", msg.Body)
	}
	if strings.Contains(msg.Body, "abcdef1234567890") {
		t.Errorf("secret reached the ledger: %q", msg.Body)
	}
	if !strings.Contains(msg.Body, "[REDACTED]") {
		t.Errorf("expected redaction in body, got %q", msg.Body)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "bridge.jsonl"))
	if err != nil {
		t.Fatalf("read channel file: %v", err)
	}
	if strings.Contains(string(raw), "abcdef1234567890") {
		t.Errorf("secret reached the channel file: %s", raw)
	}
}

func TestService_SendValidatesInput(t *testing.T) {
	svc, store, _, _ := newTestService(t, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		channel  string
		from     string
		body     string
		priority string
	}{
		{"traversal channel", "../etc", "CP7", "hi", ""},
		{"uppercase channel", "Bridge", "CP7", "hi", ""},
		{"unknown roster", "bridge", "XQ1", "hi", ""},
		{"bad priority", "bridge", "CP7", "hi", "urgent"},
		{"blank body", "bridge", "CP7", "   ", ""},
	}
	for _, tt := range tests {
		if _, err := svc.Send(ctx, tt.channel, tt.from, tt.body, tt.priority); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}

	latest, err := store.LatestSVFSeq(ctx, "bridge")
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if latest != 0 {
		t.Errorf("invalid send reached the ledger: seq %d", latest)
	}
}

func TestService_TailMergesAcksWithoutRewritingFile(t *testing.T) {
	svc, _, _, dir := newTestService(t, nil)
	ctx := context.Background()

	for i, body := range []string{"status?", "all green", "confirmed"} {
		if _, err := svc.Send(ctx, "bridge", "CP7", body, ""); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := svc.Ack(ctx, "bridge", 2, "CP8"); err != nil {
		t.Fatalf("ack CP8: %v", err)
	}
	if err := svc.Ack(ctx, "bridge", 2, "CP9"); err != nil {
		t.Fatalf("ack CP9: %v", err)
	}

	msgs, err := svc.Tail(ctx, "bridge", 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if got := msgs[1].AckBy; len(got) != 2 || got[0] != "CP8" || got[1] != "CP9" {
		t.Errorf("expected merged acks [CP8 CP9], got %v", got)
	}
	if len(msgs[0].AckBy) != 0 {
		t.Errorf("unexpected acks on seq 1: %v", msgs[0].AckBy)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "bridge.jsonl"))
	if err != nil {
		t.Fatalf("read channel file: %v", err)
	}
	for _, l := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if !strings.Contains(l, `"ack_by":[]`) {
			t.Errorf("ack rewrote channel file history: %s", l)
		}
	}
}

func TestService_AckUnknownSeq(t *testing.T) {
	svc, _, _, dir := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Send(ctx, "bridge", "CP7", "only message", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	err := svc.Ack(ctx, "bridge", 99, "CP8")
	if !errors.Is(err, persistence.ErrSVFMessageNotFound) {
		t.Fatalf("expected ErrSVFMessageNotFound, got %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "bridge.jsonl"))
	if err != nil {
		t.Fatalf("read channel file: %v", err)
	}
	if got := len(strings.Split(strings.TrimSpace(string(raw)), "\n")); got != 1 {
		t.Errorf("failed ack touched the channel file: %d lines", got)
	}
}

func TestService_TailReturnsNewest(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Send(ctx, "ops", "CP14", "tick", ""); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	msgs, err := svc.Tail(ctx, "ops", 2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Seq != 4 || msgs[1].Seq != 5 {
		t.Errorf("expected seqs [4 5], got %+v", msgs)
	}
}

func TestService_BacklogCountsUnackedHigh(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Send(ctx, "bridge", "CP7", "routine note", ""); err != nil {
		t.Fatalf("send normal: %v", err)
	}
	hi, err := svc.Send(ctx, "bridge", "CP7", "hull breach drill at 0900", "high")
	if err != nil {
		t.Fatalf("send high: %v", err)
	}

	backlog, err := svc.Backlog(ctx)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if backlog != 1 {
		t.Errorf("expected backlog 1, got %d", backlog)
	}

	if err := svc.Ack(ctx, "bridge", hi.Seq, "CP14"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	backlog, err = svc.Backlog(ctx)
	if err != nil {
		t.Fatalf("backlog after ack: %v", err)
	}
	if backlog != 0 {
		t.Errorf("expected backlog 0 after ack, got %d", backlog)
	}
}

func TestService_ReadChannelFileSkipsMalformed(t *testing.T) {
	svc, _, _, dir := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Send(ctx, "bridge", "CP7", "first", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "bridge.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open channel file: %v", err)
	}
	if _, err := f.WriteString("not json at all\n"); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	_ = f.Close()
	if _, err := svc.Send(ctx, "bridge", "CP8", "second", ""); err != nil {
		t.Fatalf("second send: %v", err)
	}

	msgs, skipped, err := svc.ReadChannelFile("bridge")
	if err != nil {
		t.Fatalf("read channel file: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected 2 parsed messages, got %d", len(msgs))
	}
	if skipped != 1 {
		t.Errorf("expected 1 skipped line, got %d", skipped)
	}

	if msgs, _, err := svc.ReadChannelFile("nonexistent"); err != nil || msgs != nil {
		t.Errorf("expected empty read for missing channel, got %v / %v", msgs, err)
	}
}
