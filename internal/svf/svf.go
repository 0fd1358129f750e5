// Package svf is the Shared Voice Framework: append-only JSONL message
// channels the crew coordinates over. The sqlite ledger is canonical
// (it allocates seqs and carries acks); logs/svf/<channel>.jsonl is the
// artifact outside consumers tail. Channel files never change after
// append — acks land in the ledger and are merged in when tailing.
package svf

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Narth/Calyx-sub001/internal/audit"
	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/safety"
	"github.com/Narth/Calyx-sub001/internal/shared"
)

// DefaultTailLimit is how many messages Tail returns when the caller
// does not say.
const DefaultTailLimit = 20

// Channel names become file names, so they are confined to a safe
// alphabet.
var channelPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// line is the JSONL shape of one message in logs/svf/<channel>.jsonl.
// ack_by is written empty and stays empty in the file; the ledger
// carries the acks.
type line struct {
	Seq      int64    `json:"seq"`
	TS       string   `json:"ts"`
	Channel  string   `json:"channel"`
	From     string   `json:"from"`
	Body     string   `json:"body"`
	Priority string   `json:"priority"`
	AckBy    []string `json:"ack_by"`
}

// Service fronts the SVF channels: gated, sanitized sends plus ledger-
// merged reads.
type Service struct {
	store  *persistence.Store
	gates  autonomy.Checker
	b      *bus.Bus
	scrub  *safety.Sanitizer
	dir    string
	logger *slog.Logger

	mu sync.Mutex // serializes channel file appends
}

// NewService creates the SVF service writing channel files under svfDir.
// A nil logger falls back to slog.Default.
func NewService(store *persistence.Store, gates autonomy.Checker, b *bus.Bus, svfDir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		gates:  gates,
		b:      b,
		scrub:  safety.NewSanitizer(),
		dir:    svfDir,
		logger: logger,
	}
}

// ChannelPath returns where a channel's JSONL file lives.
func (s *Service) ChannelPath(channel string) string {
	return filepath.Join(s.dir, channel+".jsonl")
}

// Send posts a message to a channel: gate-checked, body scrubbed,
// ledger row committed, channel file appended, bus event published.
// The channel is created on first send. A failed file append never
// rolls the ledger back; the ledger is canonical.
func (s *Service) Send(ctx context.Context, channel, from, body, priority string) (*persistence.SVFMessage, error) {
	if !channelPattern.MatchString(channel) {
		return nil, fmt.Errorf("invalid svf channel %q: want lowercase letters, digits, dash or underscore", channel)
	}
	if !shared.ValidRosterID(from) {
		return nil, fmt.Errorf("invalid roster id %q", from)
	}
	switch priority {
	case "":
		priority = persistence.SVFPriorityNormal
	case persistence.SVFPriorityNormal, persistence.SVFPriorityHigh:
	default:
		return nil, fmt.Errorf("invalid svf priority %q", priority)
	}
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("svf body required")
	}

	subject := from + "->" + channel
	if err := s.gates.AllowCapability(autonomy.CapSVFSend); err != nil {
		audit.Record("deny", autonomy.CapSVFSend, "missing_capability", s.gates.Version(), subject)
		if s.b != nil {
			s.b.Publish(bus.TopicSafetyRefusal, bus.SafetyRefusalEvent{
				Capability: autonomy.CapSVFSend,
				Subject:    subject,
				Reason:     err.Error(),
			})
		}
		return nil, err
	}

	clean, findings := s.scrub.Outbound(body)
	for _, f := range findings {
		audit.Record("allow", autonomy.CapSVFSend, f.Kind, s.gates.Version(), subject)
		s.logger.Warn("svf body scrubbed",
			"channel", channel, "from", from, "kind", f.Kind, "detail", f.Detail)
	}

	seq, err := s.store.AppendSVFMessage(ctx, channel, from, clean, priority)
	if err != nil {
		return nil, fmt.Errorf("append svf message: %w", err)
	}

	msgs, err := s.store.ListSVFMessages(ctx, channel, seq-1, 1)
	if err != nil {
		return nil, fmt.Errorf("read back svf %s/%d: %w", channel, seq, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("svf message %s/%d missing after append", channel, seq)
	}
	msg := msgs[0]

	if err := s.appendLine(msg); err != nil {
		s.logger.Warn("svf channel file append failed",
			"channel", channel, "seq", seq, "error", err)
		audit.Record("deny", autonomy.CapSVFSend, "file_append_failed", s.gates.Version(), subject)
	}

	audit.Record("allow", autonomy.CapSVFSend, "message_sent", s.gates.Version(), subject)
	if s.b != nil {
		s.b.Publish(bus.TopicSVFMessage, bus.SVFMessageEvent{
			Channel:  channel,
			Seq:      seq,
			From:     from,
			Priority: priority,
		})
	}
	s.logger.Info("svf message sent",
		"channel", channel, "seq", seq, "from", from, "priority", priority)
	return &msg, nil
}

// Tail returns the newest messages on a channel in seq order, acks
// merged from the ledger.
func (s *Service) Tail(ctx context.Context, channel string, limit int) ([]persistence.SVFMessage, error) {
	if !channelPattern.MatchString(channel) {
		return nil, fmt.Errorf("invalid svf channel %q", channel)
	}
	if limit <= 0 {
		limit = DefaultTailLimit
	}
	latest, err := s.store.LatestSVFSeq(ctx, channel)
	if err != nil {
		return nil, err
	}
	fromSeq := latest - int64(limit)
	if fromSeq < 0 {
		fromSeq = 0
	}
	return s.store.ListSVFMessages(ctx, channel, fromSeq, limit)
}

// After returns up to limit messages with seq greater than fromSeq,
// the shape the dashboard pages with.
func (s *Service) After(ctx context.Context, channel string, fromSeq int64, limit int) ([]persistence.SVFMessage, error) {
	if !channelPattern.MatchString(channel) {
		return nil, fmt.Errorf("invalid svf channel %q", channel)
	}
	return s.store.ListSVFMessages(ctx, channel, fromSeq, limit)
}

// Ack records a read receipt in the ledger. The channel file is not
// touched; an unknown seq surfaces persistence.ErrSVFMessageNotFound.
func (s *Service) Ack(ctx context.Context, channel string, seq int64, by string) error {
	if !channelPattern.MatchString(channel) {
		return fmt.Errorf("invalid svf channel %q", channel)
	}
	if !shared.ValidRosterID(by) {
		return fmt.Errorf("invalid roster id %q", by)
	}
	if err := s.store.AckSVFMessage(ctx, channel, seq, by); err != nil {
		return err
	}
	s.logger.Info("svf message acked", "channel", channel, "seq", seq, "by", by)
	return nil
}

// Backlog counts high-priority messages nobody has acked.
func (s *Service) Backlog(ctx context.Context) (int, error) {
	return s.store.SVFBacklog(ctx)
}

// Channels lists every channel with traffic.
func (s *Service) Channels(ctx context.Context) ([]string, error) {
	return s.store.SVFChannels(ctx)
}

// appendLine adds one message to the channel file, fsynced, creating
// the file on first send.
func (s *Service) appendLine(m persistence.SVFMessage) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create svf dir: %w", err)
	}
	b, err := json.Marshal(line{
		Seq:      m.Seq,
		TS:       m.CreatedAt.UTC().Format(time.RFC3339),
		Channel:  m.Channel,
		From:     m.From,
		Body:     m.Body,
		Priority: m.Priority,
		AckBy:    []string{},
	})
	if err != nil {
		return fmt.Errorf("marshal svf line: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.ChannelPath(m.Channel), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open channel file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append channel file: %w", err)
	}
	return f.Sync()
}

// ReadChannelFile parses a channel's JSONL file directly, skipping
// malformed lines and reporting how many were skipped. Doctor and the
// smoke drills use this to cross-check the artifact against the ledger.
func (s *Service) ReadChannelFile(channel string) ([]persistence.SVFMessage, int, error) {
	if !channelPattern.MatchString(channel) {
		return nil, 0, fmt.Errorf("invalid svf channel %q", channel)
	}
	f, err := os.Open(s.ChannelPath(channel))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open channel file: %w", err)
	}
	defer f.Close()

	var out []persistence.SVFMessage
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var l line
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			skipped++
			continue
		}
		ts, err := time.Parse(time.RFC3339, l.TS)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, persistence.SVFMessage{
			Channel:   l.Channel,
			Seq:       l.Seq,
			From:      l.From,
			Body:      l.Body,
			Priority:  l.Priority,
			AckBy:     l.AckBy,
			CreatedAt: ts,
		})
	}
	if err := sc.Err(); err != nil {
		return out, skipped, fmt.Errorf("scan channel file: %w", err)
	}
	return out, skipped, nil
}
