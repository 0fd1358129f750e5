package svf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/shared"
)

// DigestProcessor runs svf_digest cycles: the comms sweep. The member
// the cycle is addressed to acknowledges every channel message it has
// not seen yet and posts one digest of the traffic. Acks are the
// sweep's real work; a digest post that the gates refuse is reported
// in the result, not an error.
type DigestProcessor struct {
	Service       *Service
	DigestChannel string // where the digest posts, default bridge
	SweepLimit    int    // per-channel tail size, default 200
	Logger        *slog.Logger
}

func (p DigestProcessor) Process(ctx context.Context, cycle persistence.Cycle) (string, error) {
	sweeper := cycle.RosterID
	if !shared.ValidRosterID(sweeper) {
		return "", fmt.Errorf("svf digest cycle %s has no roster member", cycle.ID)
	}
	channel := p.DigestChannel
	if channel == "" {
		channel = "bridge"
	}
	limit := p.SweepLimit
	if limit <= 0 {
		limit = 200
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	channels, err := p.Service.Channels(ctx)
	if err != nil {
		return "", fmt.Errorf("list svf channels: %w", err)
	}

	var swept, high int
	bySender := make(map[string]int)
	for _, ch := range channels {
		msgs, err := p.Service.Tail(ctx, ch, limit)
		if err != nil {
			return "", fmt.Errorf("tail %s: %w", ch, err)
		}
		for _, m := range msgs {
			// The sweeper's own traffic needs no acknowledgement, and
			// digesting past digests would only echo them forever.
			if m.From == sweeper {
				continue
			}
			if slices.Contains(m.AckBy, sweeper) {
				continue
			}
			if err := p.Service.Ack(ctx, ch, m.Seq, sweeper); err != nil {
				return "", fmt.Errorf("ack %s/%d: %w", ch, m.Seq, err)
			}
			swept++
			if m.Priority == persistence.SVFPriorityHigh {
				high++
			}
			bySender[m.From]++
		}
	}

	var postedSeq int64
	if swept > 0 {
		msg, err := p.Service.Send(ctx, channel, sweeper, digestBody(swept, high, len(channels), bySender), "")
		if err != nil {
			logger.Warn("digest post skipped", "cycle_id", cycle.ID, "error", err)
		} else {
			postedSeq = msg.Seq
		}
	}

	out, err := json.Marshal(map[string]any{
		"channels":      len(channels),
		"swept":         swept,
		"high_priority": high,
		"posted_seq":    postedSeq,
		"run_id":        shared.RunID(ctx),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// digestBody is the sweep summary, senders in fixed order so two
// sweeps of the same traffic read identically.
func digestBody(swept, high, channels int, bySender map[string]int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SVF digest: %d messages swept across %d channels", swept, channels)
	if high > 0 {
		fmt.Fprintf(&sb, ", %d high priority", high)
	}
	sb.WriteString(".")
	if len(bySender) > 0 {
		senders := make([]string, 0, len(bySender))
		for from := range bySender {
			senders = append(senders, from)
		}
		sort.Strings(senders)
		parts := make([]string, 0, len(senders))
		for _, from := range senders {
			parts = append(parts, fmt.Sprintf("%s x%d", from, bySender[from]))
		}
		sb.WriteString(" Traffic: " + strings.Join(parts, ", ") + ".")
	}
	return sb.String()
}
