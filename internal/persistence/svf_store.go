package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Narth/Calyx-sub001/internal/shared"
)

// ErrSVFMessageNotFound is returned when an ack names a channel/seq
// pair the ledger has never seen.
var ErrSVFMessageNotFound = fmt.Errorf("svf message not found")

// SVF message priorities.
const (
	SVFPriorityNormal = "normal"
	SVFPriorityHigh   = "high"
)

// SVFMessage is the ledger mirror of one line in logs/svf/<channel>.jsonl.
type SVFMessage struct {
	Channel   string    `json:"channel"`
	Seq       int64     `json:"seq"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	Priority  string    `json:"priority"`
	AckBy     []string  `json:"ack_by"`
	CreatedAt time.Time `json:"ts"`
}

// AppendSVFMessage allocates the next per-channel seq and records the
// message. The seq allocation and insert share a transaction so two
// senders cannot race to the same number.
func (s *Store) AppendSVFMessage(ctx context.Context, channel, from, body, priority string) (int64, error) {
	if channel == "" {
		return 0, fmt.Errorf("svf channel required")
	}
	if !shared.ValidRosterID(from) {
		return 0, fmt.Errorf("invalid roster id %q", from)
	}
	switch priority {
	case SVFPriorityNormal, SVFPriorityHigh:
	case "":
		priority = SVFPriorityNormal
	default:
		return 0, fmt.Errorf("invalid svf priority %q", priority)
	}

	var seq int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin svf append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM svf_messages WHERE channel = ?;
		`, channel).Scan(&seq); err != nil {
			return fmt.Errorf("allocate svf seq: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO svf_messages (channel, seq, from_id, body, priority, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, channel, seq, from, body, priority); err != nil {
			return fmt.Errorf("insert svf message: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// AckSVFMessage records a read receipt. Acking twice is a no-op; acking
// a seq the channel never carried returns ErrSVFMessageNotFound.
func (s *Store) AckSVFMessage(ctx context.Context, channel string, seq int64, rosterID string) error {
	if !shared.ValidRosterID(rosterID) {
		return fmt.Errorf("invalid roster id %q", rosterID)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin svf ack tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		if err := tx.QueryRowContext(ctx, `
			SELECT 1 FROM svf_messages WHERE channel = ? AND seq = ?;
		`, channel, seq).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s/%d", ErrSVFMessageNotFound, channel, seq)
			}
			return fmt.Errorf("select svf message for ack: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO svf_acks (channel, seq, roster_id, acked_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, channel, seq, rosterID); err != nil {
			return fmt.Errorf("insert svf ack: %w", err)
		}
		return tx.Commit()
	})
}

// ListSVFMessages returns messages on a channel from fromSeq (exclusive)
// with their accumulated acks merged in.
func (s *Store) ListSVFMessages(ctx context.Context, channel string, fromSeq int64, limit int) ([]SVFMessage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, seq, from_id, body, priority, created_at
		FROM svf_messages
		WHERE channel = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?;
	`, channel, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list svf messages: %w", err)
	}
	defer rows.Close()

	var out []SVFMessage
	for rows.Next() {
		var m SVFMessage
		if err := rows.Scan(&m.Channel, &m.Seq, &m.From, &m.Body, &m.Priority, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan svf message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("svf message rows: %w", err)
	}

	for i := range out {
		acks, err := s.svfAcks(ctx, out[i].Channel, out[i].Seq)
		if err != nil {
			return nil, err
		}
		out[i].AckBy = acks
	}
	return out, nil
}

func (s *Store) svfAcks(ctx context.Context, channel string, seq int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT roster_id FROM svf_acks
		WHERE channel = ? AND seq = ?
		ORDER BY acked_at ASC, roster_id ASC;
	`, channel, seq)
	if err != nil {
		return nil, fmt.Errorf("query svf acks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan svf ack: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LatestSVFSeq returns the highest seq on a channel, 0 when empty.
func (s *Store) LatestSVFSeq(ctx context.Context, channel string) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM svf_messages WHERE channel = ?;
	`, channel).Scan(&seq); err != nil {
		return 0, fmt.Errorf("latest svf seq: %w", err)
	}
	return seq, nil
}

// SVFChannels lists every channel the ledger has seen traffic on.
func (s *Store) SVFChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT channel FROM svf_messages ORDER BY channel ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list svf channels: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("scan svf channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SVFBacklog counts high-priority messages that have no ack at all,
// the figure pulse reports surface as comms backlog.
func (s *Store) SVFBacklog(ctx context.Context) (int, error) {
	var backlog int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1)
		FROM svf_messages m
		WHERE m.priority = ?
		  AND NOT EXISTS (
			SELECT 1 FROM svf_acks a WHERE a.channel = m.channel AND a.seq = m.seq
		  );
	`, SVFPriorityHigh).Scan(&backlog); err != nil {
		return 0, fmt.Errorf("svf backlog: %w", err)
	}
	return backlog, nil
}
