package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Narth/Calyx-sub001/internal/shared"
)

// Roster member statuses.
const (
	RosterStatusActive   = "active"
	RosterStatusStandby  = "standby"
	RosterStatusDraining = "draining"
)

// RosterRecord is a row in the roster table, the persisted identity of
// a station crew member.
type RosterRecord struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Emoji       string     `json:"emoji"`
	Duty        string     `json:"duty"`
	WorkerCount int        `json:"worker_count"`
	Status      string     `json:"status"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// UpsertRosterMember inserts or refreshes a roster row. Seeding on
// first boot and operator edits both land here.
func (s *Store) UpsertRosterMember(ctx context.Context, rec RosterRecord) error {
	if !shared.ValidRosterID(rec.ID) {
		return fmt.Errorf("invalid roster id %q", rec.ID)
	}
	if rec.WorkerCount <= 0 {
		rec.WorkerCount = 1
	}
	if rec.Status == "" {
		rec.Status = RosterStatusActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roster (id, display_name, emoji, duty, worker_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			emoji = excluded.emoji,
			duty = excluded.duty,
			worker_count = excluded.worker_count,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP;
	`, rec.ID, rec.DisplayName, rec.Emoji, rec.Duty, rec.WorkerCount, rec.Status)
	if err != nil {
		return fmt.Errorf("upsert roster member: %w", err)
	}
	return nil
}

// SeedRosterMember inserts a roster row only when absent, preserving
// operator edits across boots.
func (s *Store) SeedRosterMember(ctx context.Context, rec RosterRecord) error {
	if !shared.ValidRosterID(rec.ID) {
		return fmt.Errorf("invalid roster id %q", rec.ID)
	}
	if rec.WorkerCount <= 0 {
		rec.WorkerCount = 1
	}
	if rec.Status == "" {
		rec.Status = RosterStatusActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO roster (id, display_name, emoji, duty, worker_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, rec.ID, rec.DisplayName, rec.Emoji, rec.Duty, rec.WorkerCount, rec.Status)
	if err != nil {
		return fmt.Errorf("seed roster member: %w", err)
	}
	return nil
}

// GetRosterMember returns one roster row, or nil if not found.
func (s *Store) GetRosterMember(ctx context.Context, id string) (*RosterRecord, error) {
	var rec RosterRecord
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, emoji, duty, worker_count, status, last_seen_at, created_at, updated_at
		FROM roster WHERE id = ?;
	`, id).Scan(&rec.ID, &rec.DisplayName, &rec.Emoji, &rec.Duty, &rec.WorkerCount,
		&rec.Status, &lastSeen, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get roster member: %w", err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		rec.LastSeenAt = &t
	}
	return &rec, nil
}

// ListRosterMembers returns the whole roster in call-sign order.
func (s *Store) ListRosterMembers(ctx context.Context) ([]RosterRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, emoji, duty, worker_count, status, last_seen_at, created_at, updated_at
		FROM roster
		ORDER BY LENGTH(id) ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}
	defer rows.Close()
	var out []RosterRecord
	for rows.Next() {
		var rec RosterRecord
		var lastSeen sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.DisplayName, &rec.Emoji, &rec.Duty, &rec.WorkerCount,
			&rec.Status, &lastSeen, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan roster member: %w", err)
		}
		if lastSeen.Valid {
			t := lastSeen.Time
			rec.LastSeenAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list roster: iterate: %w", err)
	}
	return out, nil
}

// SetRosterStatus updates a member's status (active, standby, draining).
func (s *Store) SetRosterStatus(ctx context.Context, id, status string) error {
	switch status {
	case RosterStatusActive, RosterStatusStandby, RosterStatusDraining:
	default:
		return fmt.Errorf("invalid roster status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE roster SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, status, id)
	if err != nil {
		return fmt.Errorf("set roster status: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("set roster status: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("roster member %q not found", id)
	}
	return nil
}

// TouchRosterMember stamps last_seen_at when a member completes a cycle
// or sends a flare.
func (s *Store) TouchRosterMember(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE roster SET last_seen_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("touch roster member: %w", err)
	}
	return nil
}
