package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/shared"
)

type IntentStatus string

const (
	IntentStatusDraft     IntentStatus = "draft"
	IntentStatusProposed  IntentStatus = "proposed"
	IntentStatusApproved  IntentStatus = "approved"
	IntentStatusLeased    IntentStatus = "leased"
	IntentStatusExecuted  IntentStatus = "executed"
	IntentStatusRetired   IntentStatus = "retired"
	IntentStatusRejected  IntentStatus = "rejected"
	IntentStatusAbandoned IntentStatus = "abandoned"
)

// intentTransitions is the happy path plus the two off-ramps: rejected
// only from proposed, abandoned from anything before execution.
var intentTransitions = map[IntentStatus]map[IntentStatus]struct{}{
	IntentStatusDraft: {
		IntentStatusProposed:  {},
		IntentStatusAbandoned: {},
	},
	IntentStatusProposed: {
		IntentStatusApproved:  {},
		IntentStatusRejected:  {},
		IntentStatusAbandoned: {},
	},
	IntentStatusApproved: {
		IntentStatusLeased:    {},
		IntentStatusAbandoned: {},
	},
	IntentStatusLeased: {
		IntentStatusExecuted:  {},
		IntentStatusApproved:  {}, // Lease expired or revoked before execution.
		IntentStatusAbandoned: {},
	},
	IntentStatusExecuted: {
		IntentStatusRetired: {},
	},
}

func canTransitionIntent(from, to IntentStatus) bool {
	next, ok := intentTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type Cosign struct {
	RosterID string    `json:"roster_id"`
	SignedAt time.Time `json:"signed_at"`
}

type Intent struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Body         string       `json:"body,omitempty"`
	RequestedBy  string       `json:"requested_by"`
	Priority     int          `json:"priority"`
	Status       IntentStatus `json:"status"`
	Quorum       int          `json:"quorum"`
	StatusReason string       `json:"status_reason,omitempty"`
	Cosigners    []Cosign     `json:"cosigners"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// CreateIntent inserts a draft intent and returns its id.
func (s *Store) CreateIntent(ctx context.Context, title, body, requestedBy string, priority, quorum int) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("intent title required")
	}
	if !shared.ValidRosterID(requestedBy) {
		return "", fmt.Errorf("invalid roster id %q", requestedBy)
	}
	if priority < 0 || priority > 9 {
		return "", fmt.Errorf("intent priority %d out of range 0-9", priority)
	}
	if quorum < 1 {
		quorum = 2
	}
	intentID := shared.NewIntentID(time.Now().UTC())
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO intents (id, title, body, requested_by, priority, status, quorum, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, intentID, title, body, requestedBy, priority, IntentStatusDraft, quorum)
		if err != nil {
			return fmt.Errorf("insert intent: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return intentID, nil
}

func (s *Store) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, body, requested_by, priority, status, quorum, COALESCE(status_reason, ''), created_at, updated_at
		FROM intents
		WHERE id = ?;
	`, intentID)
	var in Intent
	if err := row.Scan(&in.ID, &in.Title, &in.Body, &in.RequestedBy, &in.Priority, &in.Status, &in.Quorum, &in.StatusReason, &in.CreatedAt, &in.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get intent: %w", err)
	}
	cosigns, err := s.Cosigners(ctx, intentID)
	if err != nil {
		return nil, err
	}
	in.Cosigners = cosigns
	return &in, nil
}

// Cosigners returns the signatures recorded for an intent, oldest first.
func (s *Store) Cosigners(ctx context.Context, intentID string) ([]Cosign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT roster_id, signed_at
		FROM intent_cosigns
		WHERE intent_id = ?
		ORDER BY signed_at ASC, roster_id ASC;
	`, intentID)
	if err != nil {
		return nil, fmt.Errorf("query cosigns: %w", err)
	}
	defer rows.Close()

	var out []Cosign
	for rows.Next() {
		var c Cosign
		if err := rows.Scan(&c.RosterID, &c.SignedAt); err != nil {
			return nil, fmt.Errorf("scan cosign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListIntents returns intents filtered by status (empty = all), newest first.
func (s *Store) ListIntents(ctx context.Context, statusFilter string, limit int) ([]Intent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	statusFilter = strings.ToLower(strings.TrimSpace(statusFilter))

	var rows *sql.Rows
	var err error
	if statusFilter == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, title, body, requested_by, priority, status, quorum, COALESCE(status_reason, ''), created_at, updated_at
			FROM intents
			ORDER BY created_at DESC, id DESC
			LIMIT ?;
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, title, body, requested_by, priority, status, quorum, COALESCE(status_reason, ''), created_at, updated_at
			FROM intents
			WHERE status = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?;
		`, statusFilter, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		var in Intent
		if err := rows.Scan(&in.ID, &in.Title, &in.Body, &in.RequestedBy, &in.Priority, &in.Status, &in.Quorum, &in.StatusReason, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// UpdateIntentStatus applies a validated lifecycle transition. The
// reason lands in status_reason for rejected/abandoned paper trails.
func (s *Store) UpdateIntentStatus(ctx context.Context, intentID string, to IntentStatus, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin intent status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := s.updateIntentStatusTx(ctx, tx, intentID, to, reason); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) updateIntentStatusTx(ctx context.Context, tx *sql.Tx, intentID string, to IntentStatus, reason string) error {
	var current IntentStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM intents WHERE id = ?;`, intentID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("intent not found: %s", intentID)
		}
		return fmt.Errorf("select intent status: %w", err)
	}
	if !canTransitionIntent(current, to) {
		return fmt.Errorf("%w: intent %s -> %s", shared.ErrIllegalTransition, current, to)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE intents
		SET status = ?, status_reason = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, reason, intentID, current)
	if err != nil {
		return fmt.Errorf("update intent status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("intent status rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("intent status changed concurrently: %s", intentID)
	}
	return nil
}

// CosignIntent records a cosignature on a proposed intent. The
// requester cannot sign their own intent; a duplicate signature is a
// no-op. When the signature count reaches quorum the intent flips to
// approved in the same transaction.
func (s *Store) CosignIntent(ctx context.Context, intentID, rosterID string) (approved bool, signatures int, err error) {
	if !shared.ValidRosterID(rosterID) {
		return false, 0, fmt.Errorf("invalid roster id %q", rosterID)
	}
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin cosign tx: %w", txErr)
		}
		defer func() { _ = tx.Rollback() }()

		var status IntentStatus
		var requestedBy string
		var quorum int
		if scanErr := tx.QueryRowContext(ctx, `
			SELECT status, requested_by, quorum
			FROM intents
			WHERE id = ?;
		`, intentID).Scan(&status, &requestedBy, &quorum); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return fmt.Errorf("intent not found: %s", intentID)
			}
			return fmt.Errorf("select intent for cosign: %w", scanErr)
		}
		if status != IntentStatusProposed {
			return fmt.Errorf("intent %s is %s, only proposed intents take cosigns", intentID, status)
		}
		if requestedBy == rosterID {
			return fmt.Errorf("requester %s cannot cosign their own intent", rosterID)
		}

		// Duplicate signatures are idempotent: OR IGNORE leaves the first
		// signature's timestamp in place.
		if _, insErr := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO intent_cosigns (intent_id, roster_id, signed_at)
			VALUES (?, ?, CURRENT_TIMESTAMP);
		`, intentID, rosterID); insErr != nil {
			return fmt.Errorf("insert cosign: %w", insErr)
		}

		if cntErr := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM intent_cosigns WHERE intent_id = ?;
		`, intentID).Scan(&signatures); cntErr != nil {
			return fmt.Errorf("count cosigns: %w", cntErr)
		}

		if signatures >= quorum {
			if upErr := s.updateIntentStatusTx(ctx, tx, intentID, IntentStatusApproved, "quorum reached"); upErr != nil {
				return upErr
			}
			approved = true
		}
		return tx.Commit()
	})
	if err != nil {
		return false, 0, err
	}
	if approved && s.bus != nil {
		s.bus.Publish(bus.TopicIntentApproved, map[string]any{
			"intent_id":  intentID,
			"signatures": signatures,
		})
	}
	return approved, signatures, nil
}

// IntentCounts aggregates intents per status for pulse reports.
func (s *Store) IntentCounts(ctx context.Context) (map[IntentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1)
		FROM intents
		GROUP BY status;
	`)
	if err != nil {
		return nil, fmt.Errorf("intent counts: %w", err)
	}
	defer rows.Close()

	out := make(map[IntentStatus]int)
	for rows.Next() {
		var status IntentStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan intent count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}
