package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/shared"
)

type LeaseStatus string

const (
	LeaseStatusIssued   LeaseStatus = "issued"
	LeaseStatusActive   LeaseStatus = "active"
	LeaseStatusReleased LeaseStatus = "released"
	LeaseStatusExpired  LeaseStatus = "expired"
	LeaseStatusRevoked  LeaseStatus = "revoked"
)

var leaseTransitions = map[LeaseStatus]map[LeaseStatus]struct{}{
	LeaseStatusIssued: {
		LeaseStatusActive:  {},
		LeaseStatusExpired: {},
		LeaseStatusRevoked: {},
	},
	LeaseStatusActive: {
		LeaseStatusReleased: {},
		LeaseStatusExpired:  {},
		LeaseStatusRevoked:  {},
	},
}

func canTransitionLease(from, to LeaseStatus) bool {
	next, ok := leaseTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Execution modes recorded at activation time.
const (
	ExecModeDocker = "docker"
	ExecModeHost   = "host"
	ExecModeNone   = "none"
)

// Lease outcomes recorded at release time.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// LeaseRecord is the ledger row behind an outgoing/lease_<id>.json
// envelope. Cosigners are frozen at issue time; later signatures on the
// intent do not travel with the lease.
type LeaseRecord struct {
	ID           string      `json:"id"`
	IntentID     string      `json:"intent_id"`
	Status       LeaseStatus `json:"status"`
	Executor     string      `json:"executor"`
	ExecMode     string      `json:"exec_mode"`
	Cosigners    []Cosign    `json:"cosigners"`
	IssuedAt     time.Time   `json:"issued_at"`
	ActivatedAt  *time.Time  `json:"activated_at,omitempty"`
	ExpiresAt    time.Time   `json:"expires_at"`
	ClosedAt     *time.Time  `json:"closed_at,omitempty"`
	CloseReason  string      `json:"close_reason,omitempty"`
	Outcome      string      `json:"outcome,omitempty"`
	EnvelopePath string      `json:"envelope_path,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

const leaseColumns = `id, intent_id, status, executor, exec_mode, cosigners, issued_at, activated_at,
	expires_at, closed_at, COALESCE(close_reason, ''), COALESCE(outcome, ''), envelope_path, created_at, updated_at`

func scanLease(scanFn func(dest ...any) error, l *LeaseRecord) error {
	var activated, closed sql.NullTime
	var cosignersJSON string
	if err := scanFn(
		&l.ID,
		&l.IntentID,
		&l.Status,
		&l.Executor,
		&l.ExecMode,
		&cosignersJSON,
		&l.IssuedAt,
		&activated,
		&l.ExpiresAt,
		&closed,
		&l.CloseReason,
		&l.Outcome,
		&l.EnvelopePath,
		&l.CreatedAt,
		&l.UpdatedAt,
	); err != nil {
		return err
	}
	if activated.Valid {
		t := activated.Time
		l.ActivatedAt = &t
	}
	if closed.Valid {
		t := closed.Time
		l.ClosedAt = &t
	}
	if cosignersJSON != "" {
		if err := json.Unmarshal([]byte(cosignersJSON), &l.Cosigners); err != nil {
			return fmt.Errorf("decode frozen cosigners: %w", err)
		}
	}
	return nil
}

// IssueLease creates a lease against an approved intent, freezing the
// intent's cosigners and flipping the intent to leased in the same
// transaction. Only one open lease per intent.
func (s *Store) IssueLease(ctx context.Context, intentID, executor string, ttl time.Duration) (*LeaseRecord, error) {
	if !shared.ValidRosterID(executor) {
		return nil, fmt.Errorf("invalid roster id %q", executor)
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	var lease LeaseRecord
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin issue lease tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status IntentStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM intents WHERE id = ?;`, intentID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("intent not found: %s", intentID)
			}
			return fmt.Errorf("select intent for lease: %w", err)
		}
		if status != IntentStatusApproved {
			return fmt.Errorf("intent %s is %s, only approved intents can be leased", intentID, status)
		}

		var open int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM leases WHERE intent_id = ? AND status IN (?, ?);
		`, intentID, LeaseStatusIssued, LeaseStatusActive).Scan(&open); err != nil {
			return fmt.Errorf("count open leases: %w", err)
		}
		if open > 0 {
			return fmt.Errorf("intent %s already has an open lease", intentID)
		}

		// Freeze the cosigner set as it stands right now.
		rows, err := tx.QueryContext(ctx, `
			SELECT roster_id, signed_at
			FROM intent_cosigns
			WHERE intent_id = ?
			ORDER BY signed_at ASC, roster_id ASC;
		`, intentID)
		if err != nil {
			return fmt.Errorf("query cosigns for freeze: %w", err)
		}
		var cosigners []Cosign
		for rows.Next() {
			var c Cosign
			if err := rows.Scan(&c.RosterID, &c.SignedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan cosign for freeze: %w", err)
			}
			cosigners = append(cosigners, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate cosigns for freeze: %w", err)
		}
		frozen, err := json.Marshal(cosigners)
		if err != nil {
			return fmt.Errorf("freeze cosigners: %w", err)
		}

		now := time.Now().UTC()
		leaseID := shared.NewLeaseID(now)
		expiresAt := now.Add(ttl)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO leases (id, intent_id, status, executor, cosigners, issued_at, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, leaseID, intentID, LeaseStatusIssued, executor, string(frozen), now, expiresAt); err != nil {
			return fmt.Errorf("insert lease: %w", err)
		}

		if err := s.updateIntentStatusTx(ctx, tx, intentID, IntentStatusLeased, "lease "+leaseID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit issue lease tx: %w", err)
		}

		lease = LeaseRecord{
			ID:        leaseID,
			IntentID:  intentID,
			Status:    LeaseStatusIssued,
			Executor:  executor,
			ExecMode:  ExecModeNone,
			Cosigners: cosigners,
			IssuedAt:  now,
			ExpiresAt: expiresAt,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicLeaseIssued, bus.LeaseEvent{
			LeaseID:  lease.ID,
			IntentID: lease.IntentID,
			Status:   string(LeaseStatusIssued),
			Executor: lease.Executor,
		})
	}
	return &lease, nil
}

func (s *Store) GetLease(ctx context.Context, leaseID string) (*LeaseRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+leaseColumns+`
		FROM leases
		WHERE id = ?;
	`, leaseID)
	var lease LeaseRecord
	if err := scanLease(row.Scan, &lease); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get lease: %w", err)
	}
	return &lease, nil
}

// OpenLeaseForIntent returns the issued or active lease on an intent, if any.
func (s *Store) OpenLeaseForIntent(ctx context.Context, intentID string) (*LeaseRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+leaseColumns+`
		FROM leases
		WHERE intent_id = ? AND status IN (?, ?)
		LIMIT 1;
	`, intentID, LeaseStatusIssued, LeaseStatusActive)
	var lease LeaseRecord
	if err := scanLease(row.Scan, &lease); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("open lease for intent: %w", err)
	}
	return &lease, nil
}

// ActivateLease flips an issued lease to active when the overseer picks
// it up, recording how the execution will run. An already-expired lease
// refuses activation.
func (s *Store) ActivateLease(ctx context.Context, leaseID, execMode string) error {
	switch execMode {
	case "":
		execMode = ExecModeNone
	case ExecModeDocker, ExecModeHost, ExecModeNone:
	default:
		return fmt.Errorf("unknown exec mode %q", execMode)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin activate lease tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status LeaseStatus
		var expiresAt time.Time
		if err := tx.QueryRowContext(ctx, `
			SELECT status, expires_at FROM leases WHERE id = ?;
		`, leaseID).Scan(&status, &expiresAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lease not found: %s", leaseID)
			}
			return fmt.Errorf("select lease for activation: %w", err)
		}
		if !canTransitionLease(status, LeaseStatusActive) {
			return fmt.Errorf("%w: lease %s -> %s", shared.ErrIllegalTransition, status, LeaseStatusActive)
		}
		if !expiresAt.After(time.Now().UTC()) {
			return shared.ErrLeaseNotHeld
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE leases
			SET status = ?, exec_mode = ?, activated_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, LeaseStatusActive, execMode, leaseID, status); err != nil {
			return fmt.Errorf("activate lease: %w", err)
		}
		return tx.Commit()
	})
}

// CloseLease moves a lease to a terminal state and settles the intent in
// the same transaction: a release with outcome ok flips the intent to
// executed; a failed release, expiry or revocation hand it back to
// approved so it can be re-leased.
func (s *Store) CloseLease(ctx context.Context, leaseID string, to LeaseStatus, outcome, reason string) error {
	switch to {
	case LeaseStatusReleased:
		if outcome != OutcomeOK && outcome != OutcomeFailed {
			return fmt.Errorf("release lease: outcome %q must be ok or failed", outcome)
		}
	case LeaseStatusExpired, LeaseStatusRevoked:
		if outcome != "" {
			return fmt.Errorf("close lease: %s carries no outcome", to)
		}
	default:
		return fmt.Errorf("close lease: %s is not a terminal status", to)
	}
	var intentID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin close lease tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status LeaseStatus
		var expiresAt time.Time
		if err := tx.QueryRowContext(ctx, `
			SELECT status, intent_id, expires_at FROM leases WHERE id = ?;
		`, leaseID).Scan(&status, &intentID, &expiresAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lease not found: %s", leaseID)
			}
			return fmt.Errorf("select lease for close: %w", err)
		}
		if !canTransitionLease(status, to) {
			return fmt.Errorf("%w: lease %s -> %s", shared.ErrIllegalTransition, status, to)
		}
		// A lease past its TTL cannot be released; the expiry sweep owns it.
		if to == LeaseStatusReleased && !expiresAt.After(time.Now().UTC()) {
			return shared.ErrLeaseNotHeld
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE leases
			SET status = ?, outcome = NULLIF(?, ''), closed_at = CURRENT_TIMESTAMP,
				close_reason = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, outcome, reason, leaseID, status); err != nil {
			return fmt.Errorf("close lease: %w", err)
		}

		intentTo := IntentStatusApproved
		if to == LeaseStatusReleased && outcome == OutcomeOK {
			intentTo = IntentStatusExecuted
		}
		settleReason := "lease " + leaseID + " " + string(to)
		if outcome != "" {
			settleReason += " " + outcome
		}
		if err := s.updateIntentStatusTx(ctx, tx, intentID, intentTo, settleReason); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		topic := bus.TopicLeaseReleased
		if to == LeaseStatusExpired {
			topic = bus.TopicLeaseExpired
		}
		s.bus.Publish(topic, bus.LeaseEvent{
			LeaseID:  leaseID,
			IntentID: intentID,
			Status:   string(to),
		})
	}
	return nil
}

// ExpireOverdueLeases sweeps issued/active leases past their TTL and
// returns the ids it closed so callers can refresh the envelopes.
func (s *Store) ExpireOverdueLeases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM leases
		WHERE status IN (?, ?) AND expires_at <= CURRENT_TIMESTAMP;
	`, LeaseStatusIssued, LeaseStatusActive)
	if err != nil {
		return nil, fmt.Errorf("query overdue leases: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan overdue lease: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overdue leases: %w", err)
	}

	var expired []string
	for _, id := range ids {
		if err := s.CloseLease(ctx, id, LeaseStatusExpired, "", ReasonExpiredTTL); err != nil {
			return expired, err
		}
		expired = append(expired, id)
	}
	return expired, nil
}

// SetLeaseEnvelopePath records where the lease envelope was exported.
func (s *Store) SetLeaseEnvelopePath(ctx context.Context, leaseID, path string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE leases SET envelope_path = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, path, leaseID)
	if err != nil {
		return fmt.Errorf("set envelope path: %w", err)
	}
	return nil
}

// ListLeases returns leases filtered by status (empty = all), newest first.
func (s *Store) ListLeases(ctx context.Context, statusFilter string, limit int) ([]LeaseRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	statusFilter = strings.ToLower(strings.TrimSpace(statusFilter))

	var rows *sql.Rows
	var err error
	if statusFilter == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+leaseColumns+`
			FROM leases
			ORDER BY issued_at DESC, id DESC
			LIMIT ?;
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+leaseColumns+`
			FROM leases
			WHERE status = ?
			ORDER BY issued_at DESC, id DESC
			LIMIT ?;
		`, statusFilter, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()

	var out []LeaseRecord
	for rows.Next() {
		var lease LeaseRecord
		if err := scanLease(rows.Scan, &lease); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		out = append(out, lease)
	}
	return out, rows.Err()
}

// LeaseCounts aggregates leases per status for pulse reports.
func (s *Store) LeaseCounts(ctx context.Context) (map[LeaseStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1)
		FROM leases
		GROUP BY status;
	`)
	if err != nil {
		return nil, fmt.Errorf("lease counts: %w", err)
	}
	defer rows.Close()

	out := make(map[LeaseStatus]int)
	for rows.Next() {
		var status LeaseStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan lease count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}
