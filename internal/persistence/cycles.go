package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/shared"
	"github.com/google/uuid"
)

type CycleStatus string

const (
	CycleStatusQueued     CycleStatus = "QUEUED"
	CycleStatusClaimed    CycleStatus = "CLAIMED"
	CycleStatusRunning    CycleStatus = "RUNNING"
	CycleStatusRetryWait  CycleStatus = "RETRY_WAIT"
	CycleStatusSucceeded  CycleStatus = "SUCCEEDED"
	CycleStatusFailed     CycleStatus = "FAILED"
	CycleStatusCanceled   CycleStatus = "CANCELED"
	CycleStatusDeadLetter CycleStatus = "DEAD_LETTER"
)

// Cycle kinds. lease_exec cycles carry a lease_id and execute under the
// gate checks; the rest are station housekeeping. directive cycles are
// plan steps addressed to one member; svf_digest is CP6's traffic sweep.
const (
	CycleKindLeaseExec   = "lease_exec"
	CycleKindPulse       = "pulse"
	CycleKindIntegrity   = "integrity"
	CycleKindMaintenance = "maintenance"
	CycleKindDirective   = "directive"
	CycleKindSVFDigest   = "svf_digest"
)

var allowedTransitions = map[CycleStatus]map[CycleStatus]struct{}{
	CycleStatusQueued: {
		CycleStatusClaimed:  {},
		CycleStatusCanceled: {},
	},
	CycleStatusClaimed: {
		CycleStatusRunning:  {},
		CycleStatusCanceled: {},
		CycleStatusQueued:   {}, // Recovery requeue.
	},
	CycleStatusRunning: {
		CycleStatusSucceeded: {},
		CycleStatusFailed:    {},
		CycleStatusRetryWait: {},
		CycleStatusCanceled:  {},
		CycleStatusQueued:    {}, // Crash recovery requeue.
	},
	CycleStatusRetryWait: {
		CycleStatusQueued:   {},
		CycleStatusFailed:   {},
		CycleStatusCanceled: {},
	},
	CycleStatusFailed: {
		CycleStatusDeadLetter: {},
		CycleStatusRetryWait:  {},
	},
}

func canTransition(from, to CycleStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type Cycle struct {
	ID             string      `json:"id"`
	Kind           string      `json:"kind"`
	Status         CycleStatus `json:"status"`
	RosterID       string      `json:"roster_id"`
	LeaseID        string      `json:"lease_id,omitempty"`
	Priority       int         `json:"priority"`
	Attempt        int         `json:"attempt"`
	MaxAttempts    int         `json:"max_attempts"`
	AvailableAt    time.Time   `json:"available_at"`
	LastErrorCode  string      `json:"last_error_code,omitempty"`
	PoisonCount    int         `json:"poison_count,omitempty"`
	GateVersion    string      `json:"gate_version,omitempty"`
	LeaseOwner     string      `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	RunID          string      `json:"run_id,omitempty"`
	TraceID        string      `json:"trace_id,omitempty"`
	Payload        string      `json:"payload"`
	Result         string      `json:"result,omitempty"`
	Error          string      `json:"error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type FailureOutcome string

const (
	FailureOutcomeRetried    FailureOutcome = "RETRIED"
	FailureOutcomeDeadLetter FailureOutcome = "DEAD_LETTER"
)

type FailureDecision struct {
	Outcome          FailureOutcome `json:"outcome"`
	Attempt          int            `json:"attempt"`
	MaxAttempts      int            `json:"max_attempts"`
	BackoffUntil     *time.Time     `json:"backoff_until,omitempty"`
	ReasonCode       string         `json:"reason_code"`
	ErrorFingerprint string         `json:"error_fingerprint"`
	PoisonCount      int            `json:"poison_count"`
}

type CycleEvent struct {
	EventID   int64       `json:"event_id"`
	CycleID   string      `json:"cycle_id"`
	EventType string      `json:"event_type"`
	RunID     string      `json:"run_id,omitempty"`
	TraceID   string      `json:"trace_id,omitempty"`
	StateFrom CycleStatus `json:"state_from"`
	StateTo   CycleStatus `json:"state_to"`
	Payload   string      `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

const cycleColumns = `id, kind, status, roster_id, COALESCE(lease_id, ''), priority, attempt, max_attempts,
	available_at, COALESCE(last_error_code, ''), poison_count, COALESCE(gate_version, ''),
	COALESCE(lease_owner, ''), lease_expires_at, COALESCE(run_id, ''), COALESCE(trace_id, ''),
	payload, COALESCE(result, ''), COALESCE(error, ''), created_at, updated_at`

func scanCycle(scanFn func(dest ...any) error, c *Cycle) error {
	var leaseExpires sql.NullTime
	if err := scanFn(
		&c.ID,
		&c.Kind,
		&c.Status,
		&c.RosterID,
		&c.LeaseID,
		&c.Priority,
		&c.Attempt,
		&c.MaxAttempts,
		&c.AvailableAt,
		&c.LastErrorCode,
		&c.PoisonCount,
		&c.GateVersion,
		&c.LeaseOwner,
		&leaseExpires,
		&c.RunID,
		&c.TraceID,
		&c.Payload,
		&c.Result,
		&c.Error,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return err
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		c.LeaseExpiresAt = &t
	} else {
		c.LeaseExpiresAt = nil
	}
	return nil
}

func (s *Store) appendCycleEventTx(ctx context.Context, tx *sql.Tx, cycleID string, from, to CycleStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = cycleID
	}
	runID := shared.RunID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cycle_events (cycle_id, run_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, cycleID, runID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert cycle_event: %w", err)
	}
	return nil
}

func (s *Store) transitionCycleTx(
	ctx context.Context,
	tx *sql.Tx,
	cycleID string,
	allowedFrom []CycleStatus,
	to CycleStatus,
	eventType string,
	payload string,
	result *string,
	errMsg *string,
) (bool, error) {
	var current CycleStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status
		FROM cycles
		WHERE id = ?;
	`, cycleID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select cycle for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("%w: cycle %s -> %s", shared.ErrIllegalTransition, current, to)
	}

	resValue := sql.NullString{}
	if result != nil {
		resValue.Valid = true
		resValue.String = *result
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE cycles
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			error = CASE WHEN ? THEN ? ELSE error END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, resValue.Valid, resValue.String, errValue.Valid, errValue.String, cycleID, current)
	if err != nil {
		return false, fmt.Errorf("update cycle transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendCycleEventTx(ctx, tx, cycleID, current, to, eventType, payload); err != nil {
		return false, err
	}
	s.publishStateChange(cycleID, current, to)
	return true, nil
}

func (s *Store) publishStateChange(cycleID string, from, to CycleStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicCycleStateChanged, bus.CycleStateChangedEvent{
		CycleID:   cycleID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
}

// EnqueueCycle inserts a QUEUED cycle of the given kind for a roster
// member and returns its id.
func (s *Store) EnqueueCycle(ctx context.Context, kind, rosterID, payload string) (string, error) {
	return s.enqueueCycle(ctx, kind, rosterID, "", payload, 0)
}

// EnqueueLeaseCycle inserts a lease-execution cycle bound to a lease.
func (s *Store) EnqueueLeaseCycle(ctx context.Context, leaseID, rosterID, payload string, priority int) (string, error) {
	return s.enqueueCycle(ctx, CycleKindLeaseExec, rosterID, leaseID, payload, priority)
}

func (s *Store) enqueueCycle(ctx context.Context, kind, rosterID, leaseID, payload string, priority int) (string, error) {
	switch kind {
	case CycleKindLeaseExec, CycleKindPulse, CycleKindIntegrity,
		CycleKindMaintenance, CycleKindDirective, CycleKindSVFDigest:
	default:
		return "", fmt.Errorf("invalid cycle kind %q", kind)
	}
	if rosterID == "" {
		rosterID = shared.OverseerID
	}
	if !shared.ValidRosterID(rosterID) {
		return "", fmt.Errorf("invalid roster id %q", rosterID)
	}
	if payload == "" {
		payload = "{}"
	}
	cycleID := uuid.NewString()
	traceID := shared.TraceID(ctx)
	// Retry transient lock errors with bounded jitter.
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue cycle tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cycles (
				id, kind, status, roster_id, lease_id, priority, attempt, max_attempts, available_at, trace_id, payload, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, 0, ?, CURRENT_TIMESTAMP, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, cycleID, kind, CycleStatusQueued, rosterID, leaseID, priority, defaultMaxAttempts, traceID, payload); err != nil {
			return fmt.Errorf("enqueue cycle: %w", err)
		}
		if err := s.appendCycleEventTx(ctx, tx, cycleID, "", CycleStatusQueued, "cycle.enqueued", `{"reason":"enqueue"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return cycleID, nil
}

// ClaimNextQueuedCycle claims the highest-priority available cycle for
// any roster member. The claim stamps a lease_owner uuid with a 30s
// expiry; workers heartbeat it while they hold the cycle.
func (s *Store) ClaimNextQueuedCycle(ctx context.Context) (*Cycle, error) {
	return s.claimNextQueuedCycle(ctx, "")
}

// ClaimNextQueuedCycleFor claims the next cycle assigned to one roster member.
func (s *Store) ClaimNextQueuedCycleFor(ctx context.Context, rosterID string) (*Cycle, error) {
	return s.claimNextQueuedCycle(ctx, rosterID)
}

func (s *Store) claimNextQueuedCycle(ctx context.Context, rosterID string) (*Cycle, error) {
	var result *Cycle
	// Retry transient lock errors with bounded jitter.
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var cycle Cycle
		var query string
		var args []any
		if rosterID == "" {
			query = `
				SELECT ` + cycleColumns + `
				FROM cycles
				WHERE status = ? AND available_at <= CURRENT_TIMESTAMP
				ORDER BY priority DESC, created_at ASC, id ASC
				LIMIT 1;`
			args = []any{CycleStatusQueued}
		} else {
			query = `
				SELECT ` + cycleColumns + `
				FROM cycles
				WHERE status = ? AND roster_id = ? AND available_at <= CURRENT_TIMESTAMP
				ORDER BY priority DESC, created_at ASC, id ASC
				LIMIT 1;`
			args = []any{CycleStatusQueued, rosterID}
		}
		row := tx.QueryRowContext(ctx, query, args...)
		if scanErr := scanCycle(row.Scan, &cycle); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select queued cycle: %w", scanErr)
		}

		ok, err := s.transitionCycleTx(ctx, tx, cycle.ID,
			[]CycleStatus{CycleStatusQueued}, CycleStatusClaimed,
			"cycle.claimed", `{"reason":"claim_next_queued"}`, nil, nil)
		if err != nil {
			return fmt.Errorf("claim cycle transition: %w", err)
		}
		if !ok {
			_ = tx.Rollback()
			result = nil
			return nil
		}
		leaseOwner := uuid.NewString()
		leaseExpiresAt := time.Now().UTC().Add(defaultClaimDuration)
		if _, err := tx.ExecContext(ctx, `
			UPDATE cycles
			SET lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, leaseOwner, leaseExpiresAt, cycle.ID, CycleStatusClaimed); err != nil {
			return fmt.Errorf("set claim lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		cycle.Status = CycleStatusClaimed
		cycle.LeaseOwner = leaseOwner
		cycle.LeaseExpiresAt = &leaseExpiresAt
		result = &cycle
		return nil
	})
	return result, err
}

// StartCycleRun transitions a claimed cycle to running, verifies claim
// ownership and pins the gate version the run executes under.
func (s *Store) StartCycleRun(ctx context.Context, cycleID, leaseOwner, gateVersion string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin start cycle tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentLeaseOwner string
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(lease_owner, '')
		FROM cycles
		WHERE id = ? AND status = ?;
	`, cycleID, CycleStatusClaimed).Scan(&currentLeaseOwner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("read claimed lease owner: %w", err)
	}
	if currentLeaseOwner == "" || currentLeaseOwner != leaseOwner {
		return sql.ErrNoRows
	}
	ok, err := s.transitionCycleTx(
		ctx,
		tx,
		cycleID,
		[]CycleStatus{CycleStatusClaimed},
		CycleStatusRunning,
		"cycle.running",
		`{"reason":"worker_start"}`,
		nil,
		nil,
	)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	runID := shared.RunID(ctx)
	if _, err := tx.ExecContext(ctx, `
		UPDATE cycles
		SET lease_expires_at = ?, gate_version = ?, run_id = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status = ?;
	`, time.Now().UTC().Add(defaultClaimDuration), gateVersion, runID, cycleID, leaseOwner, CycleStatusRunning); err != nil {
		return fmt.Errorf("extend lease on start run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit start cycle tx: %w", err)
	}
	return nil
}

// HeartbeatClaim extends a held claim. Returns false when the claim was
// lost (expired and requeued, or finished elsewhere).
func (s *Store) HeartbeatClaim(ctx context.Context, cycleID, leaseOwner string) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE cycles
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status IN (?, ?);
	`, time.Now().UTC().Add(defaultClaimDuration), cycleID, leaseOwner, CycleStatusClaimed, CycleStatusRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// RequeueExpiredClaims recovers cycles whose claim expired mid-flight.
// The requeued cycle carries RETRY_CLAIM_LOST so the next holder can
// tell the difference from a fresh enqueue.
func (s *Store) RequeueExpiredClaims(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin requeue expired claims tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id
		FROM cycles
		WHERE status IN (?, ?)
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= CURRENT_TIMESTAMP;
	`, CycleStatusClaimed, CycleStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query expired claims: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan expired claim cycle: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired claim cycles: %w", err)
	}

	var reclaimed int64
	for _, id := range ids {
		ok, err := s.transitionCycleTx(
			ctx,
			tx,
			id,
			[]CycleStatus{CycleStatusClaimed, CycleStatusRunning},
			CycleStatusQueued,
			"cycle.claim_expired_requeued",
			fmt.Sprintf(`{"reason":"claim_expired","reason_code":%q}`, ReasonRetryClaimLost),
			nil,
			nil,
		)
		if err != nil {
			return 0, fmt.Errorf("requeue expired transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE cycles
			SET lease_owner = NULL, lease_expires_at = NULL, last_error_code = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, ReasonRetryClaimLost, id, CycleStatusQueued); err != nil {
			return 0, fmt.Errorf("clear claim after requeue: %w", err)
		}
		reclaimed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue expired claims tx: %w", err)
	}
	return reclaimed, nil
}

// RecoverRunningCycles requeues CLAIMED/RUNNING cycles found at startup.
// Anything in those states at boot was orphaned by a crash.
func (s *Store) RecoverRunningCycles(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id
		FROM cycles
		WHERE status IN (?, ?);
	`, CycleStatusRunning, CycleStatusClaimed)
	if err != nil {
		return 0, fmt.Errorf("query recoverable cycles: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan recoverable cycle: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate recoverable cycles: %w", err)
	}

	var recovered int64
	for _, id := range ids {
		ok, err := s.transitionCycleTx(
			ctx,
			tx,
			id,
			[]CycleStatus{CycleStatusClaimed, CycleStatusRunning},
			CycleStatusQueued,
			"cycle.recovered_requeued",
			`{"reason":"startup_recovery"}`,
			nil,
			nil,
		)
		if err != nil {
			return 0, fmt.Errorf("recover requeue transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE cycles
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, id, CycleStatusQueued); err != nil {
			return 0, fmt.Errorf("clear claim after recovery: %w", err)
		}
		recovered++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover tx: %w", err)
	}
	return recovered, nil
}

// AgeQueuedPriorities bumps priority for QUEUED cycles that have been
// waiting longer than ageThreshold, preventing starvation behind a busy
// roster member. The maxPriority cap prevents unbounded growth.
func (s *Store) AgeQueuedPriorities(ctx context.Context, ageThreshold time.Duration, maxPriority int) (int64, error) {
	cutoff := time.Now().UTC().Add(-ageThreshold)
	res, err := s.db.ExecContext(ctx, `
		UPDATE cycles
		SET priority = MIN(priority + 1, ?),
		    updated_at = CURRENT_TIMESTAMP
		WHERE status = ?
		  AND available_at <= CURRENT_TIMESTAMP
		  AND updated_at < ?
		  AND priority < ?;
	`, maxPriority, CycleStatusQueued, cutoff, maxPriority)
	if err != nil {
		return 0, fmt.Errorf("age queued priorities: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CompleteCycle(ctx context.Context, cycleID, result string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete cycle tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	ok, err := s.transitionCycleTx(
		ctx,
		tx,
		cycleID,
		[]CycleStatus{CycleStatusRunning},
		CycleStatusSucceeded,
		"cycle.succeeded",
		`{"reason":"processor_success"}`,
		&result,
		nil,
	)
	if err != nil {
		return fmt.Errorf("complete cycle transition: %w", err)
	}
	if !ok {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE cycles
		SET lease_owner = NULL, lease_expires_at = NULL, error = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, cycleID, CycleStatusSucceeded); err != nil {
		return fmt.Errorf("clear claim on complete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete cycle tx: %w", err)
	}

	// Publish completion event (best-effort).
	if s.bus != nil {
		cycle, err := s.GetCycle(ctx, cycleID)
		if err == nil && cycle != nil {
			s.bus.Publish(bus.TopicCycleCompleted, bus.CycleStateChangedEvent{
				CycleID:   cycleID,
				RosterID:  cycle.RosterID,
				Kind:      cycle.Kind,
				NewStatus: string(CycleStatusSucceeded),
			})
		}
	}
	return nil
}

// FailCycle moves a cycle straight to FAILED without retry accounting.
// Use HandleCycleFailure for the retry/dead-letter path.
func (s *Store) FailCycle(ctx context.Context, cycleID, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail cycle tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	ok, err := s.transitionCycleTx(
		ctx,
		tx,
		cycleID,
		[]CycleStatus{CycleStatusQueued, CycleStatusClaimed, CycleStatusRunning, CycleStatusRetryWait},
		CycleStatusFailed,
		"cycle.failed",
		fmt.Sprintf(`{"reason":"processor_error","error":%q}`, errMsg),
		nil,
		&errMsg,
	)
	if err != nil {
		return fmt.Errorf("fail cycle transition: %w", err)
	}
	if !ok {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE cycles
		SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, cycleID, CycleStatusFailed); err != nil {
		return fmt.Errorf("clear claim on fail: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail cycle tx: %w", err)
	}

	if s.bus != nil {
		cycle, err := s.GetCycle(ctx, cycleID)
		if err == nil && cycle != nil {
			s.bus.Publish(bus.TopicCycleFailed, bus.CycleStateChangedEvent{
				CycleID:   cycleID,
				RosterID:  cycle.RosterID,
				Kind:      cycle.Kind,
				NewStatus: string(CycleStatusFailed),
			})
		}
	}
	return nil
}

// FailCycleTerminal fails a cycle with an explicit reason code and no
// retry: gate refusals and lost leases will refuse identically on every
// attempt, so retrying them only burns the budget.
func (s *Store) FailCycleTerminal(ctx context.Context, cycleID, errMsg, reasonCode string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin terminal fail tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	ok, err := s.transitionCycleTx(
		ctx,
		tx,
		cycleID,
		[]CycleStatus{CycleStatusQueued, CycleStatusClaimed, CycleStatusRunning, CycleStatusRetryWait},
		CycleStatusFailed,
		"cycle.failed",
		fmt.Sprintf(`{"reason":"terminal_error","reason_code":%q,"error":%q}`, reasonCode, errMsg),
		nil,
		&errMsg,
	)
	if err != nil {
		return fmt.Errorf("terminal fail transition: %w", err)
	}
	if !ok {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE cycles
		SET last_error_code = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, reasonCode, cycleID, CycleStatusFailed); err != nil {
		return fmt.Errorf("record terminal reason: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit terminal fail tx: %w", err)
	}

	if s.bus != nil {
		cycle, err := s.GetCycle(ctx, cycleID)
		if err == nil && cycle != nil {
			s.bus.Publish(bus.TopicCycleFailed, bus.CycleStateChangedEvent{
				CycleID:   cycleID,
				RosterID:  cycle.RosterID,
				Kind:      cycle.Kind,
				NewStatus: string(CycleStatusFailed),
			})
		}
	}
	return nil
}

// HandleCycleFailure applies retry/backoff/dead-letter decisions for a
// RUNNING cycle. Repeated identical errors trip the poison threshold
// before max_attempts does.
func (s *Store) HandleCycleFailure(ctx context.Context, cycleID, errMsg string) (FailureDecision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("begin handle failure tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status          CycleStatus
		attempt         int
		maxAttempts     int
		lastFingerprint string
		poisonCount     int
	)
	if err := tx.QueryRowContext(ctx, `
		SELECT status, attempt, max_attempts, COALESCE(last_error_fingerprint, ''), poison_count
		FROM cycles
		WHERE id = ?;
	`, cycleID).Scan(&status, &attempt, &maxAttempts, &lastFingerprint, &poisonCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FailureDecision{}, sql.ErrNoRows
		}
		return FailureDecision{}, fmt.Errorf("select cycle for failure handling: %w", err)
	}
	if status != CycleStatusRunning {
		return FailureDecision{}, sql.ErrNoRows
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	nextAttempt := attempt + 1
	fingerprint := errorFingerprint(errMsg)
	nextPoison := 1
	if lastFingerprint != "" && lastFingerprint == fingerprint {
		nextPoison = poisonCount + 1
	}

	decision := FailureDecision{
		Attempt:          nextAttempt,
		MaxAttempts:      maxAttempts,
		ErrorFingerprint: fingerprint,
		PoisonCount:      nextPoison,
	}

	reasonCode := ReasonRetryExecError
	moveToDeadLetter := false
	if nextPoison >= poisonThreshold {
		reasonCode = ReasonDeadLetterPoisonPill
		moveToDeadLetter = true
	}
	if nextAttempt >= maxAttempts {
		reasonCode = ReasonDeadLetterMaxAttempts
		moveToDeadLetter = true
	}
	decision.ReasonCode = reasonCode

	if moveToDeadLetter {
		ok, err := s.transitionCycleTx(
			ctx,
			tx,
			cycleID,
			[]CycleStatus{CycleStatusRunning},
			CycleStatusFailed,
			"cycle.failed",
			fmt.Sprintf(`{"reason":"processor_error","reason_code":%q,"attempt":%d,"max_attempts":%d}`, reasonCode, nextAttempt, maxAttempts),
			nil,
			&errMsg,
		)
		if err != nil {
			return FailureDecision{}, fmt.Errorf("transition to failed: %w", err)
		}
		if !ok {
			return FailureDecision{}, sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE cycles
			SET
				attempt = ?,
				max_attempts = ?,
				last_error_code = ?,
				last_error_fingerprint = ?,
				poison_count = ?,
				lease_owner = NULL,
				lease_expires_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, nextAttempt, maxAttempts, reasonCode, fingerprint, nextPoison, cycleID, CycleStatusFailed); err != nil {
			return FailureDecision{}, fmt.Errorf("update failed metadata: %w", err)
		}
		ok, err = s.transitionCycleTx(
			ctx,
			tx,
			cycleID,
			[]CycleStatus{CycleStatusFailed},
			CycleStatusDeadLetter,
			"cycle.dead_letter",
			fmt.Sprintf(`{"reason":"terminal_failure","reason_code":%q}`, reasonCode),
			nil,
			nil,
		)
		if err != nil {
			return FailureDecision{}, fmt.Errorf("transition to dead_letter: %w", err)
		}
		if !ok {
			return FailureDecision{}, sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE cycles
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, cycleID, CycleStatusDeadLetter); err != nil {
			return FailureDecision{}, fmt.Errorf("clear claim dead_letter: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return FailureDecision{}, fmt.Errorf("commit dead_letter tx: %w", err)
		}
		decision.Outcome = FailureOutcomeDeadLetter
		return decision, nil
	}

	delay := retryDelay(cycleID, nextAttempt)
	availableAt := time.Now().UTC().Add(delay)
	decision.Outcome = FailureOutcomeRetried
	decision.BackoffUntil = &availableAt

	ok, err := s.transitionCycleTx(
		ctx,
		tx,
		cycleID,
		[]CycleStatus{CycleStatusRunning},
		CycleStatusRetryWait,
		"cycle.retry_wait",
		fmt.Sprintf(`{"reason":"retry_scheduled","reason_code":%q,"attempt":%d,"max_attempts":%d,"delay_ms":%d}`, reasonCode, nextAttempt, maxAttempts, delay.Milliseconds()),
		nil,
		&errMsg,
	)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("transition to retry_wait: %w", err)
	}
	if !ok {
		return FailureDecision{}, sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE cycles
		SET
			attempt = ?,
			max_attempts = ?,
			available_at = ?,
			last_error_code = ?,
			last_error_fingerprint = ?,
			poison_count = ?,
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, nextAttempt, maxAttempts, availableAt, reasonCode, fingerprint, nextPoison, cycleID, CycleStatusRetryWait); err != nil {
		return FailureDecision{}, fmt.Errorf("update retry metadata: %w", err)
	}
	ok, err = s.transitionCycleTx(
		ctx,
		tx,
		cycleID,
		[]CycleStatus{CycleStatusRetryWait},
		CycleStatusQueued,
		"cycle.requeued",
		fmt.Sprintf(`{"reason":"ready_for_retry","reason_code":%q}`, reasonCode),
		nil,
		nil,
	)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("transition to queued after retry wait: %w", err)
	}
	if !ok {
		return FailureDecision{}, sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return FailureDecision{}, fmt.Errorf("commit retry tx: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicCycleRetrying, bus.CycleStateChangedEvent{
			CycleID:   cycleID,
			NewStatus: string(CycleStatusQueued),
		})
	}
	return decision, nil
}

// RequestCancel flags a RUNNING cycle for cooperative cancellation.
// The worker observes the flag at its next checkpoint.
func (s *Store) RequestCancel(ctx context.Context, cycleID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cycles
		SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?, ?);
	`, cycleID, CycleStatusQueued, CycleStatusClaimed, CycleStatusRunning)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request cancel rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) IsCancelRequested(ctx context.Context, cycleID string) (bool, error) {
	var flagged int
	if err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM cycles WHERE id = ?;`, cycleID).Scan(&flagged); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flagged != 0, nil
}

// CancelCycle terminates a non-terminal cycle on operator request.
func (s *Store) CancelCycle(ctx context.Context, cycleID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin cancel cycle tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.transitionCycleTx(
		ctx,
		tx,
		cycleID,
		[]CycleStatus{CycleStatusQueued, CycleStatusClaimed, CycleStatusRunning, CycleStatusRetryWait},
		CycleStatusCanceled,
		"cycle.canceled",
		fmt.Sprintf(`{"reason":"operator_cancel","reason_code":%q}`, ReasonCanceledByOperator),
		nil,
		nil,
	)
	if err != nil {
		return false, fmt.Errorf("cancel cycle transition: %w", err)
	}
	if !ok {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE cycles
		SET lease_owner = NULL, lease_expires_at = NULL, last_error_code = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, ReasonCanceledByOperator, cycleID, CycleStatusCanceled); err != nil {
		return false, fmt.Errorf("clear claim on cancel: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cancel cycle tx: %w", err)
	}
	return true, nil
}

func (s *Store) GetCycle(ctx context.Context, cycleID string) (*Cycle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cycleColumns+`
		FROM cycles
		WHERE id = ?;
	`, cycleID)
	var cycle Cycle
	if err := scanCycle(row.Scan, &cycle); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cycle: %w", err)
	}
	return &cycle, nil
}

// QueueDepth counts cycles waiting or in flight, the figure backpressure
// checks compare against MaxQueueDepth.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1)
		FROM cycles
		WHERE status IN (?, ?, ?);
	`, CycleStatusQueued, CycleStatusClaimed, CycleStatusRunning).Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// CycleCounts aggregates cycle rows per status for pulse reports and /metrics.
func (s *Store) CycleCounts(ctx context.Context) (map[CycleStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1)
		FROM cycles
		GROUP BY status;
	`)
	if err != nil {
		return nil, fmt.Errorf("cycle counts: %w", err)
	}
	defer rows.Close()

	out := make(map[CycleStatus]int)
	for rows.Next() {
		var status CycleStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan cycle count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

// ListCycles returns cycles filtered by status (empty = all), newest first.
func (s *Store) ListCycles(ctx context.Context, statusFilter string, limit, offset int) ([]Cycle, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	statusFilter = strings.ToUpper(strings.TrimSpace(statusFilter))

	var total int
	var rows *sql.Rows
	var err error
	if statusFilter == "" {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM cycles;`).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count cycles: %w", err)
		}
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+cycleColumns+`
			FROM cycles
			ORDER BY created_at DESC, id DESC
			LIMIT ? OFFSET ?;
		`, limit, offset)
	} else {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM cycles WHERE status = ?;`, statusFilter).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count cycles: %w", err)
		}
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+cycleColumns+`
			FROM cycles
			WHERE status = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ? OFFSET ?;
		`, statusFilter, limit, offset)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		var c Cycle
		if err := scanCycle(rows.Scan, &c); err != nil {
			return nil, 0, fmt.Errorf("scan cycle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("cycle rows: %w", err)
	}
	return out, total, nil
}

// DeadLetterCycles lists cycles parked in DEAD_LETTER, oldest first.
func (s *Store) DeadLetterCycles(ctx context.Context, limit int) ([]Cycle, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cycleColumns+`
		FROM cycles
		WHERE status = ?
		ORDER BY updated_at ASC
		LIMIT ?;
	`, CycleStatusDeadLetter, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letter cycles: %w", err)
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		var c Cycle
		if err := scanCycle(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scan dead letter cycle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TotalEventCount returns the total number of cycle events in the ledger.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM cycle_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total event count: %w", err)
	}
	return count, nil
}

func (s *Store) CycleEventBounds(ctx context.Context, cycleID string) (minEventID, maxEventID int64, err error) {
	var min sql.NullInt64
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(event_id), MAX(event_id)
		FROM cycle_events
		WHERE cycle_id = ?;
	`, cycleID).Scan(&min, &max); err != nil {
		return 0, 0, fmt.Errorf("cycle event bounds: %w", err)
	}
	if min.Valid {
		minEventID = min.Int64
	}
	if max.Valid {
		maxEventID = max.Int64
	}
	return minEventID, maxEventID, nil
}

// ListCycleEventsFrom streams the event ledger after fromEventID. An
// empty cycleID returns events across all cycles.
func (s *Store) ListCycleEventsFrom(ctx context.Context, cycleID string, fromEventID int64, limit int) ([]CycleEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var rows *sql.Rows
	var err error
	if cycleID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT event_id, cycle_id, event_type, COALESCE(run_id, ''), COALESCE(trace_id, cycle_id), state_from, state_to, payload_json, created_at
			FROM cycle_events
			WHERE event_id > ?
			ORDER BY event_id ASC
			LIMIT ?;
		`, fromEventID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT event_id, cycle_id, event_type, COALESCE(run_id, ''), COALESCE(trace_id, cycle_id), state_from, state_to, payload_json, created_at
			FROM cycle_events
			WHERE cycle_id = ? AND event_id > ?
			ORDER BY event_id ASC
			LIMIT ?;
		`, cycleID, fromEventID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list cycle events: %w", err)
	}
	defer rows.Close()

	var out []CycleEvent
	for rows.Next() {
		var (
			event     CycleEvent
			stateFrom sql.NullString
		)
		if err := rows.Scan(
			&event.EventID,
			&event.CycleID,
			&event.EventType,
			&event.RunID,
			&event.TraceID,
			&stateFrom,
			&event.StateTo,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan cycle event: %w", err)
		}
		if stateFrom.Valid {
			event.StateFrom = CycleStatus(stateFrom.String)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cycle event rows: %w", err)
	}
	return out, nil
}
