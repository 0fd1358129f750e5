// Package lease manages execution leases: issuance against approved
// intents, lifecycle transitions, and the outgoing/lease_<id>.json
// envelopes downstream consumers watch.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Narth/Calyx-sub001/internal/audit"
	"github.com/Narth/Calyx-sub001/internal/persistence"
)

// DefaultExecutor runs lease executions unless the operator names
// someone else.
const DefaultExecutor = "CP14"

// Envelope is the lease document exported to outgoing/. Execution
// fields that have not happened yet render as null, not omitted, so
// consumers can diff envelopes field by field.
type Envelope struct {
	LeaseID   string    `json:"lease_id"`
	IntentID  string    `json:"intent_id"`
	Status    string    `json:"status"`
	Cosigners []string  `json:"cosigners"`
	Execution Execution `json:"execution"`
}

// Execution records how the lease ran.
type Execution struct {
	Executor   string     `json:"executor"`
	Mode       string     `json:"mode"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Outcome    *string    `json:"outcome"`
	ReasonCode *string    `json:"reason_code"`
}

// Manager fronts the lease ledger and owns the export discipline:
// lock, write to temp, rename, unlock. Consumers must ignore any
// .json whose .lock is present.
type Manager struct {
	store      *persistence.Store
	dir        string
	defaultTTL time.Duration
	staleLock  time.Duration
	logger     *slog.Logger
}

func NewManager(store *persistence.Store, outgoingDir string, defaultTTL, staleLockAfter time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	if staleLockAfter <= 0 {
		staleLockAfter = 15 * time.Minute
	}
	return &Manager{
		store:      store,
		dir:        outgoingDir,
		defaultTTL: defaultTTL,
		staleLock:  staleLockAfter,
		logger:     logger,
	}
}

// Issue leases an approved intent to an executor and exports the first
// envelope. The ledger write is the source of truth; an export failure
// is audited and the envelope catches up on the next transition.
func (m *Manager) Issue(ctx context.Context, intentID, executor string, ttl time.Duration) (*persistence.LeaseRecord, error) {
	if executor == "" {
		executor = DefaultExecutor
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	issued, err := m.store.IssueLease(ctx, intentID, executor, ttl)
	if err != nil {
		return nil, err
	}
	m.logger.Info("lease issued",
		"lease_id", issued.ID,
		"intent_id", intentID,
		"executor", executor,
		"expires_at", issued.ExpiresAt.Format(time.RFC3339))
	m.export(ctx, issued.ID)
	return m.store.GetLease(ctx, issued.ID)
}

// Activate marks the lease running under the given sandbox mode and
// refreshes the envelope. The overseer calls this when a lease cycle
// starts.
func (m *Manager) Activate(ctx context.Context, leaseID, execMode string) error {
	if err := m.store.ActivateLease(ctx, leaseID, execMode); err != nil {
		return err
	}
	m.logger.Info("lease activated", "lease_id", leaseID, "exec_mode", execMode)
	m.export(ctx, leaseID)
	return nil
}

// Release closes an active lease with its execution outcome. An ok
// outcome settles the intent as executed; a failed one hands it back
// for re-lease.
func (m *Manager) Release(ctx context.Context, leaseID, outcome, reason string) error {
	if err := m.store.CloseLease(ctx, leaseID, persistence.LeaseStatusReleased, outcome, reason); err != nil {
		return err
	}
	m.logger.Info("lease released", "lease_id", leaseID, "outcome", outcome, "reason", reason)
	m.export(ctx, leaseID)
	return nil
}

// Revoke is the operator pulling a lease out from under its executor.
func (m *Manager) Revoke(ctx context.Context, leaseID, reason string) error {
	if err := m.store.CloseLease(ctx, leaseID, persistence.LeaseStatusRevoked, "", reason); err != nil {
		return err
	}
	m.logger.Warn("lease revoked", "lease_id", leaseID, "reason", reason)
	m.export(ctx, leaseID)
	return nil
}

// ExpireOverdue sweeps leases past their TTL and refreshes each swept
// envelope. The schedule loop runs this every minute.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	expired, sweepErr := m.store.ExpireOverdueLeases(ctx)
	for _, id := range expired {
		m.logger.Warn("lease expired", "lease_id", id)
		m.export(ctx, id)
	}
	return len(expired), sweepErr
}

// Get returns one lease, or nil when absent.
func (m *Manager) Get(ctx context.Context, leaseID string) (*persistence.LeaseRecord, error) {
	return m.store.GetLease(ctx, leaseID)
}

// List returns leases newest first, optionally filtered by status.
func (m *Manager) List(ctx context.Context, statusFilter string, limit int) ([]persistence.LeaseRecord, error) {
	return m.store.ListLeases(ctx, statusFilter, limit)
}

// Export writes the current envelope for a lease to outgoing/ and
// records where it landed.
func (m *Manager) Export(ctx context.Context, leaseID string) error {
	rec, err := m.store.GetLease(ctx, leaseID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("lease not found: %s", leaseID)
	}
	if err := m.writeEnvelope(rec); err != nil {
		return err
	}
	rel := filepath.Join(filepath.Base(m.dir), "lease_"+rec.ID+".json")
	return m.store.SetLeaseEnvelopePath(ctx, leaseID, rel)
}

// export is the best-effort flavor used after ledger transitions.
func (m *Manager) export(ctx context.Context, leaseID string) {
	if err := m.Export(ctx, leaseID); err != nil {
		m.logger.Warn("lease envelope export failed", "lease_id", leaseID, "error", err)
		audit.Record("deny", "lease.export", "export_failed", "", leaseID)
	}
}

func (m *Manager) writeEnvelope(rec *persistence.LeaseRecord) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create outgoing dir: %w", err)
	}
	name := "lease_" + rec.ID + ".json"
	lockPath := filepath.Join(m.dir, "lease_"+rec.ID+".lock")

	if err := m.acquireLock(lockPath); err != nil {
		return err
	}
	defer func() { _ = os.Remove(lockPath) }()

	data, err := json.MarshalIndent(envelopeFor(rec), "", "  ")
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(m.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create envelope temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("sync envelope: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close envelope temp: %w", err)
	}
	// CreateTemp hands back 0600; envelopes are meant to be read.
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("chmod envelope: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(m.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// acquireLock takes the per-lease export lock. A lock older than the
// stale threshold means a previous exporter died mid-write; it is
// swept, audited, and the export proceeds.
func (m *Manager) acquireLock(lockPath string) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f.Close()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create envelope lock: %w", err)
		}
		info, statErr := os.Stat(lockPath)
		if statErr != nil {
			// Lock vanished under us; try again.
			continue
		}
		if time.Since(info.ModTime()) < m.staleLock {
			return fmt.Errorf("envelope locked: %s", filepath.Base(lockPath))
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("sweep stale lock: %w", err)
		}
		audit.Record("allow", "lease.export", "stale_lock_swept", "", filepath.Base(lockPath))
		m.logger.Warn("swept stale envelope lock", "lock", filepath.Base(lockPath))
	}
	return fmt.Errorf("envelope lock contention: %s", filepath.Base(lockPath))
}

// SweepStaleLocks clears abandoned export locks across outgoing/.
// Consumers refuse to read a .json whose .lock is present, so a stale
// lock pins the previous envelope until swept.
func (m *Manager) SweepStaleLocks() (int, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, "*.lock"))
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, lock := range matches {
		info, err := os.Stat(lock)
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < m.staleLock {
			continue
		}
		if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
			return swept, fmt.Errorf("sweep stale lock %s: %w", filepath.Base(lock), err)
		}
		audit.Record("allow", "lease.export", "stale_lock_swept", "", filepath.Base(lock))
		m.logger.Warn("swept stale envelope lock", "lock", filepath.Base(lock))
		swept++
	}
	return swept, nil
}

func envelopeFor(rec *persistence.LeaseRecord) Envelope {
	cosigners := make([]string, 0, len(rec.Cosigners))
	for _, c := range rec.Cosigners {
		cosigners = append(cosigners, c.RosterID)
	}
	exec := Execution{
		Executor:   rec.Executor,
		Mode:       rec.ExecMode,
		StartedAt:  rec.ActivatedAt,
		FinishedAt: rec.ClosedAt,
	}
	if rec.Outcome != "" {
		outcome := rec.Outcome
		exec.Outcome = &outcome
	}
	if rec.CloseReason != "" {
		reason := rec.CloseReason
		exec.ReasonCode = &reason
	}
	return Envelope{
		LeaseID:   rec.ID,
		IntentID:  rec.IntentID,
		Status:    string(rec.Status),
		Cosigners: cosigners,
		Execution: exec,
	}
}
