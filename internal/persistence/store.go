package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Narth/Calyx-sub001/internal/audit"
	"github.com/Narth/Calyx-sub001/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "calyx-v1-2026-06-02-station-ledger"

	// Schema v2: adds SVF channel mirror tables + cycles.lease_id.
	schemaVersionV2  = 2
	schemaChecksumV2 = "calyx-v2-2026-06-20-svf-mirror"

	// Schema v3: adds pulse archive, integrity findings, schedules + cycles.gate_version.
	schemaVersionV3  = 3
	schemaChecksumV3 = "calyx-v3-2026-07-08-pulse-archive"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3

	defaultClaimDuration = 30 * time.Second

	defaultMaxAttempts = 3
	retryBaseDelay     = 1 * time.Second
	retryMaxDelay      = 30 * time.Second
	poisonThreshold    = 3
)

// Deterministic reason codes for retry and terminal states.
const (
	ReasonRetryExecError        = "RETRY_EXEC_ERROR"
	ReasonRetryClaimLost        = "RETRY_CLAIM_LOST"
	ReasonDeadLetterPoisonPill  = "DEAD_LETTER_POISON_PILL"
	ReasonDeadLetterMaxAttempts = "DEAD_LETTER_MAX_ATTEMPTS"
	ReasonExpiredTTL            = "EXPIRED_TTL"
	ReasonCanceledByOperator    = "CANCELED_BY_OPERATOR"
	ReasonSafeModeRefusal       = "SAFE_MODE_REFUSAL"
)

// Store is the station ledger: every cycle, intent, lease, flare and
// pulse the station produces lands here before anything is narrated.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".calyx", "calyx.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	// If we're already at the latest schema, verify checksum and apply backfills only.
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := applyBackfillsTx(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Upgrading from an earlier schema. Validate the checksum for the version we are upgrading from.
	versionChecksums := []struct {
		version  int
		checksum string
	}{
		{schemaVersionV1, schemaChecksumV1},
		{schemaVersionV2, schemaChecksumV2},
		{schemaVersionV3, schemaChecksumV3},
	}
	matched := false
	for _, vc := range versionChecksums {
		if maxVersion != vc.version {
			continue
		}
		matched = true
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, vc.version).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != vc.checksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", vc.version, existingChecksum, vc.checksum)
		}
		break
	}
	if !matched && maxVersion != 0 {
		return fmt.Errorf("db schema version %d is older than supported minimum %d", maxVersion, schemaVersionV1)
	}

	// Phase 1: Create tables (without indexes).
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS cycles (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL DEFAULT 'maintenance' CHECK(kind IN ('lease_exec', 'pulse', 'integrity', 'maintenance', 'directive', 'svf_digest')),
			status TEXT NOT NULL CHECK(status IN ('QUEUED', 'CLAIMED', 'RUNNING', 'RETRY_WAIT', 'SUCCEEDED', 'FAILED', 'CANCELED', 'DEAD_LETTER')),
			roster_id TEXT NOT NULL DEFAULT 'CBO',
			lease_id TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			available_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			last_error_code TEXT,
			last_error_fingerprint TEXT,
			poison_count INTEGER NOT NULL DEFAULT 0,
			gate_version TEXT,
			lease_owner TEXT,
			lease_expires_at DATETIME,
			run_id TEXT,
			trace_id TEXT,
			payload JSON NOT NULL,
			result JSON,
			error TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS cycle_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL REFERENCES cycles(id),
			run_id TEXT,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS intents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			requested_by TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'draft' CHECK(status IN ('draft', 'proposed', 'approved', 'leased', 'executed', 'retired', 'rejected', 'abandoned')),
			quorum INTEGER NOT NULL DEFAULT 2,
			status_reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS intent_cosigns (
			intent_id TEXT NOT NULL REFERENCES intents(id),
			roster_id TEXT NOT NULL,
			signed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(intent_id, roster_id)
		);`,
		`CREATE TABLE IF NOT EXISTS leases (
			id TEXT PRIMARY KEY,
			intent_id TEXT NOT NULL REFERENCES intents(id),
			status TEXT NOT NULL DEFAULT 'issued' CHECK(status IN ('issued', 'active', 'released', 'expired', 'revoked')),
			executor TEXT NOT NULL,
			exec_mode TEXT NOT NULL DEFAULT 'none' CHECK(exec_mode IN ('docker', 'host', 'none')),
			cosigners JSON NOT NULL DEFAULT '[]',
			issued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			activated_at DATETIME,
			expires_at DATETIME NOT NULL,
			closed_at DATETIME,
			close_reason TEXT,
			outcome TEXT CHECK(outcome IN ('ok', 'failed')),
			envelope_path TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS roster (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			emoji TEXT NOT NULL DEFAULT '',
			duty TEXT NOT NULL DEFAULT '',
			worker_count INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'standby', 'draining')),
			last_seen_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			gate_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		// v2: SVF channel mirror. The jsonl files under logs/svf/ stay the
		// narrative surface; the ledger is what acks and backlog counts read.
		`CREATE TABLE IF NOT EXISTS svf_messages (
			channel TEXT NOT NULL,
			seq INTEGER NOT NULL,
			from_id TEXT NOT NULL,
			body TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal' CHECK(priority IN ('normal', 'high')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (channel, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS svf_acks (
			channel TEXT NOT NULL,
			seq INTEGER NOT NULL,
			roster_id TEXT NOT NULL,
			acked_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(channel, seq, roster_id),
			FOREIGN KEY (channel, seq) REFERENCES svf_messages(channel, seq) ON DELETE CASCADE
		);`,
		// v3: pulse archive + integrity findings + cron schedules.
		`CREATE TABLE IF NOT EXISTS pulses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			report_path TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'schedule',
			window_rows INTEGER NOT NULL DEFAULT 0,
			avg_tes REAL NOT NULL DEFAULT 0,
			stability REAL NOT NULL DEFAULT 0,
			velocity REAL NOT NULL DEFAULT 0,
			sgii REAL NOT NULL DEFAULT 0,
			narrative_source TEXT NOT NULL DEFAULT 'fallback',
			model_id TEXT NOT NULL DEFAULT '-',
			generated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS integrity_findings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			report_path TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'warn' CHECK(severity IN ('info', 'warn', 'error')),
			artifact TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'maintenance',
			payload JSON NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Phase 2: Backfills (ALTER TABLE for pre-v3 DBs) — must run before indexes.
	if err := applyBackfillsTx(ctx, tx); err != nil {
		return err
	}

	// Phase 3: Indexes (may reference columns added by backfills).
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_cycles_status ON cycles(status);`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_available ON cycles(status, available_at, priority, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_lease_expires ON cycles(lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_kind_status ON cycles(kind, status);`,
		`CREATE INDEX IF NOT EXISTS idx_cycle_events_cycle ON cycle_events(cycle_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_intents_status ON intents(status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_leases_status ON leases(status, expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_leases_intent ON leases(intent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_svf_channel_created ON svf_messages(channel, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_findings_severity ON integrity_findings(severity, created_at);`,
	}

	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	// Emit migration audit event after successful migration.
	audit.Record("allow", "data.migration",
		fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest), "", "store")
	return nil
}

func applyBackfillsTx(ctx context.Context, tx *sql.Tx) error {
	alterStatements := []struct {
		stmt string
		desc string
	}{
		// v2: lease-execution cycles reference their governance lease.
		{stmt: `ALTER TABLE cycles ADD COLUMN lease_id TEXT;`, desc: "cycles.lease_id"},
		// v3: the gate fingerprint pinned at run start.
		{stmt: `ALTER TABLE cycles ADD COLUMN gate_version TEXT;`, desc: "cycles.gate_version"},
		{stmt: `ALTER TABLE leases ADD COLUMN envelope_path TEXT NOT NULL DEFAULT '';`, desc: "leases.envelope_path"},
		// v3: execution block for the outgoing envelope.
		{stmt: `ALTER TABLE leases ADD COLUMN exec_mode TEXT NOT NULL DEFAULT 'none';`, desc: "leases.exec_mode"},
		{stmt: `ALTER TABLE leases ADD COLUMN outcome TEXT;`, desc: "leases.outcome"},
	}
	for _, a := range alterStatements {
		if _, err := tx.ExecContext(ctx, a.stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}
	return nil
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

func errorFingerprint(errMsg string) string {
	normalized := strings.ToLower(strings.TrimSpace(errMsg))
	if len(normalized) > 512 {
		normalized = normalized[:512]
	}
	return hashString(normalized)
}

func retryDelay(cycleID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	if base > retryMaxDelay {
		base = retryMaxDelay
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(cycleID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from the kv table. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("kv_get: %w", err)
	}
	return val, nil
}

// Backup creates an online-consistent backup of the database.
// Uses VACUUM INTO which creates a complete, consistent copy without blocking writes.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath)
	if err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}
