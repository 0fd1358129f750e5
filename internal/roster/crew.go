// Package roster manages the running crew: one overseer engine per
// member, scoped to that member's cycles, with the processor mux
// matched to the member's duty. The roster table is the persisted
// identity; this package owns the live lifecycles.
package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/overseer"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/safety"
	"github.com/Narth/Calyx-sub001/internal/shared"
)

// digestMember is the comms sweep duty holder.
const digestMember = "CP6"

// Deps carries the shared machinery every member engine runs on. Nil
// processors leave their kind unrouted; such cycles fail through the
// normal retry accounting.
type Deps struct {
	Gates    autonomy.Checker
	Bus      *bus.Bus
	Governor *safety.Governor
	Logger   *slog.Logger

	LeaseExec   overseer.Processor
	Directive   overseer.Processor
	Pulse       overseer.Processor
	Integrity   overseer.Processor
	Maintenance overseer.Processor
	SVFDigest   overseer.Processor

	Workers       int // default worker count for records that carry none
	PollInterval  time.Duration
	CycleTimeout  time.Duration
	MaxQueueDepth int
}

// Member is one running crew member.
type Member struct {
	Record    persistence.RosterRecord
	Engine    *overseer.Engine
	cancel    context.CancelFunc
	startedAt time.Time
}

// Uptime reports how long the member's engine has been running.
func (m *Member) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

// Crew manages the lifecycle of roster member engines.
type Crew struct {
	store  *persistence.Store
	deps   Deps
	logger *slog.Logger

	mu      sync.RWMutex
	members map[string]*Member
}

// New creates an empty crew. Members arrive through Create or
// RestorePersisted.
func New(store *persistence.Store, deps Deps) *Crew {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Workers <= 0 {
		deps.Workers = 2
	}
	return &Crew{
		store:   store,
		deps:    deps,
		logger:  logger,
		members: make(map[string]*Member),
	}
}

// muxFor assembles the processor table for one member. Every member
// answers directives and executes leases issued to it; the overseer
// owns the station rhythms and the comms member owns the traffic
// sweep.
func (c *Crew) muxFor(id string) overseer.Mux {
	m := overseer.Mux{}
	if c.deps.Directive != nil {
		m[persistence.CycleKindDirective] = c.deps.Directive
	}
	if c.deps.LeaseExec != nil {
		m[persistence.CycleKindLeaseExec] = c.deps.LeaseExec
	}
	switch id {
	case shared.OverseerID:
		if c.deps.Pulse != nil {
			m[persistence.CycleKindPulse] = c.deps.Pulse
		}
		if c.deps.Integrity != nil {
			m[persistence.CycleKindIntegrity] = c.deps.Integrity
		}
		if c.deps.Maintenance != nil {
			m[persistence.CycleKindMaintenance] = c.deps.Maintenance
		}
	case digestMember:
		if c.deps.SVFDigest != nil {
			m[persistence.CycleKindSVFDigest] = c.deps.SVFDigest
		}
	}
	return m
}

// Create validates, persists and starts one member. The record's
// status becomes active; an existing row is refreshed rather than
// duplicated, which is also the restore path.
func (c *Crew) Create(ctx context.Context, rec persistence.RosterRecord) error {
	if !shared.ValidRosterID(rec.ID) {
		return fmt.Errorf("invalid roster id %q", rec.ID)
	}

	c.mu.RLock()
	_, exists := c.members[rec.ID]
	c.mu.RUnlock()
	if exists {
		return fmt.Errorf("roster member %s already running", rec.ID)
	}

	if rec.WorkerCount <= 0 {
		rec.WorkerCount = c.deps.Workers
	}
	rec.Status = persistence.RosterStatusActive

	engine := overseer.New(c.store, c.muxFor(rec.ID), c.deps.Gates, overseer.Config{
		Workers:       rec.WorkerCount,
		PollInterval:  c.deps.PollInterval,
		CycleTimeout:  c.deps.CycleTimeout,
		MaxQueueDepth: c.deps.MaxQueueDepth,
		RosterID:      rec.ID,
		Bus:           c.deps.Bus,
		Governor:      c.deps.Governor,
	}, c.logger.With("roster_id", rec.ID))

	memberCtx, cancel := context.WithCancel(ctx)
	engine.Start(memberCtx)

	if err := c.store.UpsertRosterMember(ctx, rec); err != nil {
		cancel()
		engine.Drain(2 * time.Second)
		return fmt.Errorf("persist roster member: %w", err)
	}

	// Re-check under the write lock: two concurrent Creates for the
	// same id must not both land.
	c.mu.Lock()
	if _, dup := c.members[rec.ID]; dup {
		c.mu.Unlock()
		cancel()
		engine.Drain(2 * time.Second)
		return fmt.Errorf("roster member %s already running (concurrent create)", rec.ID)
	}
	c.members[rec.ID] = &Member{
		Record:    rec,
		Engine:    engine,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	c.mu.Unlock()

	c.logger.Info("roster member started",
		"roster_id", rec.ID, "duty", rec.Duty, "workers", rec.WorkerCount)
	return nil
}

// Remove drains and stops a member, leaving the roster row on standby.
// The overseer cannot be removed; the station does not run headless.
func (c *Crew) Remove(ctx context.Context, id string, drainTimeout time.Duration) error {
	if id == shared.OverseerID {
		return fmt.Errorf("cannot remove the overseer")
	}

	c.mu.Lock()
	member, ok := c.members[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("roster member %s not running", id)
	}
	delete(c.members, id)
	c.mu.Unlock()

	member.cancel()
	member.Engine.Drain(drainTimeout)

	if err := c.store.SetRosterStatus(ctx, id, persistence.RosterStatusStandby); err != nil {
		c.logger.Warn("roster status update failed", "roster_id", id, "error", err)
	}

	c.logger.Info("roster member stopped", "roster_id", id)
	return nil
}

// Get returns a running member, nil when the id is not running.
func (c *Crew) Get(id string) *Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.members[id]
}

// List returns the running members' records sorted by id.
func (c *Crew) List() []persistence.RosterRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]persistence.RosterRecord, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m.Record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status returns the engine snapshot for one running member.
func (c *Crew) Status(id string) (*overseer.Status, error) {
	c.mu.RLock()
	member, ok := c.members[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("roster member %s not running", id)
	}
	st := member.Engine.Status()
	return &st, nil
}

// Statuses returns every running member's engine snapshot keyed by id.
func (c *Crew) Statuses() map[string]overseer.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]overseer.Status, len(c.members))
	for id, m := range c.members {
		out[id] = m.Engine.Status()
	}
	return out
}

// DrainAll cancels and drains every member in parallel. Shutdown path.
func (c *Crew) DrainAll(timeout time.Duration) {
	c.mu.RLock()
	members := make([]*Member, 0, len(c.members))
	for _, m := range c.members {
		members = append(members, m)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(member *Member) {
			defer wg.Done()
			member.cancel()
			member.Engine.Drain(timeout)
		}(m)
	}
	wg.Wait()
}

// RestorePersisted starts every roster row marked active that is not
// already running. Boot path; one bad member does not stop the rest.
func (c *Crew) RestorePersisted(ctx context.Context) error {
	records, err := c.store.ListRosterMembers(ctx)
	if err != nil {
		return fmt.Errorf("list roster: %w", err)
	}

	var errs []error
	for _, rec := range records {
		if rec.Status != persistence.RosterStatusActive {
			continue
		}
		if c.Get(rec.ID) != nil {
			continue
		}
		if err := c.Create(ctx, rec); err != nil {
			c.logger.Warn("roster member restore failed", "roster_id", rec.ID, "error", err)
			errs = append(errs, fmt.Errorf("restore %s: %w", rec.ID, err))
		}
	}
	return errors.Join(errs...)
}
