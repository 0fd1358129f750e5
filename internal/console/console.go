// Package console renders the bridge console: a terminal dashboard over
// the station's live state. It polls the ledger on a tick and redraws
// early when bus traffic lands, so an operator watching the console sees
// cycles, leases and SVF backlog move in near real time.
package console

import (
	"context"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/heartbeat"
	"github.com/Narth/Calyx-sub001/internal/lease"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/tes"
)

// Snapshot is one poll of station state, everything the panels draw.
type Snapshot struct {
	Mode        string
	GateVersion string
	Window      tes.Summary
	Stability   float64
	Velocity    int
	Recent      []heartbeat.Row
	Leases      []persistence.LeaseRecord
	QueueDepth  int
	SVFBacklog  int
	Uptime      time.Duration
	Err         string
}

// Provider yields a fresh Snapshot per refresh.
type Provider func() Snapshot

// ModeReader is the slice of the gate checker the console needs.
type ModeReader interface {
	Mode() string
	Version() string
}

// Config wires the console to live station state.
type Config struct {
	StationName   string
	Store         *persistence.Store
	Leases        *lease.Manager
	Gates         ModeReader
	HeartbeatPath string
	TESMode       tes.Mode
	TESWindow     int
	RecentRows    int
}

// IsInteractive reports whether stdout is a terminal.
func IsInteractive() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// NewProvider builds a Provider that polls the store and heartbeat
// ledger directly. Read failures surface in Snapshot.Err rather than
// killing the console.
func NewProvider(cfg Config) Provider {
	started := time.Now()
	recentRows := cfg.RecentRows
	if recentRows <= 0 {
		recentRows = 5
	}
	return func() Snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		snap := Snapshot{Uptime: time.Since(started)}
		if cfg.Gates != nil {
			snap.Mode = cfg.Gates.Mode()
			snap.GateVersion = cfg.Gates.Version()
		}

		rows, _, err := heartbeat.ReadAll(cfg.HeartbeatPath)
		if err != nil {
			snap.Err = err.Error()
		} else {
			snap.Window = tes.Window(rows, cfg.TESWindow, cfg.TESMode)
			snap.Stability = tes.Stability(rows, cfg.TESWindow, cfg.TESMode)
			snap.Velocity = tes.Velocity(rows, time.Now().UTC())
			if len(rows) > recentRows {
				rows = rows[len(rows)-recentRows:]
			}
			snap.Recent = rows
		}

		if cfg.Store != nil {
			if depth, err := cfg.Store.QueueDepth(ctx); err == nil {
				snap.QueueDepth = depth
			} else {
				snap.Err = err.Error()
			}
			if backlog, err := cfg.Store.SVFBacklog(ctx); err == nil {
				snap.SVFBacklog = backlog
			}
		}
		if cfg.Leases != nil {
			if active, err := cfg.Leases.List(ctx, string(persistence.LeaseStatusActive), 10); err == nil {
				snap.Leases = active
			}
		}
		return snap
	}
}

// Run drives the console until q, ctrl+c or context cancellation. When a
// bus is given, published events trigger an immediate redraw between
// ticks.
func Run(ctx context.Context, stationName string, provider Provider, b *bus.Bus) error {
	defer bestEffortResetTTY()

	m := newModel(stationName, provider)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if b != nil {
		sub := b.Subscribe("")
		defer b.Unsubscribe(sub)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-sub.Ch():
					if !ok {
						return
					}
					p.Send(refreshMsg{})
				}
			}
		}()
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
