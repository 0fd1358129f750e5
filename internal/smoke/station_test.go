package smoke

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/heartbeat"
	"github.com/Narth/Calyx-sub001/internal/intent"
	"github.com/Narth/Calyx-sub001/internal/lease"
	"github.com/Narth/Calyx-sub001/internal/overseer"
	"github.com/Narth/Calyx-sub001/internal/persistence"
)

// stationFixture wires the in-process layers the way the daemon does:
// one ledger, one bus, live gates, and the lease/intent services on
// top. Drills build the rest per scenario.
type stationFixture struct {
	home    string
	store   *persistence.Store
	bus     *bus.Bus
	gates   *autonomy.LiveGates
	leases  *lease.Manager
	intents *intent.Service
	hbPath  string
	logger  *slog.Logger
}

func newStationFixture(t *testing.T, mode string) *stationFixture {
	t.Helper()
	home := t.TempDir()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(home, "calyx.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gates := autonomy.NewLiveGates(autonomy.Default(), mode)
	leases := lease.NewManager(store, filepath.Join(home, "outgoing"), 30*time.Minute, time.Minute, logger)
	intents, err := intent.NewService(store, eventBus, 2, logger)
	if err != nil {
		t.Fatalf("intent service: %v", err)
	}

	return &stationFixture{
		home:    home,
		store:   store,
		bus:     eventBus,
		gates:   gates,
		leases:  leases,
		intents: intents,
		hbPath:  filepath.Join(home, "logs", "heartbeat.csv"),
		logger:  logger,
	}
}

func (f *stationFixture) executor(t *testing.T) *overseer.LeaseExecutor {
	t.Helper()
	hb, err := heartbeat.NewWriter(f.hbPath, 1<<20, f.logger)
	if err != nil {
		t.Fatalf("heartbeat writer: %v", err)
	}
	t.Cleanup(func() { _ = hb.Close() })
	return overseer.NewLeaseExecutor(f.store, f.leases, f.gates, nil, hb, overseer.LeaseExecConfig{
		WorkspaceRoot: filepath.Join(f.home, "workspace"),
		RunsDir:       filepath.Join(f.home, "runs"),
	}, f.logger)
}

// approvedIntent walks the governance path: propose, cosign to quorum.
func (f *stationFixture) approvedIntent(t *testing.T, title string) string {
	t.Helper()
	ctx := context.Background()
	rec, err := f.intents.Create(ctx, intent.Submission{
		Title:       title,
		RequestedBy: "CP17",
		Priority:    3,
		Quorum:      2,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	for i, signer := range []string{"CP7", "CP15"} {
		approved, sigs, err := f.intents.Approve(ctx, rec.ID, signer)
		if err != nil {
			t.Fatalf("cosign %s: %v", signer, err)
		}
		if wantApproved := i == 1; approved != wantApproved || sigs != i+1 {
			t.Fatalf("cosign %s: approved=%v sigs=%d", signer, approved, sigs)
		}
	}
	return rec.ID
}

func (f *stationFixture) heartbeatRows(t *testing.T) []heartbeat.Row {
	t.Helper()
	rows, mangled, err := heartbeat.ReadAll(f.hbPath)
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if mangled != 0 {
		t.Fatalf("heartbeat rows mangled: %d", mangled)
	}
	return rows
}
