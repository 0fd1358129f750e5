// Package pulse generates the Bridge Pulse, the station's recurring
// health report. A pulse collects one snapshot of the ledger, the
// heartbeat window and SVF traffic, renders it to reports/ and records
// the run in the pulses table. The narrative paragraph comes from the
// scribe when one is online; otherwise a deterministic fallback is
// composed from the same collected facts, so a pulse never blocks on
// the network.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/foresight"
	"github.com/Narth/Calyx-sub001/internal/heartbeat"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/scribe"
	"github.com/Narth/Calyx-sub001/internal/shared"
	"github.com/Narth/Calyx-sub001/internal/tes"
)

// StampLayout names report files sortably, with colons swapped out so
// the stamp survives every filesystem.
const StampLayout = "2006-01-02T15-04-05Z"

// Narrator produces the pulse's prose paragraph.
type Narrator interface {
	Narrate(ctx context.Context, briefing string) (string, error)
	ModelID() string
}

// Config locates the ledgers and selects the scoring windows.
type Config struct {
	ReportsDir    string
	HeartbeatPath string
	StationName   string
	Mode          tes.Mode
	Window        int
	RecentWindow  int
	Weights       tes.Weights
}

// Generator collects and renders bridge pulses.
type Generator struct {
	store    *persistence.Store
	narrator Narrator
	gates    autonomy.Checker
	bus      *bus.Bus
	cfg      Config
	logger   *slog.Logger
}

// NewGenerator wires a pulse generator. narrator may be nil; every
// pulse then uses the fallback narrative.
func NewGenerator(store *persistence.Store, narrator Narrator, gates autonomy.Checker, b *bus.Bus, cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StationName == "" {
		cfg.StationName = "Calyx"
	}
	if cfg.Mode == "" {
		cfg.Mode = tes.ModeGraduated
	}
	if cfg.Window <= 0 {
		cfg.Window = tes.DefaultWindow
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = tes.RecentWindow
	}
	return &Generator{
		store:    store,
		narrator: narrator,
		gates:    gates,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
	}
}

// CrewStatus is one roster member's line in the Crew table.
type CrewStatus struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Emoji     string  `json:"emoji,omitempty"`
	Duty      string  `json:"duty"`
	Status    string  `json:"status"`
	Workers   int     `json:"workers"`
	AGII      float64 `json:"agii"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	LastSeen  string  `json:"last_seen"`
}

// ChannelTraffic is one SVF channel's line in the traffic table.
type ChannelTraffic struct {
	Channel   string `json:"channel"`
	LatestSeq int64  `json:"latest_seq"`
}

// Snapshot is everything one pulse reports, collected in a single pass
// so the tables and the narrative describe the same instant.
type Snapshot struct {
	Station      string    `json:"station"`
	GeneratedAt  time.Time `json:"generated_at"`
	AutonomyMode string    `json:"autonomy_mode"`
	GateVersion  string    `json:"gate_version"`

	Window      tes.Summary `json:"window"`
	Recent      tes.Summary `json:"recent"`
	Stability   float64     `json:"stability"`
	Velocity    int         `json:"velocity"`
	SGII        float64     `json:"sgii"`
	QuorumRate  float64     `json:"quorum_rate"`
	DenyRatio   float64     `json:"deny_ratio"`
	MangledRows int         `json:"mangled_rows,omitempty"`

	Trend foresight.Trend `json:"trend"`

	Cycles      map[persistence.CycleStatus]int  `json:"cycles"`
	QueueDepth  int                              `json:"queue_depth"`
	DeadLetters int                              `json:"dead_letters"`
	Intents     map[persistence.IntentStatus]int `json:"intents"`
	Leases      map[persistence.LeaseStatus]int  `json:"leases"`

	Crew     []CrewStatus     `json:"crew"`
	Channels []ChannelTraffic `json:"channels"`
	Backlog  int              `json:"backlog"`

	Findings []persistence.Finding `json:"findings,omitempty"`

	Narrative       string `json:"narrative"`
	NarrativeSource string `json:"narrative_source"`
	ModelID         string `json:"model_id"`
}

// Collect reads the ledgers and computes every gauge one pulse reports.
// The crew activity span is the trailing 24 hours.
func (g *Generator) Collect(ctx context.Context) (*Snapshot, error) {
	now := time.Now().UTC()
	snap := &Snapshot{
		Station:     g.cfg.StationName,
		GeneratedAt: now,
	}
	if g.gates != nil {
		snap.AutonomyMode = g.gates.Mode()
		snap.GateVersion = g.gates.Version()
	}

	rows, skipped, err := heartbeat.ReadAll(g.cfg.HeartbeatPath)
	if err != nil {
		return nil, fmt.Errorf("read heartbeat ledger: %w", err)
	}
	snap.MangledRows = skipped
	snap.Window = tes.Window(rows, g.cfg.Window, g.cfg.Mode)
	snap.Recent = tes.Window(rows, g.cfg.RecentWindow, g.cfg.Mode)
	snap.Stability = tes.Stability(rows, g.cfg.Window, g.cfg.Mode)
	snap.Velocity = tes.Velocity(rows, now)
	snap.Trend = foresight.AnalyzeTrend(rows, g.cfg.Mode, foresight.TrendConfig{BucketSize: g.cfg.RecentWindow})

	if snap.Cycles, err = g.store.CycleCounts(ctx); err != nil {
		return nil, err
	}
	if snap.QueueDepth, err = g.store.QueueDepth(ctx); err != nil {
		return nil, err
	}
	snap.DeadLetters = snap.Cycles[persistence.CycleStatusDeadLetter]

	if snap.Intents, err = g.store.IntentCounts(ctx); err != nil {
		return nil, err
	}
	if snap.Leases, err = g.store.LeaseCounts(ctx); err != nil {
		return nil, err
	}
	snap.QuorumRate = quorumRate(snap.Intents)

	since := now.Add(-24 * time.Hour)
	decisions, err := g.store.AuditDecisionCounts(ctx, since)
	if err != nil {
		return nil, err
	}
	snap.DenyRatio = denyRatio(decisions)
	snap.SGII = tes.SGII(snap.Stability, snap.QuorumRate, snap.DenyRatio, g.cfg.Weights)

	if snap.Crew, err = g.collectCrew(ctx, since); err != nil {
		return nil, err
	}
	if snap.Channels, snap.Backlog, err = g.collectTraffic(ctx); err != nil {
		return nil, err
	}

	if snap.Findings, err = g.store.ListFindings(ctx, 10); err != nil {
		return nil, err
	}
	// Drift anomalies ride in the report but are never persisted; each
	// pulse recomputes them from the ledger.
	snap.Findings = append(snap.Findings, snap.Trend.Findings("bridge_pulse")...)
	return snap, nil
}

func (g *Generator) collectCrew(ctx context.Context, since time.Time) ([]CrewStatus, error) {
	members, err := g.store.ListRosterMembers(ctx)
	if err != nil {
		return nil, err
	}
	activity, highTotal, err := g.store.CrewActivitySince(ctx, since)
	if err != nil {
		return nil, err
	}

	crew := make([]CrewStatus, 0, len(members))
	for _, m := range members {
		a := activity[m.ID]
		cs := CrewStatus{
			ID:        m.ID,
			Name:      m.DisplayName,
			Emoji:     m.Emoji,
			Duty:      m.Duty,
			Status:    m.Status,
			Workers:   m.WorkerCount,
			AGII:      tes.AGII(memberStability(a), ackRate(a, highTotal)),
			Succeeded: a.Succeeded,
			Failed:    a.Failed,
			LastSeen:  "-",
		}
		if m.LastSeenAt != nil {
			cs.LastSeen = m.LastSeenAt.UTC().Format(time.RFC3339)
		}
		crew = append(crew, cs)
	}
	sort.Slice(crew, func(i, j int) bool { return crew[i].ID < crew[j].ID })
	return crew, nil
}

func (g *Generator) collectTraffic(ctx context.Context) ([]ChannelTraffic, int, error) {
	channels, err := g.store.SVFChannels(ctx)
	if err != nil {
		return nil, 0, err
	}
	traffic := make([]ChannelTraffic, 0, len(channels))
	for _, ch := range channels {
		seq, err := g.store.LatestSVFSeq(ctx, ch)
		if err != nil {
			return nil, 0, err
		}
		traffic = append(traffic, ChannelTraffic{Channel: ch, LatestSeq: seq})
	}
	backlog, err := g.store.SVFBacklog(ctx)
	if err != nil {
		return nil, 0, err
	}
	return traffic, backlog, nil
}

// memberStability treats an idle member as stable: no terminal cycles
// means nothing went wrong, not that everything did.
func memberStability(a persistence.CrewActivity) float64 {
	total := a.Succeeded + a.Failed
	if total == 0 {
		return 1.0
	}
	return float64(a.Succeeded) / float64(total)
}

func ackRate(a persistence.CrewActivity, highTotal int) float64 {
	if highTotal == 0 {
		return 1.0
	}
	rate := float64(a.Acks) / float64(highTotal)
	if rate > 1 {
		rate = 1
	}
	return rate
}

// quorumRate is the share of decided intents that reached their
// decision through quorum. Rejection counts as compliance: the process
// said no. Only abandonment bypasses it.
func quorumRate(intents map[persistence.IntentStatus]int) float64 {
	quorumed := intents[persistence.IntentStatusApproved] +
		intents[persistence.IntentStatusLeased] +
		intents[persistence.IntentStatusExecuted] +
		intents[persistence.IntentStatusRetired] +
		intents[persistence.IntentStatusRejected]
	decided := quorumed + intents[persistence.IntentStatusAbandoned]
	if decided == 0 {
		return 1.0
	}
	return float64(quorumed) / float64(decided)
}

func denyRatio(decisions map[string]int) float64 {
	deny := decisions["deny"]
	total := deny + decisions["allow"]
	if total == 0 {
		return 0.0
	}
	return float64(deny) / float64(total)
}

// Generate runs one full pulse: collect, narrate, render to reports/,
// refresh latest.md, record the pulse row and announce it on the bus.
// It returns the snapshot and the report path.
func (g *Generator) Generate(ctx context.Context, source string) (*Snapshot, string, error) {
	snap, err := g.Collect(ctx)
	if err != nil {
		return nil, "", err
	}
	g.narrate(ctx, snap)

	if err := os.MkdirAll(g.cfg.ReportsDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create reports dir: %w", err)
	}
	name := "bridge_pulse_" + snap.GeneratedAt.Format(StampLayout) + ".md"
	path := filepath.Join(g.cfg.ReportsDir, name)

	var sb strings.Builder
	if err := WriteMarkdown(&sb, snap); err != nil {
		return nil, "", err
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return nil, "", fmt.Errorf("write pulse report: %w", err)
	}
	if err := linkLatest(g.cfg.ReportsDir, name); err != nil {
		g.logger.Warn("latest.md refresh failed", "error", err)
	}

	id, err := g.store.InsertPulse(ctx, persistence.PulseRecord{
		ReportPath:      path,
		Source:          source,
		WindowRows:      snap.Window.Count,
		AvgTES:          snap.Window.Mean,
		Stability:       snap.Stability,
		Velocity:        float64(snap.Velocity),
		SGII:            snap.SGII,
		NarrativeSource: snap.NarrativeSource,
		ModelID:         snap.ModelID,
	})
	if err != nil {
		return nil, "", err
	}

	if g.bus != nil {
		g.bus.Publish(bus.TopicPulseGenerated, bus.PulseGeneratedEvent{
			PulseID:    id,
			ReportPath: path,
			SGII:       snap.SGII,
			AvgTES:     snap.Window.Mean,
			Source:     source,
		})
	}
	g.logger.Info("bridge pulse generated",
		"path", path,
		"sgii", fmt.Sprintf("%.2f", snap.SGII),
		"avg_tes", fmt.Sprintf("%.2f", snap.Window.Mean),
		"narrative", snap.NarrativeSource,
	)
	return snap, path, nil
}

// narrate fills the narrative block. Scribe failures downgrade to the
// fallback; they never fail the pulse.
func (g *Generator) narrate(ctx context.Context, snap *Snapshot) {
	snap.NarrativeSource = "fallback"
	snap.ModelID = "-"
	snap.Narrative = fallbackNarrative(snap)
	if g.narrator == nil {
		return
	}
	text, err := g.narrator.Narrate(ctx, briefing(snap))
	if err != nil {
		if !errors.Is(err, scribe.ErrOffline) {
			g.logger.Warn("scribe narration failed; using fallback", "error", err)
		}
		return
	}
	snap.Narrative = text
	snap.NarrativeSource = "scribe"
	snap.ModelID = g.narrator.ModelID()
}

// briefing is the fact sheet handed to the scribe. Everything in it
// already appears in the report tables, so the model cannot add
// information, only phrasing.
func briefing(snap *Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Bridge pulse briefing for station %s.\n", snap.Station)
	fmt.Fprintf(&sb, "Autonomy mode: %s (gates %s).\n", snap.AutonomyMode, snap.GateVersion)
	fmt.Fprintf(&sb, "TES over last %d cycles: mean %.2f (min %.2f, max %.2f); recent %d: mean %.2f.\n",
		snap.Window.Count, snap.Window.Mean, snap.Window.Min, snap.Window.Max,
		snap.Recent.Count, snap.Recent.Mean)
	fmt.Fprintf(&sb, "Stability %.2f, velocity %d cycles in the trailing hour, SGII %.2f.\n",
		snap.Stability, snap.Velocity, snap.SGII)
	if len(snap.Trend.Buckets) >= 2 {
		fmt.Fprintf(&sb, "TES drift across recent windows: %s.\n", snap.Trend.Drift)
	}
	fmt.Fprintf(&sb, "Queue depth %d, dead letters %d.\n", snap.QueueDepth, snap.DeadLetters)
	fmt.Fprintf(&sb, "Leases active %d, released %d. Intents approved %d, executed %d.\n",
		snap.Leases[persistence.LeaseStatusActive], snap.Leases[persistence.LeaseStatusReleased],
		snap.Intents[persistence.IntentStatusApproved], snap.Intents[persistence.IntentStatusExecuted])
	fmt.Fprintf(&sb, "SVF backlog: %d unacknowledged high-priority messages.\n", snap.Backlog)
	fmt.Fprintf(&sb, "Open findings: %d.\n", len(snap.Findings))
	if snap.MangledRows > 0 {
		fmt.Fprintf(&sb, "Heartbeat ledger skipped %d malformed rows.\n", snap.MangledRows)
	}
	return sb.String()
}

// fallbackNarrative is the offline station voice: one factual paragraph
// assembled from the snapshot, deterministic for a given input.
func fallbackNarrative(snap *Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Station %s reporting in %s mode.", snap.Station, snap.AutonomyMode)
	if snap.Window.Count > 0 {
		fmt.Fprintf(&sb, " TES over the last %d cycles averages %.2f with stability %.2f; %d cycles landed in the trailing hour.",
			snap.Window.Count, snap.Window.Mean, snap.Stability, snap.Velocity)
	} else {
		sb.WriteString(" No completed cycles in the ledger yet.")
	}
	fmt.Fprintf(&sb, " SGII stands at %.2f.", snap.SGII)
	switch snap.Trend.Drift {
	case foresight.DriftDegrading:
		sb.WriteString(" TES is drifting downward across recent windows.")
	case foresight.DriftImproving:
		sb.WriteString(" TES is climbing across recent windows.")
	}
	if snap.Backlog > 0 {
		fmt.Fprintf(&sb, " %d high-priority messages await acknowledgement.", snap.Backlog)
	}
	if snap.DeadLetters > 0 {
		fmt.Fprintf(&sb, " %d cycles sit in the dead letter queue awaiting review.", snap.DeadLetters)
	}
	if len(snap.Findings) > 0 {
		fmt.Fprintf(&sb, " %d findings remain on file.", len(snap.Findings))
	} else {
		sb.WriteString(" Integrity ledger clean.")
	}
	return sb.String()
}

// linkLatest points reports/latest.md at the newest pulse. Platforms
// without symlink support get a plain copy.
func linkLatest(dir, target string) error {
	latest := filepath.Join(dir, "latest.md")
	_ = os.Remove(latest)
	if err := os.Symlink(target, latest); err != nil {
		data, rerr := os.ReadFile(filepath.Join(dir, target))
		if rerr != nil {
			return rerr
		}
		return os.WriteFile(latest, data, 0o644)
	}
	return nil
}

// CyclePayload is the queue payload for pulse cycles.
type CyclePayload struct {
	Source string `json:"source,omitempty"`
}

// Payload builds a pulse cycle payload for enqueueing.
func Payload(source string) string {
	b, _ := json.Marshal(CyclePayload{Source: source})
	return string(b)
}

// Process lets the overseer run pulse cycles through the same queue as
// everything else.
func (g *Generator) Process(ctx context.Context, cycle persistence.Cycle) (string, error) {
	var p CyclePayload
	if cycle.Payload != "" {
		if err := json.Unmarshal([]byte(cycle.Payload), &p); err != nil {
			return "", fmt.Errorf("decode pulse payload: %w", err)
		}
	}
	if p.Source == "" {
		p.Source = "schedule"
	}
	snap, path, err := g.Generate(ctx, p.Source)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]any{
		"report_path": path,
		"sgii":        snap.SGII,
		"avg_tes":     snap.Window.Mean,
		"narrative":   snap.NarrativeSource,
		"run_id":      shared.RunID(ctx),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
