package safety

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/Narth/Calyx-sub001/internal/bus"
)

// Reading is one sample of the process resource envelope.
type Reading struct {
	RSSBytes   uint64
	Goroutines int
	LoadAvg    float64
}

// Governor samples process resources each overseer poll and decides
// whether cycle claiming should back off. Thresholds at or below zero
// disable that check; on platforms without /proc the RSS and load
// samples read zero and those limits never engage.
type Governor struct {
	maxRSSBytes   uint64
	maxGoroutines int
	maxLoadAvg    float64

	b      *bus.Bus
	logger *slog.Logger
	paused atomic.Bool
}

// NewGovernor creates a Governor with the given thresholds. A nil logger
// falls back to slog.Default.
func NewGovernor(maxRSSMB, maxGoroutines int, maxLoadAvg float64, b *bus.Bus, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Governor{
		maxGoroutines: maxGoroutines,
		maxLoadAvg:    maxLoadAvg,
		b:             b,
		logger:        logger,
	}
	if maxRSSMB > 0 {
		g.maxRSSBytes = uint64(maxRSSMB) << 20
	}
	return g
}

// Check takes a fresh sample, updates the pause state and returns the
// reading. The overseer calls this once per poll.
func (g *Governor) Check() Reading {
	r := Reading{
		RSSBytes:   readRSSBytes(),
		Goroutines: runtime.NumGoroutine(),
		LoadAvg:    readLoadAvg(),
	}
	g.apply(r)
	return r
}

// Paused reports whether claiming is currently backed off.
func (g *Governor) Paused() bool {
	return g.paused.Load()
}

// apply flips the pause state when a reading crosses a threshold and
// publishes a governor event on each edge. Steady state stays quiet.
func (g *Governor) apply(r Reading) {
	reason := g.exceeded(r)
	over := reason != ""
	if over == g.paused.Load() {
		return
	}
	g.paused.Store(over)

	ev := bus.GovernorEvent{
		Paused:     over,
		Reason:     reason,
		RSSMB:      int(r.RSSBytes >> 20),
		Goroutines: r.Goroutines,
		LoadAvg:    r.LoadAvg,
	}
	if over {
		g.logger.Warn("resource governor engaged, claiming paused",
			"reason", reason,
			"rss_mb", ev.RSSMB,
			"goroutines", r.Goroutines,
			"load_avg", r.LoadAvg)
	} else {
		ev.Reason = "within limits"
		g.logger.Info("resource governor released, claiming resumed",
			"rss_mb", ev.RSSMB,
			"goroutines", r.Goroutines,
			"load_avg", r.LoadAvg)
	}
	if g.b != nil {
		g.b.Publish(bus.TopicSafetyGovernor, ev)
	}
}

// exceeded returns the first tripped threshold, or "" when the reading
// is inside the envelope.
func (g *Governor) exceeded(r Reading) string {
	if g.maxRSSBytes > 0 && r.RSSBytes > g.maxRSSBytes {
		return fmt.Sprintf("rss %dMB over %dMB", r.RSSBytes>>20, g.maxRSSBytes>>20)
	}
	if g.maxGoroutines > 0 && r.Goroutines > g.maxGoroutines {
		return fmt.Sprintf("goroutines %d over %d", r.Goroutines, g.maxGoroutines)
	}
	if g.maxLoadAvg > 0 && r.LoadAvg > g.maxLoadAvg {
		return fmt.Sprintf("load %.2f over %.2f", r.LoadAvg, g.maxLoadAvg)
	}
	return ""
}

// readRSSBytes reads the resident set size from /proc/self/statm.
// Returns 0 on any failure (the caller treats 0 as "no reading").
func readRSSBytes() uint64 {
	return readRSSBytesFrom("/proc/self/statm", os.Getpagesize())
}

// readRSSBytesFrom is the testable version of readRSSBytes. The second
// field of statm is the resident page count.
func readRSSBytesFrom(path string, pageSize int) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * uint64(pageSize)
}

// readLoadAvg reads the one-minute load average from /proc/loadavg.
// Returns 0 on any failure.
func readLoadAvg() float64 {
	return readLoadAvgFrom("/proc/loadavg")
}

func readLoadAvgFrom(path string) float64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return load
}
