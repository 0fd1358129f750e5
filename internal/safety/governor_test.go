package safety

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Narth/Calyx-sub001/internal/bus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGovernor_EngagesAndReleasesOnEdges(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicSafetyGovernor)
	defer b.Unsubscribe(sub)

	g := NewGovernor(1024, 2000, 8.0, b, discardLogger())
	if g.Paused() {
		t.Fatal("new governor should start unpaused")
	}

	hot := Reading{RSSBytes: 2048 << 20, Goroutines: 10, LoadAvg: 0.5}
	g.apply(hot)
	if !g.Paused() {
		t.Fatal("expected pause above RSS threshold")
	}
	select {
	case ev := <-sub.Ch():
		got, ok := ev.Payload.(bus.GovernorEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if !got.Paused || !strings.Contains(got.Reason, "rss") {
			t.Errorf("unexpected pause event: %+v", got)
		}
	default:
		t.Fatal("expected governor event on pause edge")
	}

	// Steady state stays quiet.
	g.apply(hot)
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event in steady state: %+v", ev)
	default:
	}

	g.apply(Reading{RSSBytes: 256 << 20, Goroutines: 10, LoadAvg: 0.5})
	if g.Paused() {
		t.Fatal("expected release below threshold")
	}
	select {
	case ev := <-sub.Ch():
		got := ev.Payload.(bus.GovernorEvent)
		if got.Paused || got.Reason != "within limits" {
			t.Errorf("unexpected release event: %+v", got)
		}
	default:
		t.Fatal("expected governor event on release edge")
	}
}

func TestGovernor_NamesTrippedThreshold(t *testing.T) {
	g := NewGovernor(1024, 2000, 8.0, nil, discardLogger())
	tests := []struct {
		name string
		r    Reading
		want string
	}{
		{"rss", Reading{RSSBytes: 4096 << 20}, "rss"},
		{"goroutines", Reading{Goroutines: 5000}, "goroutines"},
		{"load", Reading{LoadAvg: 20.0}, "load"},
		{"calm", Reading{RSSBytes: 64 << 20, Goroutines: 40, LoadAvg: 0.2}, ""},
	}
	for _, tt := range tests {
		got := g.exceeded(tt.r)
		if tt.want == "" {
			if got != "" {
				t.Errorf("%s: expected no trip, got %q", tt.name, got)
			}
			continue
		}
		if !strings.Contains(got, tt.want) {
			t.Errorf("%s: expected reason naming %q, got %q", tt.name, tt.want, got)
		}
	}
}

func TestGovernor_ZeroThresholdsNeverEngage(t *testing.T) {
	g := NewGovernor(0, 0, 0, nil, discardLogger())
	g.apply(Reading{RSSBytes: 1 << 40, Goroutines: 1_000_000, LoadAvg: 99.0})
	if g.Paused() {
		t.Fatal("disabled thresholds should never pause")
	}
}

func TestGovernor_CheckSamplesProcess(t *testing.T) {
	g := NewGovernor(0, 0, 0, nil, discardLogger())
	r := g.Check()
	if r.Goroutines < 1 {
		t.Errorf("expected at least one goroutine, got %d", r.Goroutines)
	}
}

func TestReadRSSBytesFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statm")
	if err := os.WriteFile(path, []byte("1000 512 300 2 0 600 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readRSSBytesFrom(path, 4096); got != 512*4096 {
		t.Errorf("expected %d bytes, got %d", 512*4096, got)
	}

	bad := filepath.Join(t.TempDir(), "statm")
	if err := os.WriteFile(bad, []byte("not a number\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readRSSBytesFrom(bad, 4096); got != 0 {
		t.Errorf("expected 0 for malformed statm, got %d", got)
	}

	if got := readRSSBytesFrom(filepath.Join(t.TempDir(), "missing"), 4096); got != 0 {
		t.Errorf("expected 0 for missing file, got %d", got)
	}
}

func TestReadLoadAvgFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loadavg")
	if err := os.WriteFile(path, []byte("0.52 0.58 0.59 1/389 12345\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readLoadAvgFrom(path); got != 0.52 {
		t.Errorf("expected 0.52, got %v", got)
	}

	if got := readLoadAvgFrom(filepath.Join(t.TempDir(), "missing")); got != 0 {
		t.Errorf("expected 0 for missing file, got %v", got)
	}
}
