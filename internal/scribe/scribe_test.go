package scribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_OfflineWithoutKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	s := New(context.Background(), Config{StationName: "Calyx"}, testLogger())
	if s.Online() {
		t.Fatalf("expected scribe offline without an API key")
	}
	if got := s.ModelID(); got != "-" {
		t.Fatalf("offline ModelID = %q, want \"-\"", got)
	}

	_, err := s.Narrate(context.Background(), "TES window holding at 0.85")
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("Narrate offline error = %v, want ErrOffline", err)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	s := New(context.Background(), Config{}, testLogger())
	if s.cfg.Provider != "google" {
		t.Fatalf("default provider = %q, want google", s.cfg.Provider)
	}
	if s.cfg.Model != "gemini-2.5-flash" {
		t.Fatalf("default model = %q", s.cfg.Model)
	}
	if s.cfg.Timeout != 30*time.Second {
		t.Fatalf("default timeout = %v", s.cfg.Timeout)
	}
}

func TestNarrate_RejectsEmptyBriefing(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	s := New(context.Background(), Config{}, testLogger())
	if _, err := s.Narrate(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for empty briefing")
	}
}

func TestUpdateSoul_SwapsPersona(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	s := New(context.Background(), Config{Soul: "first persona"}, testLogger())
	s.UpdateSoul("second persona")

	s.soulMu.RLock()
	got := s.soul
	s.soulMu.RUnlock()
	if got != "second persona" {
		t.Fatalf("soul after update = %q", got)
	}
}

func TestRecordUsage_AccumulatesEstimates(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	s := New(context.Background(), Config{Model: "gemini-2.5-flash"}, testLogger())
	s.recordUsage(strings.Repeat("prompt ", 100), strings.Repeat("answer ", 50))
	s.recordUsage("short", "reply")

	u := s.Usage()
	if u.Calls != 2 {
		t.Fatalf("Calls = %d, want 2", u.Calls)
	}
	if u.PromptTokens <= 0 || u.CompletionTokens <= 0 {
		t.Fatalf("token estimates should be positive: %+v", u)
	}
	if u.CostUSD <= 0 {
		t.Fatalf("known model should accrue cost, got %v", u.CostUSD)
	}
}

func TestModelName_PerProvider(t *testing.T) {
	cases := []struct {
		provider, model, want string
	}{
		{"google", "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"anthropic", "claude-sonnet-4-5", "anthropic/claude-sonnet-4-5"},
		{"openai", "gpt-4o-mini", "openai/gpt-4o-mini"},
	}
	for _, tc := range cases {
		if got := modelName(tc.provider, tc.model); got != tc.want {
			t.Errorf("modelName(%q, %q) = %q, want %q", tc.provider, tc.model, got, tc.want)
		}
	}
}

func TestDefaultSoul_NamesStation(t *testing.T) {
	soul := defaultSoul("Meridian")
	if !strings.Contains(soul, "Meridian") {
		t.Fatalf("default soul should mention the station: %q", soul)
	}
	if fallback := defaultSoul(""); !strings.Contains(fallback, "Calyx") {
		t.Fatalf("empty station should fall back to Calyx: %q", fallback)
	}
}
