// Package scribe is the station's narrative voice. A genkit-backed
// generator turns ledger facts into the prose paragraphs pulse reports
// carry; SOUL.md is the system prompt and hot-reloads with it. Without
// an API key the scribe stays offline and callers fall back to
// deterministic text, so no report ever blocks on a model.
package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/Narth/Calyx-sub001/internal/pricing"
	"github.com/Narth/Calyx-sub001/internal/safety"
	"github.com/Narth/Calyx-sub001/internal/tokenutil"
)

// ErrOffline means no provider is configured; callers should use their
// deterministic fallback text.
var ErrOffline = errors.New("scribe offline: no API key configured")

// Config selects the provider and model.
type Config struct {
	Provider    string // google (default) | anthropic | openai
	Model       string
	APIKey      string
	Timeout     time.Duration
	Soul        string
	StationName string
}

// Usage accumulates what narration has cost so far. Token counts are
// estimates; the pulse reports them as such.
type Usage struct {
	Calls            int     `json:"calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Scribe wraps one genkit instance. Safe for concurrent use.
type Scribe struct {
	g      *genkit.Genkit
	cfg    Config
	llmOn  bool
	scrub  *safety.Sanitizer
	leaks  *safety.LeakDetector
	logger *slog.Logger

	soulMu sync.RWMutex
	soul   string

	usageMu sync.Mutex
	usage   Usage
}

// New initializes the configured provider. A missing key is not an
// error; the scribe comes up offline and says so once.
func New(ctx context.Context, cfg Config, logger *slog.Logger) *Scribe {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider
	if cfg.Model == "" {
		cfg.Model = defaultModel(provider)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	llmOn := false
	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey}))
			llmOn = true
			logger.Info("scribe online", "provider", provider, "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("scribe offline: Anthropic key missing; pulses use fallback narrative")
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
			}))
			llmOn = true
			logger.Info("scribe online", "provider", provider, "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("scribe offline: OpenAI key missing; pulses use fallback narrative")
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+cfg.Model),
			)
			llmOn = true
			logger.Info("scribe online", "provider", provider, "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("scribe offline: Google key missing; pulses use fallback narrative")
		}
	default:
		g = genkit.Init(ctx)
		logger.Warn("scribe offline: unknown provider", "provider", provider)
	}

	return &Scribe{
		g:      g,
		cfg:    cfg,
		llmOn:  llmOn,
		scrub:  safety.NewSanitizer(),
		leaks:  safety.NewLeakDetector(),
		logger: logger,
		soul:   cfg.Soul,
	}
}

// Online reports whether a model will answer.
func (s *Scribe) Online() bool { return s.llmOn }

// ModelID names the model for heartbeat and pulse attribution, "-"
// when offline.
func (s *Scribe) ModelID() string {
	if !s.llmOn {
		return "-"
	}
	return s.cfg.Model
}

// UpdateSoul swaps the system prompt. The config watcher calls this
// when SOUL.md changes on disk.
func (s *Scribe) UpdateSoul(soul string) {
	s.soulMu.Lock()
	s.soul = soul
	s.soulMu.Unlock()
	s.logger.Info("scribe persona reloaded", "bytes", len(soul))
}

// Usage returns the spend counters so far.
func (s *Scribe) Usage() Usage {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	return s.usage
}

// Narrate produces one paragraph for the given briefing. The output is
// scrubbed before it leaves the package; secrets never reach a report.
func (s *Scribe) Narrate(ctx context.Context, briefing string) (string, error) {
	briefing = strings.TrimSpace(briefing)
	if briefing == "" {
		return "", errors.New("empty briefing")
	}
	if !s.llmOn {
		return "", ErrOffline
	}

	s.soulMu.RLock()
	system := strings.TrimSpace(s.soul)
	s.soulMu.RUnlock()
	if system == "" {
		system = defaultSoul(s.cfg.StationName)
	}
	// Escape % so ai.WithSystem's formatting cannot corrupt the prompt.
	system = strings.ReplaceAll(system, "%", "%%")

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	resp, err := genkit.Generate(ctx, s.g,
		ai.WithModelName(modelName(s.cfg.Provider, s.cfg.Model)),
		ai.WithSystem(system),
		ai.WithPrompt(briefing),
	)
	if err != nil {
		return "", fmt.Errorf("scribe generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())

	s.recordUsage(system+briefing, text)

	if warnings := s.leaks.Scan(text); len(warnings) > 0 {
		s.logger.Warn("leak detector triggered on scribe output", "findings", len(warnings))
		text = s.leaks.Redact(text)
	}
	scrubbed, findings := s.scrub.Outbound(text)
	if len(findings) > 0 {
		s.logger.Warn("scribe output scrubbed", "findings", len(findings))
	}
	return scrubbed, nil
}

func (s *Scribe) recordUsage(prompt, completion string) {
	pt := tokenutil.EstimateTokens(prompt)
	ct := tokenutil.EstimateTokens(completion)
	s.usageMu.Lock()
	s.usage.Calls++
	s.usage.PromptTokens += pt
	s.usage.CompletionTokens += ct
	s.usage.CostUSD += pricing.EstimateCost(s.cfg.Model, pt, ct)
	s.usageMu.Unlock()
}

func defaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

func modelName(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	default:
		return "googleai/" + model
	}
}

func defaultSoul(stationName string) string {
	if stationName == "" {
		stationName = "Calyx"
	}
	return "You are the chronicler of station " + stationName + ". " +
		"Write one short, factual paragraph summarizing the briefing. " +
		"Report numbers exactly as given; never invent metrics, crew " +
		"members, or events. Plain prose, no headings, no lists."
}
