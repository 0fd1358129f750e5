package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Narth/Calyx-sub001/internal/audit"
	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/heartbeat"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/pulse"
	"github.com/Narth/Calyx-sub001/internal/safety"
	"github.com/Narth/Calyx-sub001/internal/tes"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramConfig wires the operator alert channel.
type TelegramConfig struct {
	Token          string
	AllowedChatIDs []int64

	Store *persistence.Store
	Gates *autonomy.LiveGates
	Bus   *bus.Bus

	// Pulse may be nil; /pulse then reports unavailable.
	Pulse *pulse.Generator

	HeartbeatPath string
	TESMode       tes.Mode
	TESWindow     int

	// ResumeMode is the configured boot mode /safe off returns to.
	ResumeMode string

	Logger *slog.Logger
}

// TelegramChannel pushes station alerts to allowlisted operator chats
// and answers a small command surface. Everything outbound passes the
// sanitizer; everything inbound is allowlist-checked first.
type TelegramChannel struct {
	cfg    TelegramConfig
	logger *slog.Logger
	scrub  *safety.Sanitizer
	bot    *tgbotapi.BotAPI

	allowed map[int64]struct{}
}

func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TESMode == "" {
		cfg.TESMode = tes.ModeGraduated
	}
	if cfg.TESWindow <= 0 {
		cfg.TESWindow = 50
	}
	if cfg.ResumeMode == "" {
		cfg.ResumeMode = autonomy.ModeSupervised
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedChatIDs))
	for _, id := range cfg.AllowedChatIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "telegram"),
		scrub:   safety.NewSanitizer(),
		allowed: allowed,
	}
}

// Enabled reports whether the channel has a token and at least one
// allowlisted chat. The daemon skips Start entirely when false.
func (t *TelegramChannel) Enabled() bool {
	return strings.TrimSpace(t.cfg.Token) != "" && len(t.allowed) > 0
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	if t.cfg.Bus != nil {
		go t.watchEvents(ctx)
	}

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection: the library blocks rather than closing the channel).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			chatID := update.Message.Chat.ID
			if _, ok := t.allowed[chatID]; !ok {
				t.logger.Warn("telegram access denied", "chat_id", chatID)
				audit.Record("deny", autonomy.CapTelegramSend, "chat_not_allowlisted",
					t.cfg.Gates.Version(), fmt.Sprintf("telegram:%d", chatID))
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		return
	}
	switch msg.Command() {
	case "status":
		t.reply(msg.Chat.ID, t.statusText(ctx))
	case "pulse":
		t.handlePulse(ctx, msg.Chat.ID)
	case "safe":
		t.handleSafe(msg.Chat.ID, strings.TrimSpace(msg.CommandArguments()))
	default:
		t.reply(msg.Chat.ID, "commands: /status, /pulse, /safe on|off")
	}
}

func (t *TelegramChannel) statusText(ctx context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode: %s (%s)\n", t.cfg.Gates.Mode(), t.cfg.Gates.Version())

	if depth, err := t.cfg.Store.QueueDepth(ctx); err == nil {
		fmt.Fprintf(&b, "queue: %d cycles\n", depth)
	}
	if backlog, err := t.cfg.Store.SVFBacklog(ctx); err == nil {
		fmt.Fprintf(&b, "svf backlog: %d\n", backlog)
	}
	rows, mangled, err := heartbeat.Tail(t.cfg.HeartbeatPath, t.cfg.TESWindow)
	if err == nil {
		w := tes.Window(rows, t.cfg.TESWindow, t.cfg.TESMode)
		fmt.Fprintf(&b, "tes[%d]: mean %.2f over %d rows", w.Window, w.Mean, w.Count)
		if mangled > 0 {
			fmt.Fprintf(&b, " (%d mangled)", mangled)
		}
	}
	return strings.TrimSpace(b.String())
}

func (t *TelegramChannel) handlePulse(ctx context.Context, chatID int64) {
	if t.cfg.Pulse == nil {
		t.reply(chatID, "pulse generator not available")
		return
	}
	snap, path, err := t.cfg.Pulse.Generate(ctx, "telegram")
	if err != nil {
		t.reply(chatID, fmt.Sprintf("pulse failed: %v", err))
		return
	}
	t.reply(chatID, fmt.Sprintf("bridge pulse written: %s\ntes mean %.2f, sgii %.2f",
		path, snap.Window.Mean, snap.SGII))
}

// handleSafe flips the live autonomy mode. Entering safe mode is always
// allowed; leaving it only restores the configured boot mode, never more.
func (t *TelegramChannel) handleSafe(chatID int64, arg string) {
	subject := fmt.Sprintf("telegram:%d", chatID)
	switch arg {
	case "on":
		t.cfg.Gates.SetMode(autonomy.ModeSafe)
		audit.Record("allow", "mode.set", "safe_mode_engaged", t.cfg.Gates.Version(), subject)
		t.logger.Warn("safe mode engaged by operator", "chat_id", chatID)
		t.reply(chatID, "safe mode engaged; all capabilities refused")
	case "off":
		if t.cfg.ResumeMode == autonomy.ModeSafe {
			audit.Record("deny", "mode.set", "boot_mode_is_safe", t.cfg.Gates.Version(), subject)
			t.reply(chatID, "station is configured safe; edit station.yaml to leave safe mode")
			return
		}
		t.cfg.Gates.SetMode(t.cfg.ResumeMode)
		audit.Record("allow", "mode.set", "safe_mode_released", t.cfg.Gates.Version(), subject)
		t.logger.Info("safe mode released by operator", "chat_id", chatID, "mode", t.cfg.ResumeMode)
		t.reply(chatID, fmt.Sprintf("safe mode released; station running %s", t.cfg.ResumeMode))
	default:
		t.reply(chatID, "usage: /safe on|off")
	}
}

// watchEvents pushes station alerts: gate refusals, integrity findings,
// dead-lettered cycles, and pulse reports.
func (t *TelegramChannel) watchEvents(ctx context.Context) {
	refusals := t.cfg.Bus.Subscribe(bus.TopicSafetyRefusal)
	findings := t.cfg.Bus.Subscribe(bus.TopicIntegrityFinding)
	failures := t.cfg.Bus.Subscribe(bus.TopicCycleFailed)
	pulses := t.cfg.Bus.Subscribe(bus.TopicPulseGenerated)
	defer func() {
		t.cfg.Bus.Unsubscribe(refusals)
		t.cfg.Bus.Unsubscribe(findings)
		t.cfg.Bus.Unsubscribe(failures)
		t.cfg.Bus.Unsubscribe(pulses)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-refusals.Ch():
			if p, ok := ev.Payload.(bus.SafetyRefusalEvent); ok {
				t.notifyAll(fmt.Sprintf("gate refusal: %s (%s): %s", p.Capability, p.Subject, p.Reason))
			}
		case ev := <-findings.Ch():
			if p, ok := ev.Payload.(bus.IntegrityFindingEvent); ok {
				t.notifyAll(fmt.Sprintf("integrity %s: %s %s: %s", p.Severity, p.Kind, p.Artifact, p.Detail))
			}
		case ev := <-failures.Ch():
			p, ok := ev.Payload.(bus.CycleStateChangedEvent)
			if !ok || p.NewStatus != string(persistence.CycleStatusDeadLetter) {
				continue
			}
			t.notifyAll(fmt.Sprintf("cycle %s (%s, %s) parked in dead letter", p.CycleID, p.Kind, p.RosterID))
		case ev := <-pulses.Ch():
			if p, ok := ev.Payload.(bus.PulseGeneratedEvent); ok {
				t.notifyAll(fmt.Sprintf("bridge pulse #%d (%s): tes %.2f, sgii %.2f",
					p.PulseID, p.Source, p.AvgTES, p.SGII))
			}
		}
	}
}

// notifyAll fans an alert out to every allowlisted chat.
func (t *TelegramChannel) notifyAll(text string) {
	for id := range t.allowed {
		t.reply(id, text)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	clean, hits := t.scrub.Outbound(text)
	for _, h := range hits {
		t.logger.Warn("telegram text scrubbed", "chat_id", chatID, "kind", h.Kind)
	}
	msg := tgbotapi.NewMessage(chatID, clean)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram message", "error", err)
	}
}
