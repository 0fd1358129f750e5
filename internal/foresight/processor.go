package foresight

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/shared"
	"github.com/Narth/Calyx-sub001/internal/svf"
)

// DirectiveProcessor executes directive cycles: the member acknowledges
// the order and echoes it on the bridge channel. The echo is
// best-effort; a gate deny is the gate's decision and the directive
// still completes.
type DirectiveProcessor struct {
	voice   *svf.Service // nil disables the echo
	channel string
	logger  *slog.Logger
}

// NewDirectiveProcessor builds the processor shared by every member's
// worker mux.
func NewDirectiveProcessor(voice *svf.Service, channel string, logger *slog.Logger) *DirectiveProcessor {
	if channel == "" {
		channel = "bridge"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectiveProcessor{voice: voice, channel: channel, logger: logger}
}

func (p *DirectiveProcessor) Process(ctx context.Context, cycle persistence.Cycle) (string, error) {
	var payload DirectivePayload
	if err := json.Unmarshal([]byte(cycle.Payload), &payload); err != nil {
		return "", fmt.Errorf("decode directive payload: %w", err)
	}
	if payload.Directive == "" {
		return "", fmt.Errorf("directive cycle %s has no directive", cycle.ID)
	}

	ack := fmt.Sprintf("%s acknowledges %s/%s", cycle.RosterID, payload.PlanName, payload.StepID)
	if p.voice != nil {
		if _, err := p.voice.Send(ctx, p.channel, cycle.RosterID, ack, ""); err != nil {
			p.logger.Debug("directive echo skipped",
				"cycle_id", cycle.ID, "step", payload.StepID, "error", err)
		}
	}

	out, err := json.Marshal(map[string]any{
		"step_id":   payload.StepID,
		"roster_id": cycle.RosterID,
		"attempt":   payload.Attempt,
		"response":  ack,
		"run_id":    shared.RunID(ctx),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
