// Package intent fronts the intent ledger. Submissions are validated
// against a JSON Schema before anything is written; the lifecycle verbs
// wrap the store's transition checks and announce milestones on the bus.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/shared"
)

// submissionSchema guards Create. The store re-checks roster IDs and
// priority bounds; the schema exists so gateway and console callers get
// a field-level refusal before any ledger write.
const submissionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["title", "requested_by"],
	"additionalProperties": false,
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 200},
		"body": {"type": "string", "maxLength": 8000},
		"requested_by": {"type": "string", "pattern": "^(CP([6-9]|1[0-9]|20)|CBO)$"},
		"priority": {"type": "integer", "minimum": 0, "maximum": 9},
		"quorum": {"type": "integer", "minimum": 1, "maximum": 16}
	}
}`

// Submission is the shape callers hand to Create.
type Submission struct {
	Title       string `json:"title"`
	Body        string `json:"body,omitempty"`
	RequestedBy string `json:"requested_by"`
	Priority    int    `json:"priority"`
	Quorum      int    `json:"quorum"`
}

// ValidationError describes a submission that failed schema validation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Service owns intent submission and lifecycle.
type Service struct {
	store         *persistence.Store
	bus           *bus.Bus
	schema        *jsonschema.Schema
	defaultQuorum int
	logger        *slog.Logger
}

// NewService compiles the submission schema and wires the service to the
// store. defaultQuorum fills submissions that leave quorum unset.
func NewService(store *persistence.Store, b *bus.Bus, defaultQuorum int, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultQuorum < 1 {
		defaultQuorum = 2
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires for the integer bounds above.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(submissionSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal submission schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("intent-submission.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("intent-submission.json")
	if err != nil {
		return nil, fmt.Errorf("compile submission schema: %w", err)
	}
	return &Service{
		store:         store,
		bus:           b,
		schema:        schema,
		defaultQuorum: defaultQuorum,
		logger:        logger,
	}, nil
}

// Create validates a submission, writes the draft and immediately
// proposes it so it can start gathering cosigns. An unset requester
// means the overseer filed it from the console.
func (s *Service) Create(ctx context.Context, sub Submission) (*persistence.Intent, error) {
	sub.Title = strings.TrimSpace(sub.Title)
	sub.RequestedBy = strings.TrimSpace(sub.RequestedBy)
	if sub.RequestedBy == "" {
		sub.RequestedBy = shared.OverseerID
	}
	if sub.Quorum < 1 {
		sub.Quorum = s.defaultQuorum
	}
	if err := s.validate(sub); err != nil {
		return nil, err
	}

	intentID, err := s.store.CreateIntent(ctx, sub.Title, sub.Body, sub.RequestedBy, sub.Priority, sub.Quorum)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateIntentStatus(ctx, intentID, persistence.IntentStatusProposed, ""); err != nil {
		return nil, fmt.Errorf("propose intent %s: %w", intentID, err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicIntentProposed, map[string]any{
			"intent_id":    intentID,
			"requested_by": sub.RequestedBy,
			"priority":     sub.Priority,
			"quorum":       sub.Quorum,
		})
	}
	s.logger.Info("intent proposed",
		"intent_id", intentID,
		"requested_by", sub.RequestedBy,
		"priority", sub.Priority,
		"quorum", sub.Quorum)
	return s.store.GetIntent(ctx, intentID)
}

func (s *Service) validate(sub Submission) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode submission: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

// Approve records a cosignature. The store refuses self-cosigns and
// flips the intent to approved when the signature count reaches quorum;
// the approval event rides the bus from inside that transaction's
// commit path, so the service only narrates.
func (s *Service) Approve(ctx context.Context, intentID, cosigner string) (approved bool, signatures int, err error) {
	approved, signatures, err = s.store.CosignIntent(ctx, intentID, cosigner)
	if err != nil {
		return false, 0, err
	}
	if approved {
		s.logger.Info("intent approved", "intent_id", intentID, "signatures", signatures)
	} else {
		s.logger.Info("intent cosigned",
			"intent_id", intentID, "cosigner", cosigner, "signatures", signatures)
	}
	return approved, signatures, nil
}

// Reject closes a proposed intent with a reason on the paper trail.
func (s *Service) Reject(ctx context.Context, intentID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "rejected by operator"
	}
	if err := s.store.UpdateIntentStatus(ctx, intentID, persistence.IntentStatusRejected, reason); err != nil {
		return err
	}
	s.logger.Info("intent rejected", "intent_id", intentID, "reason", reason)
	return nil
}

// Abandon retires an intent from any pre-execution state.
func (s *Service) Abandon(ctx context.Context, intentID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "abandoned"
	}
	if err := s.store.UpdateIntentStatus(ctx, intentID, persistence.IntentStatusAbandoned, reason); err != nil {
		return err
	}
	s.logger.Info("intent abandoned", "intent_id", intentID, "reason", reason)
	return nil
}

// Get returns one intent with its cosigners, or nil when absent.
func (s *Service) Get(ctx context.Context, intentID string) (*persistence.Intent, error) {
	return s.store.GetIntent(ctx, intentID)
}

// List returns intents newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, statusFilter string, limit int) ([]persistence.Intent, error) {
	return s.store.ListIntents(ctx, statusFilter, limit)
}
