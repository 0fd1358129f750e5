package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Cycle event topics.
const (
	TopicCycleStateChanged = "cycle.state_changed"
	TopicCycleCompleted    = "cycle.completed"
	TopicCycleFailed       = "cycle.failed"
	TopicCycleRetrying     = "cycle.retrying"
)

// Governance event topics.
const (
	TopicIntentProposed = "intent.proposed"
	TopicIntentApproved = "intent.approved"
	TopicLeaseIssued    = "lease.issued"
	TopicLeaseReleased  = "lease.released"
	TopicLeaseExpired   = "lease.expired"
)

// Station event topics.
const (
	TopicSVFMessage       = "svf.message"
	TopicPulseGenerated   = "pulse.generated"
	TopicIntegrityFinding = "integrity.finding"
	TopicSafetyRefusal    = "safety.refusal"
	TopicSafetyGovernor   = "safety.governor"
	TopicRosterChanged    = "roster.changed"
)

// Plan event topics.
const (
	TopicPlanStepStarted = "plan.step_started"
	TopicPlanStepRetry   = "plan.step_retry"
	TopicPlanCompleted   = "plan.completed"
)

// CycleStateChangedEvent is published when a cycle's state changes.
type CycleStateChangedEvent struct {
	CycleID   string
	RosterID  string
	Kind      string
	OldStatus string // Previous status (e.g. QUEUED)
	NewStatus string // New status (e.g. RUNNING)
}

// LeaseEvent is published on lease issuance, release, and expiry.
type LeaseEvent struct {
	LeaseID  string
	IntentID string
	Status   string
	Executor string
}

// SVFMessageEvent is published when a message lands on an SVF channel.
type SVFMessageEvent struct {
	Channel  string
	Seq      int64
	From     string
	Priority string
}

// PulseGeneratedEvent is published after a bridge pulse report lands.
type PulseGeneratedEvent struct {
	PulseID    int64
	ReportPath string
	SGII       float64
	AvgTES     float64
	Source     string
}

// SafetyRefusalEvent is published when a gate check refuses an action.
type SafetyRefusalEvent struct {
	Capability string
	Subject    string
	Reason     string
}

// IntegrityFindingEvent is published per finding during an audit run.
type IntegrityFindingEvent struct {
	Kind       string
	Severity   string
	Artifact   string
	Detail     string
	ReportPath string
}

// PlanStepEvent is published when a plan step is dispatched or retried.
type PlanStepEvent struct {
	ExecutionID string
	PlanName    string
	StepID      string
	CycleID     string
	RosterID    string
	Attempt     int
}

// PlanCompletedEvent is published when a plan finishes, either way.
type PlanCompletedEvent struct {
	ExecutionID string
	PlanName    string
	Status      string // succeeded or failed
	Steps       int
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
