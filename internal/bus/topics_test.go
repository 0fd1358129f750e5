package bus

import (
	"testing"
	"time"
)

func TestTopics_Unique(t *testing.T) {
	topics := []string{
		TopicCycleStateChanged, TopicCycleCompleted, TopicCycleFailed, TopicCycleRetrying,
		TopicIntentProposed, TopicIntentApproved,
		TopicLeaseIssued, TopicLeaseReleased, TopicLeaseExpired,
		TopicSVFMessage, TopicPulseGenerated, TopicIntegrityFinding,
		TopicSafetyRefusal, TopicSafetyGovernor, TopicRosterChanged,
		TopicPlanStepStarted, TopicPlanStepCompleted, TopicPlanStepFailed,
		TopicApprovalRequested, TopicApprovalResponse,
	}
	seen := make(map[string]bool, len(topics))
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("empty topic constant")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}

func TestLeaseEvent_RoutesToLeasePrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("lease.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicLeaseIssued, LeaseEvent{
		LeaseID:  "L-20260825-a1b2c3",
		IntentID: "I-20260823-9f8e7d",
		Status:   "issued",
		Executor: "CP14",
	})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(LeaseEvent)
		if !ok {
			t.Fatalf("payload type %T, want LeaseEvent", ev.Payload)
		}
		if payload.LeaseID != "L-20260825-a1b2c3" || payload.Executor != "CP14" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for lease event")
	}
}

func TestGovernorEvent_CarriesThresholdDetail(t *testing.T) {
	ev := GovernorEvent{
		Paused:     true,
		Reason:     "rss_over_limit",
		RSSMB:      2048,
		Goroutines: 150,
		LoadAvg:    3.5,
	}
	if !ev.Paused || ev.Reason == "" {
		t.Fatalf("governor event must carry pause state and reason: %+v", ev)
	}
}
