package bus

// Additional plan step event topics, published by the foresight
// orchestrator (TopicPlanStepStarted is defined in bus.go).
const (
	TopicPlanStepCompleted = "plan.step.completed"
	TopicPlanStepFailed    = "plan.step.failed"
)

// Operator approval event topics. Supervised-mode lease execution can park a
// step until an operator answers over the gateway or telegram.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResponse  = "approval.response"
)

// ApprovalRequest is published when a step requires operator approval.
type ApprovalRequest struct {
	RequestID   string // Unique request ID for matching response
	ExecutionID string // Plan execution ID
	StepID      string // Step ID requiring approval
	Directive   string // Step directive that requires approval
	TimeoutMS   int    // Timeout in milliseconds for approval
}

// ApprovalResponse is published when an operator approves or rejects a step.
type ApprovalResponse struct {
	RequestID string // Matches the corresponding request ID
	Action    string // "approve" or "reject"
	Reason    string // Optional reason for action
}

// GovernorEvent is published when the resource governor pauses or resumes
// cycle claiming.
type GovernorEvent struct {
	Paused     bool
	Reason     string // which threshold tripped
	RSSMB      int
	Goroutines int
	LoadAvg    float64
}
