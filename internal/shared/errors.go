package shared

import "fmt"

// Sentinel errors crossing package boundaries. Callers match these with
// errors.Is and map them to exit codes or wire status.
var (
	// ErrQueueSaturated is returned when the cycle queue exceeds MaxQueueDepth.
	ErrQueueSaturated = fmt.Errorf("queue saturated: backpressure applied")

	// ErrSafeMode is returned when safe mode refuses a mutating capability.
	ErrSafeMode = fmt.Errorf("safe mode: capability refused")

	// ErrGateRefused is returned when the live gates deny a capability,
	// path, URL or tool for the current autonomy mode.
	ErrGateRefused = fmt.Errorf("gate refused")

	// ErrLeaseNotHeld is returned when an operation requires a live lease
	// and the lease is expired, revoked or missing.
	ErrLeaseNotHeld = fmt.Errorf("lease not held")

	// ErrIllegalTransition is returned when a lifecycle move (intent,
	// lease or cycle) is not permitted from the current state.
	ErrIllegalTransition = fmt.Errorf("illegal transition")

	// ErrNoQuorum is returned when an intent operation requires quorum
	// and the cosign count is short.
	ErrNoQuorum = fmt.Errorf("quorum not reached")
)
