package schema

import "strings"

// Kind discriminates the event union. Exactly one payload field of an
// eventbus.Event is set for each kind.
type Kind string

const (
	KindTelemetry    Kind = "telemetry"
	KindConnectivity Kind = "connectivity"
	KindSignal       Kind = "signal"
)

// Signal names carried by KindSignal events.
const (
	SignalAssign        = "assign"
	SignalApprove       = "approve"
	SignalReject        = "reject"
	SignalEmergencyStop = "emergency_stop"
	SignalClearError    = "clear_error"

	// SignalGraceExpired is published internally when the reconnection
	// grace window of a suspended mission runs out. It is never accepted
	// from the API.
	SignalGraceExpired = "grace_expired"
)

// SignalPriority returns the delivery priority for a named operator signal.
// Emergency stops overtake everything else queued for the agent.
func SignalPriority(name string) Priority {
	if strings.EqualFold(strings.TrimSpace(name), SignalEmergencyStop) {
		return PriorityInterrupt
	}
	return PriorityNormal
}
