package eventbus

import (
	"time"

	"github.com/skyfleet/fleetcore/internal/mission"
	"github.com/skyfleet/fleetcore/internal/schema"
	"github.com/skyfleet/fleetcore/internal/telemetry"
)

// Event is the tagged union delivered to entity actors. Exactly one of
// Telemetry, Connectivity, Signal is non-nil, matching Kind. Seq is the
// per-agent logical timestamp assigned at publish; it orders the agent's
// stream and anchors history compaction.
type Event struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	AgentID   string          `json:"agent_id"`
	Kind      schema.Kind     `json:"kind"`
	Priority  schema.Priority `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`

	Telemetry    *telemetry.Sample   `json:"telemetry,omitempty"`
	Connectivity *ConnectivityChange `json:"connectivity,omitempty"`
	Signal       *OperatorSignal     `json:"signal,omitempty"`
}

// ConnectivityChange reports a transport-level link change for an agent.
type ConnectivityChange struct {
	Connected bool `json:"connected"`
}

// OperatorSignal carries operator commands and internal timer signals.
// Name is one of the schema.Signal* constants.
type OperatorSignal struct {
	Name     string        `json:"name"`
	Plan     *mission.Plan `json:"plan,omitempty"`
	DraftID  string        `json:"draft_id,omitempty"`
	Feedback string        `json:"feedback,omitempty"`

	// MissionID guards grace_expired timers against firing for a mission
	// that already ended or resumed.
	MissionID string `json:"mission_id,omitempty"`
}

// Recorder durably appends events before they become visible to consumers.
// Implemented by the history store; nil disables durability (tests).
type Recorder interface {
	AppendEvent(evt Event) error
}
