// Package fleet holds the agent data model shared by the entity actors,
// the dispatch index, and the durable history store.
package fleet

import (
	"time"

	"github.com/skyfleet/fleetcore/internal/telemetry"
)

// LifecycleState is the canonical per-agent state owned by its entity actor.
type LifecycleState string

const (
	StateOffline     LifecycleState = "offline"
	StateOnlineIdle  LifecycleState = "online_idle"
	StateOnlineArmed LifecycleState = "online_armed"
	StateInMission   LifecycleState = "in_mission"
	StateError       LifecycleState = "error"
)

// Attributes is the immutable capability set fixed at enrollment.
type Attributes struct {
	Model       string   `json:"model,omitempty" yaml:"model"`
	Sensors     []string `json:"sensors,omitempty" yaml:"sensors"`
	MaxRangeKM  float64  `json:"max_range_km,omitempty" yaml:"max_range_km"`
	PayloadKG   float64  `json:"payload_kg,omitempty" yaml:"payload_kg"`
	ServiceArea string   `json:"service_area,omitempty" yaml:"service_area"`
}

// HasSensors reports whether every required sensor is present.
func (a Attributes) HasSensors(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range a.Sensors {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Agent is the mutable per-vehicle record. It is written only by the
// agent's entity actor; everything else sees Snapshot copies.
type Agent struct {
	ID              string             `json:"id"`
	State           LifecycleState     `json:"state"`
	Attributes      Attributes         `json:"attributes"`
	Position        telemetry.Position `json:"position"`
	HasFix          bool               `json:"has_fix"`
	Battery         float64            `json:"battery"`
	Connected       bool               `json:"connected"`
	ActiveMissionID string             `json:"active_mission_id,omitempty"`
	Fault           string             `json:"fault,omitempty"`
	EnrolledAt      time.Time          `json:"enrolled_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Snapshot is an immutable point-in-time copy of an Agent, safe to share
// across goroutines.
type Snapshot struct {
	ID              string             `json:"id"`
	State           LifecycleState     `json:"state"`
	Attributes      Attributes         `json:"attributes"`
	Position        telemetry.Position `json:"position"`
	HasFix          bool               `json:"has_fix"`
	Battery         float64            `json:"battery"`
	Connected       bool               `json:"connected"`
	ActiveMissionID string             `json:"active_mission_id,omitempty"`
	Fault           string             `json:"fault,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Snapshot returns a defensive copy of the agent's current state.
func (a Agent) Snapshot() Snapshot {
	attrs := a.Attributes
	attrs.Sensors = append([]string(nil), a.Attributes.Sensors...)
	return Snapshot{
		ID:              a.ID,
		State:           a.State,
		Attributes:      attrs,
		Position:        a.Position,
		HasFix:          a.HasFix,
		Battery:         a.Battery,
		Connected:       a.Connected,
		ActiveMissionID: a.ActiveMissionID,
		Fault:           a.Fault,
		UpdatedAt:       a.UpdatedAt,
	}
}

// CanTransition reports whether a lifecycle transition is legal.
// Disconnects and hardware faults are reachable from every state.
func CanTransition(from, to LifecycleState) bool {
	if from == to {
		return true
	}
	if to == StateOffline || to == StateError {
		return true
	}
	switch from {
	case StateOffline:
		return to == StateOnlineIdle
	case StateOnlineIdle:
		return to == StateOnlineArmed
	case StateOnlineArmed:
		return to == StateOnlineIdle || to == StateInMission
	case StateInMission:
		return to == StateOnlineIdle
	case StateError:
		return to == StateOnlineIdle
	default:
		return false
	}
}
