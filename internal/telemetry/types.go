// Telemetry sample and position types shared by detection, missions, and dispatch.
package telemetry

import "time"

// Position holds latitude, longitude, and altitude (meters above launch).
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// Sample is one telemetry update for an agent. Partial updates are allowed:
// a heartbeat may carry armed state without a position fix, in which case
// HasFix is false and Position is meaningless.
type Sample struct {
	AgentID   string    `json:"agent_id"`
	Position  Position  `json:"position"`
	HasFix    bool      `json:"has_fix"`
	Battery   float64   `json:"battery"`
	Armed     bool      `json:"armed"`
	WindSpeed float64   `json:"wind_speed,omitempty"`
	Fault     string    `json:"fault,omitempty"`
	Timestamp time.Time `json:"ts"`
}
