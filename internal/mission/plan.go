// Package mission holds the mission plan model, pre-flight safety
// validation, and the per-mission state machine. A plan is an immutable
// externally-produced document; the execution record is owned exclusively
// by one Machine for its lifetime.
package mission

import (
	"fmt"
	"time"

	"github.com/skyfleet/fleetcore/internal/telemetry"
)

// StepType discriminates route steps.
type StepType string

const (
	StepTakeoff  StepType = "takeoff"
	StepWaypoint StepType = "waypoint"
	StepAction   StepType = "action"
	StepLand     StepType = "land"
)

// Step is one element of a mission route. Waypoint and land steps carry a
// position; takeoff carries a target altitude; action steps carry an opaque
// action name for the vehicle (e.g. "capture_image").
type Step struct {
	Type     StepType           `json:"type" yaml:"type"`
	Position telemetry.Position `json:"position,omitzero" yaml:"position"`
	Alt      float64            `json:"alt,omitempty" yaml:"alt"`
	Action   string             `json:"action,omitempty" yaml:"action"`
	HoldSec  float64            `json:"hold_sec,omitempty" yaml:"hold_sec"`
}

// Constraints bound a mission before and during flight.
type Constraints struct {
	MinBatteryStart float64       `json:"min_battery_start" yaml:"min_battery_start"`
	MinBatteryAbort float64       `json:"min_battery_abort,omitempty" yaml:"min_battery_abort"`
	MaxWindSpeed    float64       `json:"max_wind_speed,omitempty" yaml:"max_wind_speed"`
	MaxDuration     time.Duration `json:"max_duration,omitempty" yaml:"max_duration"`
	RequiredSensors []string      `json:"required_sensors,omitempty" yaml:"required_sensors"`
}

// Geofence is a horizontal polygon plus an altitude ceiling. BreachAction
// names the directive issued on violation; only "rtl" is supported.
type Geofence struct {
	Polygon      []telemetry.Position `json:"polygon,omitempty" yaml:"polygon"`
	MaxAltitudeM float64              `json:"max_altitude_m,omitempty" yaml:"max_altitude_m"`
	BreachAction string               `json:"breach_action,omitempty" yaml:"breach_action"`
}

// Contains reports whether the position is inside the fence. An empty
// polygon only constrains altitude; a zero MaxAltitudeM does not constrain
// altitude.
func (g Geofence) Contains(p telemetry.Position) bool {
	if g.MaxAltitudeM > 0 && p.Alt > g.MaxAltitudeM {
		return false
	}
	if len(g.Polygon) < 3 {
		return true
	}
	return pointInPolygon(p, g.Polygon)
}

// pointInPolygon is a standard ray cast over lat/lon vertices.
func pointInPolygon(p telemetry.Position, poly []telemetry.Position) bool {
	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Lon > p.Lon) != (pj.Lon > p.Lon) &&
			p.Lat < (pj.Lat-pi.Lat)*(p.Lon-pi.Lon)/(pj.Lon-pi.Lon)+pi.Lat {
			inside = !inside
		}
		j = i
	}
	return inside
}

// Plan is the immutable mission input document.
type Plan struct {
	ID              string              `json:"id,omitempty" yaml:"id"`
	Constraints     Constraints         `json:"constraints" yaml:"constraints"`
	Geofence        Geofence            `json:"geofence" yaml:"geofence"`
	Route           []Step              `json:"route" yaml:"route"`
	RallyPoint      *telemetry.Position `json:"rally_point,omitempty" yaml:"rally_point"`
	RequireApproval bool                `json:"require_approval,omitempty" yaml:"require_approval"`
}

// ValidateStructure checks the plan document itself, independent of any
// agent state. Plans are authored externally and must be rejected before a
// draft is ever created from malformed input.
func (p Plan) ValidateStructure() error {
	if len(p.Route) == 0 {
		return fmt.Errorf("route is empty")
	}
	if p.Route[0].Type != StepTakeoff {
		return fmt.Errorf("route must begin with a takeoff step")
	}
	if last := p.Route[len(p.Route)-1].Type; last != StepLand {
		return fmt.Errorf("route must end with a land step")
	}
	for i, step := range p.Route {
		switch step.Type {
		case StepTakeoff:
			if step.Alt <= 0 {
				return fmt.Errorf("step %d: takeoff requires a positive altitude", i)
			}
		case StepWaypoint:
			if step.Position.Lat == 0 && step.Position.Lon == 0 {
				return fmt.Errorf("step %d: waypoint requires a position", i)
			}
		case StepAction:
			if step.Action == "" {
				return fmt.Errorf("step %d: action step requires an action name", i)
			}
		case StepLand:
			// Position optional: land in place when absent.
		default:
			return fmt.Errorf("step %d: unknown step type %q", i, step.Type)
		}
	}
	if p.Geofence.BreachAction != "" && p.Geofence.BreachAction != "rtl" {
		return fmt.Errorf("unsupported breach action %q", p.Geofence.BreachAction)
	}
	return nil
}

// Waypoints returns the positions of all positioned route steps.
func (p Plan) Waypoints() []telemetry.Position {
	var out []telemetry.Position
	for _, step := range p.Route {
		if step.Type == StepWaypoint || (step.Type == StepLand && (step.Position.Lat != 0 || step.Position.Lon != 0)) {
			out = append(out, step.Position)
		}
	}
	return out
}
