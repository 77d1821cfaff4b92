package mission

import (
	"errors"
	"fmt"

	"github.com/skyfleet/fleetcore/internal/fleet"
)

// ErrValidation marks pre-flight validation failures.
var ErrValidation = errors.New("mission validation failed")

// ValidationError carries the first violated constraint.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mission validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func violation(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ValidateSafety evaluates a plan's constraints against an agent snapshot.
// Pure: no side effects, first violation wins.
func ValidateSafety(plan Plan, snap fleet.Snapshot) error {
	if err := plan.ValidateStructure(); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if snap.Battery < plan.Constraints.MinBatteryStart {
		return violation("battery %.0f%% below required %.0f%%", snap.Battery, plan.Constraints.MinBatteryStart)
	}
	if !snap.HasFix {
		return violation("no GPS fix")
	}
	if !snap.Attributes.HasSensors(plan.Constraints.RequiredSensors) {
		return violation("missing required sensors %v", plan.Constraints.RequiredSensors)
	}
	for i, wp := range plan.Waypoints() {
		if !plan.Geofence.Contains(wp) {
			return violation("waypoint %d outside geofence", i)
		}
	}
	if rp := plan.RallyPoint; rp != nil && !plan.Geofence.Contains(*rp) {
		return violation("rally point %.5f,%.5f outside geofence", rp.Lat, rp.Lon)
	}
	if max := plan.Geofence.MaxAltitudeM; max > 0 {
		for i, step := range plan.Route {
			if step.Type == StepTakeoff && step.Alt > max {
				return violation("takeoff altitude %.0fm exceeds ceiling %.0fm (step %d)", step.Alt, max, i)
			}
		}
	}
	return nil
}
