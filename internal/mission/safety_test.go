package mission

import (
	"errors"
	"strings"
	"testing"

	"github.com/skyfleet/fleetcore/internal/fleet"
	"github.com/skyfleet/fleetcore/internal/telemetry"
)

func testPlan() Plan {
	return Plan{
		Constraints: Constraints{MinBatteryStart: 30, RequiredSensors: []string{"rgb"}},
		Geofence: Geofence{
			Polygon: []telemetry.Position{
				{Lat: -35.37, Lon: 149.16},
				{Lat: -35.37, Lon: 149.17},
				{Lat: -35.35, Lon: 149.17},
				{Lat: -35.35, Lon: 149.16},
			},
			MaxAltitudeM: 120,
		},
		Route: []Step{
			{Type: StepTakeoff, Alt: 20},
			{Type: StepWaypoint, Position: telemetry.Position{Lat: -35.363, Lon: 149.165, Alt: 40}},
			{Type: StepLand},
		},
	}
}

func testSnapshot() fleet.Snapshot {
	return fleet.Snapshot{
		ID:         "hawk-1",
		State:      fleet.StateOnlineIdle,
		Attributes: fleet.Attributes{Sensors: []string{"rgb", "lidar"}},
		Battery:    80,
		HasFix:     true,
		Connected:  true,
		Position:   telemetry.Position{Lat: -35.363, Lon: 149.165},
	}
}

func TestValidateSafetyPasses(t *testing.T) {
	if err := ValidateSafety(testPlan(), testSnapshot()); err != nil {
		t.Fatalf("expected valid plan, got %v", err)
	}
}

func TestValidateSafetyBattery(t *testing.T) {
	snap := testSnapshot()
	snap.Battery = 20
	err := ValidateSafety(testPlan(), snap)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) || !strings.Contains(verr.Reason, "battery") {
		t.Fatalf("expected battery reason, got %v", err)
	}
}

func TestValidateSafetyNoFix(t *testing.T) {
	snap := testSnapshot()
	snap.HasFix = false
	if err := ValidateSafety(testPlan(), snap); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateSafetyMissingSensor(t *testing.T) {
	plan := testPlan()
	plan.Constraints.RequiredSensors = []string{"thermal"}
	if err := ValidateSafety(plan, testSnapshot()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateSafetyWaypointOutsideFence(t *testing.T) {
	plan := testPlan()
	plan.Route[1].Position = telemetry.Position{Lat: -35.30, Lon: 149.165, Alt: 40}
	err := ValidateSafety(plan, testSnapshot())
	var verr *ValidationError
	if !errors.As(err, &verr) || !strings.Contains(verr.Reason, "geofence") {
		t.Fatalf("expected geofence reason, got %v", err)
	}
}

func TestValidateSafetyRallyPointOutsideFence(t *testing.T) {
	plan := testPlan()
	plan.RallyPoint = &telemetry.Position{Lat: -35.30, Lon: 149.165}
	err := ValidateSafety(plan, testSnapshot())
	var verr *ValidationError
	if !errors.As(err, &verr) || !strings.Contains(verr.Reason, "rally point") {
		t.Fatalf("expected rally point reason, got %v", err)
	}
}

func TestValidateSafetyTakeoffAboveCeiling(t *testing.T) {
	plan := testPlan()
	plan.Route[0].Alt = 150
	if err := ValidateSafety(plan, testSnapshot()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateStructure(t *testing.T) {
	plan := testPlan()
	plan.Route = nil
	if err := plan.ValidateStructure(); err == nil {
		t.Fatalf("expected empty route rejection")
	}

	plan = testPlan()
	plan.Route[0] = Step{Type: StepWaypoint, Position: telemetry.Position{Lat: 1, Lon: 1}}
	if err := plan.ValidateStructure(); err == nil {
		t.Fatalf("expected takeoff-first rejection")
	}

	plan = testPlan()
	plan.Route = append(plan.Route[:2], Step{Type: "hover"}, Step{Type: StepLand})
	if err := plan.ValidateStructure(); err == nil {
		t.Fatalf("expected unknown step rejection")
	}
}

func TestGeofenceContains(t *testing.T) {
	fence := testPlan().Geofence
	inside := telemetry.Position{Lat: -35.36, Lon: 149.165, Alt: 50}
	if !fence.Contains(inside) {
		t.Fatalf("expected position inside fence")
	}
	tooHigh := inside
	tooHigh.Alt = 130
	if fence.Contains(tooHigh) {
		t.Fatalf("expected altitude breach")
	}
	outside := telemetry.Position{Lat: -35.40, Lon: 149.165, Alt: 50}
	if fence.Contains(outside) {
		t.Fatalf("expected position outside fence")
	}
}
