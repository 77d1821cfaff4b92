package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/skyfleet/fleetcore/internal/detection"
	"github.com/skyfleet/fleetcore/internal/dispatch"
	"github.com/skyfleet/fleetcore/internal/entity"
	"github.com/skyfleet/fleetcore/internal/eventbus"
	"github.com/skyfleet/fleetcore/internal/fleet"
	"github.com/skyfleet/fleetcore/internal/history"
	"github.com/skyfleet/fleetcore/internal/mission"
	"github.com/skyfleet/fleetcore/internal/telemetry"
	"github.com/skyfleet/fleetcore/internal/testutil"
)

type ackCommander struct{}

func (ackCommander) Send(context.Context, mission.Command) error { return nil }

func newTestServer(t *testing.T) (*Server, *http.Client) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)

	store := history.NewStore(db)
	bus := eventbus.NewBus(store)
	index := dispatch.NewIndex()
	registry := entity.NewRegistry(entity.Options{
		Bus:       bus,
		Store:     store,
		Index:     index,
		Commander: ackCommander{},
		Log:       slog.New(slog.DiscardHandler),
		DetectionProfile: detection.Profile{
			MinDuration:   30 * time.Second,
			MinDistanceM:  10,
			DisarmTimeout: 5 * time.Minute,
		},
		GraceWindow: time.Minute,
	})
	t.Cleanup(registry.Close)

	server := &Server{
		Registry:   registry,
		Bus:        bus,
		Dispatcher: dispatch.NewDispatcher(index),
		Store:      store,
		StartedAt:  time.Now(),
	}
	return server, testutil.NewInProcessClient(server.Handler())
}

func enrollAndConnect(t *testing.T, client *http.Client, id string, sensors ...string) {
	t.Helper()
	resp := doJSON(t, client, "POST", "/api/agents", map[string]any{
		"id":         id,
		"attributes": fleet.Attributes{Model: "mk2", Sensors: sensors},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enroll status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	resp = doJSON(t, client, "POST", "/api/agents/"+id+"/connectivity", map[string]any{"connected": true})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connectivity status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	resp = doJSON(t, client, "POST", "/api/telemetry", telemetry.Sample{
		AgentID:   id,
		Position:  telemetry.Position{Lat: 48.2, Lon: 16.36},
		HasFix:    true,
		Battery:   90,
		Timestamp: time.Now().UTC(),
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("telemetry status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	waitSnapshot(t, client, id, func(snap fleet.Snapshot) bool {
		return snap.State == fleet.StateOnlineIdle && snap.HasFix
	})
}

func waitSnapshot(t *testing.T, client *http.Client, id string, cond func(fleet.Snapshot) bool) fleet.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var snap fleet.Snapshot
	for time.Now().Before(deadline) {
		resp := doJSON(t, client, "GET", "/api/agents/"+id, nil)
		if resp.StatusCode == http.StatusOK {
			snap = fleet.Snapshot{}
			decodeJSONResponse(t, resp, &snap)
			if cond(snap) {
				return snap
			}
		} else {
			resp.Body.Close()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("snapshot condition never met, last: %+v", snap)
	return snap
}

func apiPlan() mission.Plan {
	return mission.Plan{
		ID:          "survey",
		Constraints: mission.Constraints{MinBatteryStart: 30},
		Geofence:    mission.Geofence{MaxAltitudeM: 120},
		Route: []mission.Step{
			{Type: mission.StepTakeoff, Alt: 40},
			{Type: mission.StepWaypoint, Position: telemetry.Position{Lat: 48.201, Lon: 16.361, Alt: 40}},
			{Type: mission.StepLand},
		},
	}
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	_, client := newTestServer(t)
	enrollAndConnect(t, client, "drone-1", "rgb")

	// Duplicate enrollment conflicts.
	resp := doJSON(t, client, "POST", "/api/agents", map[string]any{"id": "drone-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, client, "GET", "/api/agents", nil)
	var agents []fleet.Snapshot
	decodeJSONResponse(t, resp, &agents)
	if len(agents) != 1 || agents[0].ID != "drone-1" {
		t.Fatalf("unexpected agent list: %+v", agents)
	}

	resp = doJSON(t, client, "DELETE", "/api/agents/drone-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	resp = doJSON(t, client, "GET", "/api/agents/drone-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after decommission, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAssignOverHTTP(t *testing.T) {
	_, client := newTestServer(t)
	enrollAndConnect(t, client, "drone-1", "rgb")

	resp := doJSON(t, client, "POST", "/api/agents/drone-1/assign", apiPlan())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("assign status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var res entity.AssignResult
	decodeJSONResponse(t, resp, &res)
	if res.MissionID == "" {
		t.Fatal("expected a mission id")
	}

	waitSnapshot(t, client, "drone-1", func(snap fleet.Snapshot) bool {
		return snap.State == fleet.StateInMission
	})

	// A second assignment is refused while the first runs.
	resp = doJSON(t, client, "POST", "/api/agents/drone-1/assign", apiPlan())
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 busy, got %d body=%s", resp.StatusCode, readBody(t, resp))
	}

	resp = doJSON(t, client, "GET", "/api/missions/"+res.MissionID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mission status: %d", resp.StatusCode)
	}
	var exec mission.Execution
	decodeJSONResponse(t, resp, &exec)
	if exec.Phase != mission.PhaseExecuting {
		t.Fatalf("expected executing mission, got %s", exec.Phase)
	}

	resp = doJSON(t, client, "POST", "/api/agents/drone-1/emergency-stop", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("stop status: %d", resp.StatusCode)
	}
	waitSnapshot(t, client, "drone-1", func(snap fleet.Snapshot) bool {
		return snap.State == fleet.StateOnlineIdle && snap.ActiveMissionID == ""
	})

	resp = doJSON(t, client, "GET", "/api/agents/drone-1/missions", nil)
	var missions []mission.Execution
	decodeJSONResponse(t, resp, &missions)
	if len(missions) != 1 || missions[0].AbortReason != mission.ReasonEmergencyStop {
		t.Fatalf("unexpected mission list: %+v", missions)
	}
}

func TestAssignValidationErrorOverHTTP(t *testing.T) {
	_, client := newTestServer(t)
	enrollAndConnect(t, client, "drone-1")

	plan := apiPlan()
	plan.Constraints.MinBatteryStart = 95
	resp := doJSON(t, client, "POST", "/api/agents/drone-1/assign", plan)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", resp.StatusCode, readBody(t, resp))
	}
}

func TestDispatchOverHTTP(t *testing.T) {
	_, client := newTestServer(t)
	enrollAndConnect(t, client, "drone-1", "rgb")
	enrollAndConnect(t, client, "drone-2", "rgb", "lidar")

	resp := doJSON(t, client, "POST", "/api/dispatch", map[string]any{
		"required_sensors": []string{"lidar"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var snap fleet.Snapshot
	decodeJSONResponse(t, resp, &snap)
	if snap.ID != "drone-2" {
		t.Fatalf("expected drone-2, got %s", snap.ID)
	}

	resp = doJSON(t, client, "POST", "/api/dispatch", map[string]any{
		"required_sensors": []string{"thermal"},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for no candidate, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTelemetryForUnknownAgent(t *testing.T) {
	_, client := newTestServer(t)
	resp := doJSON(t, client, "POST", "/api/telemetry", telemetry.Sample{AgentID: "ghost"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func doJSON(t *testing.T, client *http.Client, method, path string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, "http://in-process"+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSONResponse(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}
