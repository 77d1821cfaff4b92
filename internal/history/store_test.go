package history_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skyfleet/fleetcore/internal/detection"
	"github.com/skyfleet/fleetcore/internal/eventbus"
	"github.com/skyfleet/fleetcore/internal/fleet"
	"github.com/skyfleet/fleetcore/internal/history"
	"github.com/skyfleet/fleetcore/internal/mission"
	"github.com/skyfleet/fleetcore/internal/schema"
	"github.com/skyfleet/fleetcore/internal/telemetry"
	"github.com/skyfleet/fleetcore/internal/testutil"
)

func sampleEvent(agentID string, seq uint64) eventbus.Event {
	return eventbus.Event{
		ID:       "evt-" + agentID,
		Seq:      seq,
		AgentID:  agentID,
		Kind:     schema.KindTelemetry,
		Priority: schema.PriorityNormal,
		Telemetry: &telemetry.Sample{
			AgentID:   agentID,
			Battery:   80,
			Timestamp: time.Now().UTC(),
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestAppendAndLoadTail(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := history.NewStore(db)
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		if err := store.AppendEvent(sampleEvent("drone-1", seq)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tail, err := store.LoadTail(ctx, "drone-1", 2)
	if err != nil {
		t.Fatalf("load tail: %v", err)
	}
	if len(tail) != 3 {
		t.Fatalf("expected 3 events after seq 2, got %d", len(tail))
	}
	if tail[0].Seq != 3 || tail[2].Seq != 5 {
		t.Fatalf("tail out of order: %d..%d", tail[0].Seq, tail[2].Seq)
	}

	last, err := store.LastSeq(ctx, "drone-1")
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if last != 5 {
		t.Fatalf("expected last seq 5, got %d", last)
	}
}

func TestCheckpointPrunesCoveredEvents(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := history.NewStore(db)
	ctx := context.Background()

	for seq := uint64(1); seq <= 6; seq++ {
		if err := store.AppendEvent(sampleEvent("drone-1", seq)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	cp := history.Checkpoint{
		Seq: 4,
		Agent: fleet.Agent{
			ID:      "drone-1",
			State:   fleet.StateOnlineIdle,
			Battery: 80,
		},
		Detection: detection.NewState(),
	}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	tail, err := store.LoadTail(ctx, "drone-1", cp.Seq)
	if err != nil {
		t.Fatalf("load tail: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 tail events, got %d", len(tail))
	}

	// Covered events are gone even when loading from zero.
	all, err := store.LoadTail(ctx, "drone-1", 0)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected prune to remove covered events, got %d", len(all))
	}

	loaded, err := store.LoadCheckpoint(ctx, "drone-1")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if loaded.Seq != 4 || loaded.Agent.State != fleet.StateOnlineIdle {
		t.Fatalf("checkpoint round trip mismatch: %+v", loaded)
	}

	// LastSeq survives pruning via the checkpoint row.
	if err := store.SaveCheckpoint(ctx, history.Checkpoint{Seq: 6, Agent: cp.Agent, Detection: cp.Detection}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	last, err := store.LastSeq(ctx, "drone-1")
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if last != 6 {
		t.Fatalf("expected last seq 6 from checkpoint, got %d", last)
	}
}

func TestLoadCheckpointMissing(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := history.NewStore(db)

	_, err := store.LoadCheckpoint(context.Background(), "ghost")
	if !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMissionRecords(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := history.NewStore(db)
	ctx := context.Background()

	exec := mission.Execution{
		MissionID: "mission-drone-1-abc",
		AgentID:   "drone-1",
		Phase:     mission.PhaseExecuting,
		StartTime: time.Now().UTC(),
	}
	if err := store.SaveMission(ctx, exec); err != nil {
		t.Fatalf("save mission: %v", err)
	}

	exec.Phase = mission.PhaseCompleted
	if err := store.SaveMission(ctx, exec); err != nil {
		t.Fatalf("update mission: %v", err)
	}

	got, err := store.GetMission(ctx, exec.MissionID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if got.Phase != mission.PhaseCompleted {
		t.Fatalf("expected completed phase, got %s", got.Phase)
	}

	list, err := store.ListMissions(ctx, "drone-1", 10)
	if err != nil {
		t.Fatalf("list missions: %v", err)
	}
	if len(list) != 1 || list[0].MissionID != exec.MissionID {
		t.Fatalf("unexpected mission list: %+v", list)
	}

	if _, err := store.GetMission(ctx, "nope"); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAgent(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := history.NewStore(db)
	ctx := context.Background()

	if err := store.AppendEvent(sampleEvent("drone-1", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	cp := history.Checkpoint{Seq: 1, Agent: fleet.Agent{ID: "drone-1"}, Detection: detection.NewState()}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	if err := store.DeleteAgent(ctx, "drone-1"); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	if _, err := store.LoadCheckpoint(ctx, "drone-1"); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("expected checkpoint gone, got %v", err)
	}
	agents, err := store.CheckpointedAgents(ctx)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 0 {
		t.Fatalf("expected no checkpointed agents, got %v", agents)
	}
}
