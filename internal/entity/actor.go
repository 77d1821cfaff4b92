// Package entity runs one goroutine per enrolled agent. The actor owns
// every piece of the agent's mutable state and is its single writer:
// events arrive one at a time from the agent's bus queue, mutate the
// lifecycle machine, the detection state, and the active mission, and the
// resulting snapshot is published to the dispatch index after each commit.
package entity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skyfleet/fleetcore/internal/archive"
	"github.com/skyfleet/fleetcore/internal/detection"
	"github.com/skyfleet/fleetcore/internal/dispatch"
	"github.com/skyfleet/fleetcore/internal/eventbus"
	"github.com/skyfleet/fleetcore/internal/fleet"
	"github.com/skyfleet/fleetcore/internal/history"
	"github.com/skyfleet/fleetcore/internal/idgen"
	"github.com/skyfleet/fleetcore/internal/mission"
	"github.com/skyfleet/fleetcore/internal/schema"
	"github.com/skyfleet/fleetcore/internal/telemetry"
)

const defaultCheckpointEvery = 32

type assignReply struct {
	res AssignResult
	err error
}

// Actor is the serialized owner of one agent.
type Actor struct {
	agent *fleet.Agent
	queue *eventbus.Queue

	bus       *eventbus.Bus
	store     *history.Store
	compactor *history.Compactor
	index     *dispatch.Index
	archiver  archive.Writer
	commander mission.Commander
	log       *slog.Logger

	engine   detection.Engine
	detState detection.State

	mm *mission.Machine

	pendingPlan      *mission.Plan
	pendingDraftID   string
	pendingMissionID string

	graceWindow     time.Duration
	graceTimer      *time.Timer
	checkpointEvery int

	// lastSeq is the highest contiguously applied sequence: every event
	// at or below it has been folded into the actor's state. Interrupts
	// jump the queue, so their seqs park in ahead until the gap closes.
	lastSeq         uint64
	ahead           map[uint64]struct{}
	sinceCheckpoint int
	dirty           bool
	replaying       bool

	snap atomic.Pointer[fleet.Snapshot]

	replyMu sync.Mutex
	replies map[string]chan assignReply

	cancel context.CancelFunc
	done   chan struct{}
}

// Query returns the latest committed snapshot. Lock-free; safe from any
// goroutine.
func (a *Actor) Query() fleet.Snapshot {
	return *a.snap.Load()
}

// Run consumes the agent's queue until ctx is done. One event at a time;
// never concurrent with itself.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)
	for {
		evt, err := a.queue.Next(ctx)
		if err != nil {
			return
		}
		a.handle(ctx, evt)
		a.commit(evt.Seq)
	}
}

// AssignMission publishes an assignment signal for this agent and waits
// for the actor's decision. The signal is durably recorded before the
// actor sees it, so a crash mid-assignment replays to the same outcome;
// only the in-memory reply is lost.
func (a *Actor) AssignMission(ctx context.Context, plan mission.Plan) (AssignResult, error) {
	draftID := idgen.New()
	ch := make(chan assignReply, 1)
	a.replyMu.Lock()
	a.replies[draftID] = ch
	a.replyMu.Unlock()
	defer func() {
		a.replyMu.Lock()
		delete(a.replies, draftID)
		a.replyMu.Unlock()
	}()

	_, err := a.bus.Publish(ctx, eventbus.Event{
		AgentID: a.agent.ID,
		Kind:    schema.KindSignal,
		Signal:  &eventbus.OperatorSignal{Name: schema.SignalAssign, Plan: &plan, DraftID: draftID},
	})
	if err != nil {
		return AssignResult{}, err
	}

	select {
	case <-ctx.Done():
		return AssignResult{}, ctx.Err()
	case r := <-ch:
		return r.res, r.err
	}
}

func (a *Actor) reply(draftID string, res AssignResult, err error) {
	if draftID == "" {
		return
	}
	a.replyMu.Lock()
	ch, ok := a.replies[draftID]
	a.replyMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- assignReply{res: res, err: err}:
	default:
	}
}

func (a *Actor) handle(ctx context.Context, evt eventbus.Event) {
	switch evt.Kind {
	case schema.KindTelemetry:
		a.handleTelemetry(ctx, *evt.Telemetry)
	case schema.KindConnectivity:
		a.handleConnectivity(ctx, evt.Connectivity.Connected, evt.CreatedAt)
	case schema.KindSignal:
		a.handleSignal(ctx, *evt.Signal)
	}
}

func (a *Actor) handleTelemetry(ctx context.Context, sample telemetry.Sample) {
	ag := a.agent

	// A flowing telemetry link counts as connected.
	if !ag.Connected {
		ag.Connected = true
		a.cancelGrace()
		if a.mm != nil && a.mm.Exec.Suspended && !a.mm.Terminal() {
			a.mm.Resume()
			a.toState(fleet.StateInMission)
			a.saveMission(ctx, a.mm.Exec)
		} else if ag.State == fleet.StateOffline {
			a.toState(fleet.StateOnlineIdle)
		}
	}

	if sample.HasFix {
		ag.Position = sample.Position
	}
	ag.HasFix = sample.HasFix
	if sample.Battery > 0 {
		ag.Battery = sample.Battery
	}
	ag.UpdatedAt = sample.Timestamp

	if sample.Fault != "" && ag.State != fleet.StateError {
		a.log.Warn("hardware fault reported", "agent", ag.ID, "fault", sample.Fault)
		if a.mm != nil && !a.mm.Terminal() {
			a.mm.Abort(mission.ReasonConstraintBreach, "hardware fault: "+sample.Fault)
			a.finishMission(ctx)
		}
		ag.Fault = sample.Fault
		a.toState(fleet.StateError)
		return
	}
	if ag.State == fleet.StateError {
		// Faulted agents ignore telemetry until the fault is cleared.
		return
	}

	if sample.Armed && ag.State == fleet.StateOnlineIdle {
		a.toState(fleet.StateOnlineArmed)
	}

	next, verdict := a.engine.Evaluate(a.detState, sample)
	a.detState = next

	switch verdict {
	case detection.ConfirmSessionStart:
		if a.mm == nil || a.mm.Terminal() {
			missionID := idgen.MissionID(ag.ID)
			a.mm = mission.NewDetected(missionID, ag.ID, sample.Timestamp, a.commander, a.log)
			a.log.Info("session detected without assignment", "agent", ag.ID, "mission", missionID)
		}
		ag.ActiveMissionID = a.mm.Exec.MissionID
		a.toState(fleet.StateInMission)
	case detection.RevertFalseStart, detection.ConfirmSessionEnd:
		if a.mm != nil && !a.mm.Terminal() {
			a.endMissionOnDisarm(ctx)
		}
		if ag.State == fleet.StateOnlineArmed || ag.State == fleet.StateInMission {
			a.toState(fleet.StateOnlineIdle)
		}
	}

	if a.mm != nil && a.mm.Phase() == mission.PhaseExecuting {
		prevStep := a.mm.Exec.StepIndex
		if _, err := a.mm.HandleTelemetry(ctx, sample); err != nil {
			a.log.Error("mission telemetry handling failed", "agent", ag.ID, "err", err)
		}
		switch {
		case a.mm.Terminal():
			a.finishMission(ctx)
			if ag.State == fleet.StateInMission {
				a.toState(fleet.StateOnlineIdle)
			}
		case a.mm.Exec.StepIndex != prevStep:
			// Keep the mission record current as the route progresses.
			a.saveMission(ctx, a.mm.Exec)
		}
	}
}

func (a *Actor) handleConnectivity(ctx context.Context, connected bool, at time.Time) {
	ag := a.agent
	if connected {
		ag.Connected = true
		a.cancelGrace()
		if a.mm != nil && a.mm.Exec.Suspended && !a.mm.Terminal() {
			a.mm.Resume()
			a.toState(fleet.StateInMission)
			a.saveMission(ctx, a.mm.Exec)
			return
		}
		if ag.State == fleet.StateOffline {
			a.toState(fleet.StateOnlineIdle)
		}
		return
	}

	ag.Connected = false
	ag.HasFix = false
	if a.mm != nil && a.mm.Phase() == mission.PhaseExecuting && !a.mm.Exec.Suspended {
		a.mm.Suspend(at)
		a.scheduleGrace(a.mm.Exec.MissionID)
		a.saveMission(ctx, a.mm.Exec)
	}
	a.toState(fleet.StateOffline)
}

func (a *Actor) handleSignal(ctx context.Context, sig eventbus.OperatorSignal) {
	switch sig.Name {
	case schema.SignalAssign:
		a.handleAssign(ctx, sig)
	case schema.SignalApprove:
		a.handleApprove(ctx, sig)
	case schema.SignalReject:
		a.handleReject(sig)
	case schema.SignalEmergencyStop:
		a.handleEmergencyStop(ctx)
	case schema.SignalClearError:
		a.handleClearError()
	case schema.SignalGraceExpired:
		a.handleGraceExpired(ctx, sig.MissionID)
	default:
		a.log.Warn("unknown signal ignored", "agent", a.agent.ID, "signal", sig.Name)
	}
}

func (a *Actor) handleAssign(ctx context.Context, sig eventbus.OperatorSignal) {
	ag := a.agent
	if sig.Plan == nil {
		a.reply(sig.DraftID, AssignResult{}, &AssignError{Code: CodeConstraintViolation, Detail: "missing mission plan"})
		return
	}
	if a.mm != nil && !a.mm.Terminal() {
		a.reply(sig.DraftID, AssignResult{}, &AssignError{Code: CodeBusy, Detail: "active mission " + a.mm.Exec.MissionID})
		return
	}
	if !ag.Connected || ag.State == fleet.StateOffline || ag.State == fleet.StateError {
		a.reply(sig.DraftID, AssignResult{}, &AssignError{Code: CodeUnreachable, Detail: "agent state " + string(ag.State)})
		return
	}

	plan := *sig.Plan
	missionID := idgen.MissionID(ag.ID)
	if plan.RequireApproval {
		// Newest draft wins; an unapproved older draft is discarded.
		if a.pendingDraftID != "" {
			a.log.Info("replacing pending draft", "agent", ag.ID, "draft", a.pendingDraftID)
		}
		a.pendingPlan = &plan
		a.pendingDraftID = sig.DraftID
		a.pendingMissionID = missionID
		a.reply(sig.DraftID, AssignResult{MissionID: missionID, PendingApproval: true}, nil)
		return
	}
	a.launchMission(ctx, missionID, plan, sig.DraftID)
}

// launchMission validates and begins a mission, replying to the waiting
// assigner when draftID is set.
func (a *Actor) launchMission(ctx context.Context, missionID string, plan mission.Plan, draftID string) {
	ag := a.agent
	mm := mission.New(missionID, ag.ID, plan, a.commander, a.log)

	if err := mm.Validate(ag.Snapshot()); err != nil {
		a.saveMission(ctx, mm.Exec)
		if errors.Is(err, mission.ErrValidation) {
			a.reply(draftID, AssignResult{}, &AssignError{Code: CodeConstraintViolation, Detail: err.Error()})
		} else {
			a.reply(draftID, AssignResult{}, err)
		}
		return
	}
	if err := mm.Begin(ctx); err != nil {
		a.saveMission(ctx, mm.Exec)
		a.reply(draftID, AssignResult{}, &AssignError{Code: CodeCommandTimeout, Detail: err.Error()})
		return
	}

	a.mm = mm
	ag.ActiveMissionID = missionID
	a.toState(fleet.StateInMission)
	a.saveMission(ctx, mm.Exec)
	a.reply(draftID, AssignResult{MissionID: missionID}, nil)
	a.log.Info("mission started", "agent", ag.ID, "mission", missionID, "steps", len(plan.Route))
}

func (a *Actor) handleApprove(ctx context.Context, sig eventbus.OperatorSignal) {
	if a.pendingPlan == nil {
		a.log.Warn("approve with no pending draft", "agent", a.agent.ID)
		return
	}
	if sig.DraftID != "" && sig.DraftID != a.pendingDraftID {
		a.log.Warn("approve for stale draft ignored", "agent", a.agent.ID, "draft", sig.DraftID)
		return
	}
	plan := *a.pendingPlan
	missionID := a.pendingMissionID
	a.clearPending()
	a.launchMission(ctx, missionID, plan, "")
}

func (a *Actor) handleReject(sig eventbus.OperatorSignal) {
	if a.pendingPlan == nil {
		return
	}
	if sig.DraftID != "" && sig.DraftID != a.pendingDraftID {
		return
	}
	a.log.Info("draft rejected", "agent", a.agent.ID, "draft", a.pendingDraftID, "feedback", sig.Feedback)
	a.clearPending()
}

func (a *Actor) handleEmergencyStop(ctx context.Context) {
	a.clearPending()
	if a.mm == nil || a.mm.Terminal() {
		a.log.Info("emergency stop with no active mission", "agent", a.agent.ID)
		return
	}
	if a.mm.Phase() == mission.PhaseExecuting {
		a.mm.AbortWithRTL(ctx, mission.ReasonEmergencyStop, "operator emergency stop")
	} else {
		a.mm.Abort(mission.ReasonEmergencyStop, "operator emergency stop")
	}
	a.finishMission(ctx)
	if a.agent.State == fleet.StateInMission || a.agent.State == fleet.StateOnlineArmed {
		a.toState(fleet.StateOnlineIdle)
	}
}

func (a *Actor) handleClearError() {
	ag := a.agent
	if ag.State != fleet.StateError {
		return
	}
	ag.Fault = ""
	a.toState(fleet.StateOnlineIdle)
	a.log.Info("fault cleared", "agent", ag.ID)
}

func (a *Actor) handleGraceExpired(ctx context.Context, missionID string) {
	if a.mm == nil || a.mm.Terminal() || !a.mm.Exec.Suspended {
		return
	}
	if missionID != "" && missionID != a.mm.Exec.MissionID {
		return
	}
	a.mm.Abort(mission.ReasonConnectivityTimeout, "no reconnection within grace window")
	a.finishMission(ctx)
	a.log.Warn("mission aborted after connectivity timeout", "agent", a.agent.ID, "mission", missionID)
}

// endMissionOnDisarm settles an active mission when the vehicle disarms:
// normal completion if the route (or detected session) finished, abort
// otherwise.
func (a *Actor) endMissionOnDisarm(ctx context.Context) {
	mm := a.mm
	switch {
	case mm.Phase() != mission.PhaseExecuting:
		mm.Abort(mission.ReasonConstraintBreach, "vehicle disarmed before execution")
	case mm.RouteFinished():
		if err := mm.Complete(); err != nil {
			a.log.Error("mission completion failed", "agent", a.agent.ID, "err", err)
		}
	default:
		mm.Abort(mission.ReasonConstraintBreach, "vehicle disarmed before route completion")
	}
	a.finishMission(ctx)
}

// finishMission persists and archives a terminal mission, then detaches it
// from the agent.
func (a *Actor) finishMission(ctx context.Context) {
	mm := a.mm
	if mm == nil {
		return
	}
	a.saveMission(ctx, mm.Exec)
	if a.archiver != nil && !a.replaying {
		if err := a.archiver.Write(ctx, archive.NewRecord(mm.Exec)); err != nil {
			a.log.Error("mission archive write failed", "mission", mm.Exec.MissionID, "err", err)
		}
	}
	a.agent.ActiveMissionID = ""
	a.dirty = true
}

func (a *Actor) saveMission(ctx context.Context, exec mission.Execution) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveMission(ctx, exec); err != nil {
		a.log.Error("mission record write failed", "mission", exec.MissionID, "err", err)
	}
}

func (a *Actor) clearPending() {
	a.pendingPlan = nil
	a.pendingDraftID = ""
	a.pendingMissionID = ""
}

// stateLadder orders lifecycle states for multi-hop transitions, e.g.
// offline back to in_mission after a reconnect.
var stateLadder = map[fleet.LifecycleState]fleet.LifecycleState{
	fleet.StateOffline:     fleet.StateOnlineIdle,
	fleet.StateOnlineIdle:  fleet.StateOnlineArmed,
	fleet.StateOnlineArmed: fleet.StateInMission,
}

// toState moves the lifecycle to the target state, walking intermediate
// states when the direct transition is not legal. Any lifecycle change
// marks the actor dirty so the next commit checkpoints immediately.
func (a *Actor) toState(to fleet.LifecycleState) {
	ag := a.agent
	if ag.State != to {
		a.dirty = true
	}
	for i := 0; i < 4 && ag.State != to; i++ {
		if fleet.CanTransition(ag.State, to) {
			ag.State = to
			return
		}
		next, ok := stateLadder[ag.State]
		if !ok || !fleet.CanTransition(ag.State, next) {
			a.log.Error("illegal lifecycle transition", "agent", ag.ID, "from", ag.State, "to", to)
			return
		}
		ag.State = next
	}
}

// scheduleGrace arms the reconnection timer for a suspended mission. No
// timers fire during replay: if the recorded grace expiry is in the tail
// it replays as an event, and an unexpired suspension is re-armed once
// rehydration finishes.
func (a *Actor) scheduleGrace(missionID string) {
	if a.graceWindow <= 0 || a.replaying {
		return
	}
	a.cancelGrace()
	bus, agentID := a.bus, a.agent.ID
	a.graceTimer = time.AfterFunc(a.graceWindow, func() {
		_, err := bus.Publish(context.Background(), eventbus.Event{
			AgentID: agentID,
			Kind:    schema.KindSignal,
			Signal:  &eventbus.OperatorSignal{Name: schema.SignalGraceExpired, MissionID: missionID},
		})
		if err != nil {
			// The agent may have been decommissioned meanwhile.
			return
		}
	})
}

func (a *Actor) cancelGrace() {
	if a.graceTimer != nil {
		a.graceTimer.Stop()
		a.graceTimer = nil
	}
}

// commit publishes the post-event snapshot and triggers compaction when
// enough events accumulated since the last checkpoint. The checkpoint
// watermark only advances contiguously: an interrupt processed ahead of
// earlier queued events must not let compaction prune those events before
// they are applied.
func (a *Actor) commit(seq uint64) {
	switch {
	case seq == a.lastSeq+1:
		a.lastSeq = seq
		for {
			if _, ok := a.ahead[a.lastSeq+1]; !ok {
				break
			}
			delete(a.ahead, a.lastSeq+1)
			a.lastSeq++
		}
	case seq > a.lastSeq:
		a.ahead[seq] = struct{}{}
	}
	snap := a.agent.Snapshot()
	a.snap.Store(&snap)
	if a.index != nil {
		a.index.Update(snap)
	}
	if a.replaying {
		return
	}

	a.sinceCheckpoint++
	if a.compactor != nil && (a.sinceCheckpoint >= a.checkpointEvery || a.dirty) {
		a.compactor.Submit(a.checkpoint())
		a.sinceCheckpoint = 0
		a.dirty = false
	}
}

// checkpoint captures the actor's full durable state as of the last
// processed event.
func (a *Actor) checkpoint() history.Checkpoint {
	cp := history.Checkpoint{
		Seq:       a.lastSeq,
		Agent:     *a.agent,
		Detection: a.detState,
	}
	cp.Agent.Attributes.Sensors = append([]string(nil), a.agent.Attributes.Sensors...)
	if a.mm != nil {
		plan := a.mm.Plan
		exec := a.mm.Exec
		cp.MissionPlan = &plan
		cp.MissionExec = &exec
	}
	if a.pendingPlan != nil {
		plan := *a.pendingPlan
		cp.PendingPlan = &plan
		cp.PendingDraftID = a.pendingDraftID
		cp.PendingMissionID = a.pendingMissionID
	}
	return cp
}
