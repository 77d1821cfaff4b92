package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skyfleet/fleetcore/internal/archive"
	"github.com/skyfleet/fleetcore/internal/detection"
	"github.com/skyfleet/fleetcore/internal/dispatch"
	"github.com/skyfleet/fleetcore/internal/eventbus"
	"github.com/skyfleet/fleetcore/internal/fleet"
	"github.com/skyfleet/fleetcore/internal/history"
	"github.com/skyfleet/fleetcore/internal/mission"
)

var (
	ErrAlreadyEnrolled = errors.New("agent already enrolled")
	ErrUnknownAgent    = errors.New("unknown agent")
)

// nopCommander swallows directives. Used while replaying history so
// rehydration never re-sends commands the vehicle already received.
type nopCommander struct{}

func (nopCommander) Send(context.Context, mission.Command) error { return nil }

// Options wires a Registry to the rest of the system.
type Options struct {
	Bus       *eventbus.Bus
	Store     *history.Store
	Compactor *history.Compactor
	Index     *dispatch.Index
	Archiver  archive.Writer
	Commander mission.Commander
	Log       *slog.Logger

	DetectionProfile detection.Profile
	GraceWindow      time.Duration
	CheckpointEvery  int
}

// Registry owns the set of live actors, one per enrolled agent.
type Registry struct {
	opts Options

	mu     sync.Mutex
	actors map[string]*Actor
}

func NewRegistry(opts Options) *Registry {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = defaultCheckpointEvery
	}
	return &Registry{opts: opts, actors: map[string]*Actor{}}
}

// Enroll registers an agent and starts its actor. If durable state exists
// for the id, the actor resumes from its checkpoint plus the event tail;
// otherwise it starts offline with the given attributes.
func (r *Registry) Enroll(ctx context.Context, agentID string, attrs fleet.Attributes) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actors[agentID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyEnrolled, agentID)
	}

	a, err := r.buildActor(ctx, agentID, attrs)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	r.actors[agentID] = a
	go a.Run(runCtx)
	return a, nil
}

func (r *Registry) buildActor(ctx context.Context, agentID string, attrs fleet.Attributes) (*Actor, error) {
	o := r.opts
	a := &Actor{
		bus:             o.Bus,
		store:           o.Store,
		compactor:       o.Compactor,
		index:           o.Index,
		archiver:        o.Archiver,
		commander:       o.Commander,
		log:             o.Log.With("agent", agentID),
		engine:          detection.Engine{Profile: o.DetectionProfile},
		detState:        detection.NewState(),
		graceWindow:     o.GraceWindow,
		checkpointEvery: o.CheckpointEvery,
		ahead:           map[uint64]struct{}{},
		replies:         map[string]chan assignReply{},
		done:            make(chan struct{}),
	}

	var lastSeq, checkpointSeq uint64
	if o.Store != nil {
		seq, err := o.Store.LastSeq(ctx, agentID)
		if err != nil {
			return nil, err
		}
		lastSeq = seq

		cp, err := o.Store.LoadCheckpoint(ctx, agentID)
		switch {
		case err == nil:
			checkpointSeq = cp.Seq
			r.restore(a, cp)
		case errors.Is(err, history.ErrNotFound):
		default:
			return nil, err
		}
	}

	if a.agent == nil {
		a.agent = &fleet.Agent{
			ID:         agentID,
			State:      fleet.StateOffline,
			Attributes: attrs,
			EnrolledAt: time.Now().UTC(),
		}
	}

	if o.Store != nil {
		if err := r.replayTail(ctx, a, checkpointSeq); err != nil {
			return nil, err
		}
	}

	a.queue = o.Bus.Register(agentID, lastSeq)
	a.lastSeq = lastSeq
	if a.mm != nil && !a.mm.Terminal() && a.mm.Exec.Suspended {
		// The suspension survived the restart; restart its grace window.
		a.scheduleGrace(a.mm.Exec.MissionID)
	}
	a.commit(0)
	return a, nil
}

// restore loads checkpointed state into a fresh actor.
func (r *Registry) restore(a *Actor, cp history.Checkpoint) {
	agent := cp.Agent
	a.agent = &agent
	a.detState = cp.Detection
	if cp.MissionExec != nil {
		var plan mission.Plan
		if cp.MissionPlan != nil {
			plan = *cp.MissionPlan
		}
		a.mm = mission.Rehydrate(plan, *cp.MissionExec, nopCommander{}, a.log)
	}
	if cp.PendingPlan != nil {
		a.pendingPlan = cp.PendingPlan
		a.pendingDraftID = cp.PendingDraftID
		a.pendingMissionID = cp.PendingMissionID
	}
}

// replayTail re-applies events recorded after the checkpoint. Replay runs
// with a no-op commander and suppresses archive writes; the resulting
// state is identical to what the actor held before the restart.
func (r *Registry) replayTail(ctx context.Context, a *Actor, afterSeq uint64) error {
	tail, err := r.opts.Store.LoadTail(ctx, a.agent.ID, afterSeq)
	if err != nil {
		return err
	}
	if len(tail) == 0 {
		return nil
	}

	realCommander := a.commander
	a.commander = nopCommander{}
	a.replaying = true
	for _, evt := range tail {
		a.handle(ctx, evt)
		a.lastSeq = evt.Seq
	}
	a.replaying = false
	a.commander = realCommander
	if a.mm != nil {
		a.mm = mission.Rehydrate(a.mm.Plan, a.mm.Exec, realCommander, a.log)
	}
	r.opts.Log.Info("agent rehydrated", "agent", a.agent.ID, "checkpoint_seq", afterSeq, "replayed", len(tail))
	return nil
}

// Get returns the live actor for an agent.
func (r *Registry) Get(agentID string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[agentID]
	return a, ok
}

// AgentIDs returns the ids of all enrolled agents, sorted.
func (r *Registry) AgentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.actors))
	for id := range r.actors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Decommission stops an agent's actor and removes all of its state,
// durable and indexed. Irreversible.
func (r *Registry) Decommission(ctx context.Context, agentID string) error {
	r.mu.Lock()
	a, ok := r.actors[agentID]
	delete(r.actors, agentID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	a.cancel()
	r.opts.Bus.Unregister(agentID)
	<-a.done
	a.cancelGrace()

	if r.opts.Index != nil {
		r.opts.Index.Remove(agentID)
	}
	if r.opts.Store != nil {
		if err := r.opts.Store.DeleteAgent(ctx, agentID); err != nil {
			return err
		}
	}
	r.opts.Log.Info("agent decommissioned", "agent", agentID)
	return nil
}

// Close stops all actors and waits for them to drain.
func (r *Registry) Close() {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = map[string]*Actor{}
	r.mu.Unlock()

	for _, a := range actors {
		a.cancel()
	}
	for _, a := range actors {
		<-a.done
		a.cancelGrace()
		// Final checkpoint so the next start replays as little as possible.
		if r.opts.Compactor != nil {
			r.opts.Compactor.Submit(a.checkpoint())
		}
	}
}
