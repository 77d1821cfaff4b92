package dispatch

import (
	"errors"
	"sort"

	"github.com/skyfleet/fleetcore/internal/fleet"
	"github.com/skyfleet/fleetcore/internal/telemetry"
)

var ErrNoCandidate = errors.New("dispatch: no candidate agent")

// Query filters the fleet for an assignable agent. Zero-valued fields are
// not applied.
type Query struct {
	RequiredSensors []string             `json:"required_sensors,omitempty"`
	State           fleet.LifecycleState `json:"state,omitempty"`
	ServiceArea     string               `json:"service_area,omitempty"`
	Reference       *telemetry.Position  `json:"reference,omitempty"`
}

type Dispatcher struct {
	index *Index
}

func NewDispatcher(index *Index) *Dispatcher {
	return &Dispatcher{index: index}
}

// Find returns the best candidate for the query: the connected agent that
// matches every filter, closest to the reference position, with ties
// broken by agent id so repeated queries over the same view agree.
func (d *Dispatcher) Find(q Query) (fleet.Snapshot, error) {
	state := q.State
	if state == "" {
		state = fleet.StateOnlineIdle
	}

	var candidates []fleet.Snapshot
	for _, snap := range d.index.View() {
		if snap.State != state || !snap.Connected {
			continue
		}
		if q.ServiceArea != "" && snap.Attributes.ServiceArea != q.ServiceArea {
			continue
		}
		if !snap.Attributes.HasSensors(q.RequiredSensors) {
			continue
		}
		if q.Reference != nil && !snap.HasFix {
			continue
		}
		candidates = append(candidates, snap)
	}
	if len(candidates) == 0 {
		return fleet.Snapshot{}, ErrNoCandidate
	}

	sort.Slice(candidates, func(i, j int) bool {
		if q.Reference != nil {
			di := telemetry.Distance(candidates[i].Position, *q.Reference)
			dj := telemetry.Distance(candidates[j].Position, *q.Reference)
			if di != dj {
				return di < dj
			}
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], nil
}

// List returns all snapshots in the current view, sorted by id.
func (d *Dispatcher) List() []fleet.Snapshot {
	view := d.index.View()
	out := make([]fleet.Snapshot, 0, len(view))
	for _, snap := range view {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
