// Package dispatch maintains a read-optimized index of agent snapshots
// and selects agents for new work by capability and proximity.
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/skyfleet/fleetcore/internal/fleet"
)

// Index is a copy-on-write map of agent snapshots. Entity actors update
// it after every committed event; readers (the dispatcher, the API) get
// lock-free consistent views that may trail the actors slightly.
type Index struct {
	mu      sync.Mutex
	current atomic.Pointer[map[string]fleet.Snapshot]
}

func NewIndex() *Index {
	idx := &Index{}
	empty := map[string]fleet.Snapshot{}
	idx.current.Store(&empty)
	return idx
}

// Update replaces the agent's snapshot.
func (idx *Index) Update(snap fleet.Snapshot) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	next := idx.copyCurrent()
	next[snap.ID] = snap
	idx.current.Store(&next)
}

// Remove drops the agent from the index.
func (idx *Index) Remove(agentID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	next := idx.copyCurrent()
	delete(next, agentID)
	idx.current.Store(&next)
}

// Get returns one agent's snapshot.
func (idx *Index) Get(agentID string) (fleet.Snapshot, bool) {
	snap, ok := (*idx.current.Load())[agentID]
	return snap, ok
}

// View returns the current consistent view. Callers must not mutate it.
func (idx *Index) View() map[string]fleet.Snapshot {
	return *idx.current.Load()
}

func (idx *Index) copyCurrent() map[string]fleet.Snapshot {
	cur := *idx.current.Load()
	next := make(map[string]fleet.Snapshot, len(cur)+1)
	for id, snap := range cur {
		next[id] = snap
	}
	return next
}
