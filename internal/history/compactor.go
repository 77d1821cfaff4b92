package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Compactor persists checkpoints off the actor hot path. Actors submit a
// snapshot of their state and keep processing; the compactor writes it
// (and prunes the covered event tail) in the background. Submissions are
// latest-wins per agent, so a slow disk coalesces work instead of
// building a backlog.
type Compactor struct {
	store *Store
	log   *slog.Logger

	mu      sync.Mutex
	pending map[string]Checkpoint
	notify  chan struct{}
}

func NewCompactor(store *Store, log *slog.Logger) *Compactor {
	return &Compactor{
		store:   store,
		log:     log,
		pending: map[string]Checkpoint{},
		notify:  make(chan struct{}, 1),
	}
}

// Submit queues a checkpoint for persistence. Never blocks.
func (c *Compactor) Submit(cp Checkpoint) {
	c.mu.Lock()
	c.pending[cp.Agent.ID] = cp
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Run drains pending checkpoints until ctx is done. A failed write is
// logged and retried on the next pass; the event tail stays intact until
// the checkpoint lands, so nothing is lost.
func (c *Compactor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.flush(context.Background())
			return
		case <-c.notify:
		}
		if !c.flush(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			c.wake()
		}
	}
}

// flush persists all pending checkpoints. Returns false if any write
// failed and was requeued.
func (c *Compactor) flush(ctx context.Context) bool {
	c.mu.Lock()
	batch := c.pending
	c.pending = map[string]Checkpoint{}
	c.mu.Unlock()

	ok := true
	for agentID, cp := range batch {
		if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
			c.log.Error("checkpoint write failed", "agent", agentID, "seq", cp.Seq, "err", err)
			ok = false
			c.mu.Lock()
			// Keep the failed snapshot unless a newer one arrived meanwhile.
			if _, exists := c.pending[agentID]; !exists {
				c.pending[agentID] = cp
			}
			c.mu.Unlock()
		}
	}
	return ok
}

func (c *Compactor) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
