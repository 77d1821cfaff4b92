// Package eventbus routes external events to entity actors. Delivery is
// per-agent ordered: each registered agent owns a priority queue consumed
// by exactly one actor, while firehose subscribers receive a best-effort
// copy of every event for streaming surfaces.
package eventbus

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/skyfleet/fleetcore/internal/schema"
)

type Bus struct {
	recorder Recorder

	mu     sync.RWMutex
	queues map[string]*Queue
	subs   map[string]*subscriber
}

type subscriber struct {
	ch chan Event
}

// NewBus creates a bus. recorder may be nil, in which case events are not
// durably recorded (used by tests).
func NewBus(recorder Recorder) *Bus {
	return &Bus{
		recorder: recorder,
		queues:   map[string]*Queue{},
		subs:     map[string]*subscriber{},
	}
}

// Queue is the per-agent ordered event queue consumed by the agent's
// entity actor.
type Queue struct {
	agentID string

	mu      sync.Mutex
	pending eventHeap
	nextSeq uint64
	closed  bool
	notify  chan struct{}
}

// Register creates (or returns) the queue for an agent. lastSeq seeds the
// sequence counter after rehydration so logical timestamps stay monotonic
// across restarts.
func (b *Bus) Register(agentID string, lastSeq uint64) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[agentID]; ok {
		return q
	}
	q := &Queue{
		agentID: agentID,
		nextSeq: lastSeq,
		notify:  make(chan struct{}, 1),
	}
	b.queues[agentID] = q
	return q
}

// Unregister removes an agent's queue and unblocks its consumer. Called on
// decommission.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	q, ok := b.queues[agentID]
	delete(b.queues, agentID)
	b.mu.Unlock()
	if ok {
		q.close()
	}
}

// Publish assigns the event its id and per-agent sequence, durably records
// it, then enqueues it for the owning actor and broadcasts a copy to
// subscribers. Returns the stamped event.
func (b *Bus) Publish(ctx context.Context, evt Event) (Event, error) {
	if strings.TrimSpace(evt.AgentID) == "" {
		return Event{}, fmt.Errorf("agent id is required")
	}
	if err := validateShape(evt); err != nil {
		return Event{}, err
	}

	b.mu.RLock()
	q, ok := b.queues[evt.AgentID]
	b.mu.RUnlock()
	if !ok {
		return Event{}, fmt.Errorf("agent %s is not registered", evt.AgentID)
	}

	evt.Priority = schema.ParsePriority(string(evt.Priority))
	evt.ID = ulid.Make().String()
	evt.CreatedAt = time.Now().UTC()

	q.mu.Lock()
	q.nextSeq++
	evt.Seq = q.nextSeq
	if b.recorder != nil {
		if err := b.recorder.AppendEvent(evt); err != nil {
			// Roll the sequence back; the event never became visible.
			q.nextSeq--
			q.mu.Unlock()
			return Event{}, fmt.Errorf("record event: %w", err)
		}
	}
	heap.Push(&q.pending, evt)
	q.mu.Unlock()
	q.wake()

	b.broadcast(evt)
	return evt, nil
}

func validateShape(evt Event) error {
	switch evt.Kind {
	case schema.KindTelemetry:
		if evt.Telemetry == nil {
			return fmt.Errorf("telemetry event missing sample")
		}
	case schema.KindConnectivity:
		if evt.Connectivity == nil {
			return fmt.Errorf("connectivity event missing payload")
		}
	case schema.KindSignal:
		if evt.Signal == nil || strings.TrimSpace(evt.Signal.Name) == "" {
			return fmt.Errorf("signal event missing name")
		}
	default:
		return fmt.Errorf("unknown event kind %q", evt.Kind)
	}
	return nil
}

// Next blocks until an event is available for this agent or ctx is done.
// Events come out in (priority, seq) order.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if q.pending.Len() > 0 {
			evt := heap.Pop(&q.pending).(Event)
			q.mu.Unlock()
			return evt, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Event{}, context.Canceled
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Depth returns the number of queued events.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Subscribe returns a firehose channel of all published events. The
// channel closes when ctx is done; slow subscribers miss events rather
// than blocking publishers.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	id := ulid.Make().String()

	b.mu.Lock()
	b.subs[id] = &subscriber{ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

// SubscriberCount reports active firehose subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			// Drop if subscriber is slow.
		}
	}
}
