package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/skyfleet/fleetcore/internal/schema"
	"github.com/skyfleet/fleetcore/internal/telemetry"
)

func telemetryEvent(agentID string, battery float64) Event {
	return Event{
		AgentID:  agentID,
		Kind:     schema.KindTelemetry,
		Priority: schema.PriorityNormal,
		Telemetry: &telemetry.Sample{
			AgentID:   agentID,
			Battery:   battery,
			Timestamp: time.Now().UTC(),
		},
	}
}

func TestPublishOrdering(t *testing.T) {
	bus := NewBus(nil)
	q := bus.Register("drone-1", 0)

	for i := 0; i < 5; i++ {
		if _, err := bus.Publish(context.Background(), telemetryEvent("drone-1", float64(100-i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var lastSeq uint64
	for i := 0; i < 5; i++ {
		evt, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if evt.Seq <= lastSeq {
			t.Fatalf("sequence went backwards: %d after %d", evt.Seq, lastSeq)
		}
		lastSeq = evt.Seq
	}
}

func TestInterruptOvertakesQueued(t *testing.T) {
	bus := NewBus(nil)
	q := bus.Register("drone-1", 0)

	for i := 0; i < 3; i++ {
		if _, err := bus.Publish(context.Background(), telemetryEvent("drone-1", 90)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	stop := Event{
		AgentID:  "drone-1",
		Kind:     schema.KindSignal,
		Priority: schema.PriorityInterrupt,
		Signal:   &OperatorSignal{Name: schema.SignalEmergencyStop},
	}
	if _, err := bus.Publish(context.Background(), stop); err != nil {
		t.Fatalf("publish stop: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if evt.Kind != schema.KindSignal || evt.Signal.Name != schema.SignalEmergencyStop {
		t.Fatalf("expected emergency stop first, got kind=%s", evt.Kind)
	}
	// Remaining telemetry still arrives in publish order.
	var lastSeq uint64
	for i := 0; i < 3; i++ {
		evt, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if evt.Kind != schema.KindTelemetry {
			t.Fatalf("expected telemetry, got %s", evt.Kind)
		}
		if evt.Seq <= lastSeq {
			t.Fatalf("telemetry out of order: %d after %d", evt.Seq, lastSeq)
		}
		lastSeq = evt.Seq
	}
}

func TestPublishUnregisteredAgent(t *testing.T) {
	bus := NewBus(nil)
	if _, err := bus.Publish(context.Background(), telemetryEvent("ghost", 100)); err == nil {
		t.Fatal("expected error for unregistered agent")
	}
}

func TestRegisterSeedsSequence(t *testing.T) {
	bus := NewBus(nil)
	q := bus.Register("drone-1", 42)

	evt, err := bus.Publish(context.Background(), telemetryEvent("drone-1", 100))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if evt.Seq != 43 {
		t.Fatalf("expected seq 43, got %d", evt.Seq)
	}
	_ = q
}

func TestSubscribeFirehose(t *testing.T) {
	bus := NewBus(nil)
	bus.Register("drone-1", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := bus.Subscribe(ctx)
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}

	if _, err := bus.Publish(context.Background(), telemetryEvent("drone-1", 88)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case evt := <-stream:
		if evt.AgentID != "drone-1" {
			t.Fatalf("unexpected agent %s", evt.AgentID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for firehose event")
	}
}

func TestUnregisterUnblocksConsumer(t *testing.T) {
	bus := NewBus(nil)
	q := bus.Register("drone-1", 0)

	done := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Unregister("drone-1")

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after unregister")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not unblock")
	}
}

func TestPublishNormalizesPriority(t *testing.T) {
	bus := NewBus(nil)
	bus.Register("drone-1", 0)

	evt := telemetryEvent("drone-1", 90)
	evt.Priority = "URGENT"
	stamped, err := bus.Publish(context.Background(), evt)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if stamped.Priority != schema.PriorityNormal {
		t.Fatalf("unknown priority should default to normal, got %s", stamped.Priority)
	}

	evt = telemetryEvent("drone-1", 90)
	evt.Priority = "LOW"
	stamped, err = bus.Publish(context.Background(), evt)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if stamped.Priority != schema.PriorityLow {
		t.Fatalf("priorities should parse case-insensitively, got %s", stamped.Priority)
	}
}
