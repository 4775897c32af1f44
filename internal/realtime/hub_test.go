package realtime

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

// A pump blocked on the forward channel must exit once the hub shuts down,
// even when nothing is draining forward anymore.
func TestPumpExitsAfterHubShutdown(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "board-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	hub := NewHub(bus, zap.NewNop())
	finished := make(chan struct{})
	go func() {
		hub.pump("board-1", sub)
		close(finished)
	}()

	// Overfill the forward buffer with no reader so the pump ends up
	// blocked mid-send.
	for i := 0; i < cap(hub.forward)+16; i++ {
		_ = bus.Publish(ctx, Event{Entity: EntityTask, Op: OpCreated, BoardID: "board-1"})
	}

	close(hub.done)
	sub.Cancel()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("pump still running after hub shutdown")
	}
}

func TestHubRunStopsOnContextCancel(t *testing.T) {
	bus := NewMemoryBus()
	hub := NewHub(bus, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	client := NewClient(hub, nil, "board-1", "user-1")
	hub.Register(client)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop on context cancel")
	}

	// Run's shutdown closes every registered client's send channel.
	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected send channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client send channel left open")
	}
}
