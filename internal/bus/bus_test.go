package bus

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

func TestLocalBusBroadcastsToAllSubscribers(t *testing.T) {
	b := NewLocalBus()
	var gotA, gotB []protocol.EventMsg
	b.Subscribe("a", func(e protocol.EventMsg) { gotA = append(gotA, e) })
	b.Subscribe("b", func(e protocol.EventMsg) { gotB = append(gotB, e) })

	b.Broadcast(protocol.EventMsg{Kind: protocol.EventTurnStarted, TurnID: "t1"})

	if len(gotA) != 1 || len(gotB) != 1 {
		t.Fatalf("expected both subscribers to receive the event, got %d and %d", len(gotA), len(gotB))
	}
}

func TestLocalBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewLocalBus()
	var count int
	b.Subscribe("a", func(protocol.EventMsg) { count++ })
	b.Unsubscribe("a")

	b.Broadcast(protocol.EventMsg{Kind: protocol.EventTurnComplete, TurnID: "t1"})

	if count != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", count)
	}
}

func TestPullReceivesBroadcastEvents(t *testing.T) {
	b := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := Pull(ctx, b)
	b.Broadcast(protocol.EventMsg{Kind: protocol.EventTurnStarted, TurnID: "t1"})

	select {
	case e := <-ch:
		if e.TurnID != "t1" {
			t.Fatalf("unexpected event: %#v", e)
		}
	default:
		t.Fatal("expected an event to be immediately available on the buffered channel")
	}
}
