// Package bus broadcasts turn lifecycle EventMsgs to subscribers within
// one process, optionally fanning the same events out across processes
// over Redis pub/sub.
//
// Grounded on the teacher's internal/bus/types.go EventPublisher
// interface (Subscribe/Unsubscribe/Broadcast), generalized from its
// untyped Event{Name, Payload} envelope to protocol.EventMsg directly.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// Handler receives broadcast events.
type Handler func(protocol.EventMsg)

// Publisher abstracts event broadcast + subscription, matching the
// teacher's EventPublisher shape with protocol.EventMsg in place of the
// untyped Event.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Broadcast(event protocol.EventMsg)
}

// LocalBus is an in-process Publisher: every Broadcast fans out
// synchronously to every registered handler.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocalBus builds an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string]Handler)}
}

func (b *LocalBus) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *LocalBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

func (b *LocalBus) Broadcast(event protocol.EventMsg) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

// Emit implements internal/turn.EventSink and internal/compaction.EventSink
// directly, so a LocalBus (or RedisBus) can be handed to both without an
// adapter.
func (b *LocalBus) Emit(event protocol.EventMsg) { b.Broadcast(event) }

// Pull returns a channel fed by a subscription to p, for callers (e.g. the
// headless CLI) that want to range over events rather than register a
// callback Handler. The channel and the subscription are closed when ctx
// is done.
func Pull(ctx context.Context, p Publisher) <-chan protocol.EventMsg {
	id := "pull"
	ch := make(chan protocol.EventMsg, 64)
	var closeOnce sync.Once
	p.Subscribe(id, func(e protocol.EventMsg) {
		select {
		case ch <- e:
		default:
			slog.Warn("bus.pull_subscriber_dropped_event", "turn_id", e.TurnID, "kind", e.Kind)
		}
	})
	go func() {
		<-ctx.Done()
		p.Unsubscribe(id)
		closeOnce.Do(func() { close(ch) })
	}()
	return ch
}
