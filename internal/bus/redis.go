package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// RedisBus fans EventMsgs out across processes over a Redis pub/sub
// channel. Local subscribers of the embedded LocalBus receive events only
// through the relay goroutine, asynchronously, after the round trip
// through Redis. One process's Broadcast reaches every other process
// subscribed to the same channel, which is what lets a headless worker
// and a separate UI process observe the same turn's events.
type RedisBus struct {
	*LocalBus

	client  *redis.Client
	channel string
	cancel  context.CancelFunc
}

// NewRedisBus connects to redis and starts relaying messages on channel
// into the embedded LocalBus's local subscribers.
func NewRedisBus(ctx context.Context, client *redis.Client, channel string) *RedisBus {
	runCtx, cancel := context.WithCancel(ctx)
	b := &RedisBus{
		LocalBus: NewLocalBus(),
		client:   client,
		channel:  channel,
		cancel:   cancel,
	}
	go b.relay(runCtx)
	return b
}

func (b *RedisBus) relay(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event protocol.EventMsg
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("bus.redis_decode_failed", "error", err)
				continue
			}
			b.LocalBus.Broadcast(event)
		}
	}
}

// Broadcast publishes event to Redis (which this process's own relay
// goroutine will receive and fan out locally) rather than calling
// LocalBus.Broadcast directly, so every process — including this one —
// observes events through the same single path.
func (b *RedisBus) Broadcast(event protocol.EventMsg) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("bus.redis_encode_failed", "error", err)
		return
	}
	if err := b.client.Publish(context.Background(), b.channel, payload).Err(); err != nil {
		slog.Error("bus.redis_publish_failed", "error", err)
	}
}

func (b *RedisBus) Emit(event protocol.EventMsg) { b.Broadcast(event) }

// Close stops the relay goroutine. It does not close the underlying
// *redis.Client, which callers may share with other components.
func (b *RedisBus) Close() {
	b.cancel()
}

var _ Publisher = (*RedisBus)(nil)
