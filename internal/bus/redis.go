package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"kernelci.org/api/common/logger"
)

// RedisBus fans wakes out through Redis pub/sub so listeners on any API
// replica see publishes from any other. One Redis subscription is shared
// per channel and multiplexed onto local cursors.
type RedisBus struct {
	client *redis.Client
	pubsub *redis.PubSub

	mu      sync.Mutex
	cursors map[string]map[chan Wake]struct{}
	closed  bool
}

func NewRedisBus(ctx context.Context, client *redis.Client) (*RedisBus, error) {
	b := &RedisBus{
		client:  client,
		pubsub:  client.Subscribe(ctx),
		cursors: make(map[string]map[chan Wake]struct{}),
	}
	go b.dispatch(ctx)
	return b, nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (*Cursor, error) {
	ch := make(chan Wake, cursorBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus closed")
	}
	first := len(b.cursors[channel]) == 0
	if b.cursors[channel] == nil {
		b.cursors[channel] = make(map[chan Wake]struct{})
	}
	b.cursors[channel][ch] = struct{}{}
	b.mu.Unlock()

	if first {
		if err := b.pubsub.Subscribe(ctx, channel); err != nil {
			b.remove(channel, ch)
			return nil, fmt.Errorf("subscribing to %q: %w", channel, err)
		}
	}

	return &Cursor{
		C:       ch,
		release: func() { b.remove(channel, ch) },
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, channel string, sequenceID int64) error {
	if err := b.client.Publish(ctx, channel, strconv.FormatInt(sequenceID, 10)).Err(); err != nil {
		return fmt.Errorf("publishing wake on %q: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	for channel, set := range b.cursors {
		for ch := range set {
			close(ch)
		}
		delete(b.cursors, channel)
	}
	b.mu.Unlock()
	return b.pubsub.Close()
}

func (b *RedisBus) remove(channel string, ch chan Wake) {
	b.mu.Lock()
	set := b.cursors[channel]
	if _, ok := set[ch]; !ok {
		b.mu.Unlock()
		return
	}
	delete(set, ch)
	last := len(set) == 0
	if last {
		delete(b.cursors, channel)
	}
	closed := b.closed
	b.mu.Unlock()

	close(ch)
	if last && !closed {
		// Detached from the request; best-effort.
		_ = b.pubsub.Unsubscribe(context.Background(), channel)
	}
}

// dispatch pumps Redis messages into local cursors. A full cursor buffer
// drops the wake; catch-up reads recover anything missed.
func (b *RedisBus) dispatch(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "api.bus.redis"})

	for msg := range b.pubsub.Channel() {
		seq, err := strconv.ParseInt(msg.Payload, 10, 64)
		if err != nil {
			slog.WarnContext(ctx, "ignoring malformed wake", "payload", msg.Payload, "channel", msg.Channel)
			continue
		}
		wake := Wake{Channel: msg.Channel, SequenceID: seq}

		b.mu.Lock()
		for ch := range b.cursors[msg.Channel] {
			select {
			case ch <- wake:
			default:
			}
		}
		b.mu.Unlock()
	}
}
