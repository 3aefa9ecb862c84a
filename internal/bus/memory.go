package bus

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBus is a single-process Bus. Production runs on Redis; this one
// backs tests and single-binary deployments.
type MemoryBus struct {
	mu      sync.Mutex
	cursors map[string]map[chan Wake]struct{}
	closed  bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{cursors: make(map[string]map[chan Wake]struct{})}
}

func (b *MemoryBus) Subscribe(_ context.Context, channel string) (*Cursor, error) {
	ch := make(chan Wake, cursorBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}
	if b.cursors[channel] == nil {
		b.cursors[channel] = make(map[chan Wake]struct{})
	}
	b.cursors[channel][ch] = struct{}{}

	return &Cursor{
		C:       ch,
		release: func() { b.remove(channel, ch) },
	}, nil
}

func (b *MemoryBus) Publish(_ context.Context, channel string, sequenceID int64) error {
	wake := Wake{Channel: channel, SequenceID: sequenceID}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.cursors[channel] {
		select {
		case ch <- wake:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for channel, set := range b.cursors {
		for ch := range set {
			close(ch)
		}
		delete(b.cursors, channel)
	}
	return nil
}

func (b *MemoryBus) remove(channel string, ch chan Wake) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.cursors[channel]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(b.cursors, channel)
	}
	close(ch)
}
