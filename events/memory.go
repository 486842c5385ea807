package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrBusClosed is returned by Subscribe and Publish after Close.
var ErrBusClosed = errors.New("event bus closed")

const subscriberBuffer = 32

// MemoryBus delivers events within the process. Publish never blocks: an
// event is dropped for any subscriber whose buffer is full.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[string]map[chan Event]struct{}
	closed  bool
	dropped atomic.Uint64
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[chan Event]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for ch := range b.subs[ev.StreamID] {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, streamID string) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrBusClosed
	}
	set, ok := b.subs[streamID]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[streamID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[streamID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(b.subs, streamID)
				}
			}
		})
	}
	stop := context.AfterFunc(ctx, remove)
	return ch, func() { stop(); remove() }, nil
}

// Subscribers returns the number of live subscriptions for streamID.
func (b *MemoryBus) Subscribers(streamID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[streamID])
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *MemoryBus) Dropped() uint64 { return b.dropped.Load() }

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, id)
	}
	return nil
}
