// Package eventbus fans speedtest progress events out to in-process
// subscribers such as the console renderer.
package eventbus

import (
	"sync"
	"sync/atomic"

	"cloudspeed/pkg/speedtest"
)

// Bus is a non-blocking fanout of progress events.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a full buffer drops the event for
//     that subscriber only and counts it in Dropped.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan speedtest.Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

var _ speedtest.Observer = (*Bus)(nil)

func New() *Bus {
	return &Bus{subs: map[uint64]chan speedtest.Event{}}
}

// OnEvent lets the bus be installed directly as the engine's observer.
func (b *Bus) OnEvent(e speedtest.Event) { b.Publish(e) }

func (b *Bus) Publish(e speedtest.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. unsubscribe closes the channel and is
// safe to call more than once.
func (b *Bus) Subscribe(buffer int) (ch <-chan speedtest.Event, unsubscribe func()) {
	if buffer <= 0 {
		buffer = 64
	}
	c := make(chan speedtest.Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = c
	b.mu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			// Holding the write lock excludes Publish, so nothing sends on c
			// after it is closed.
			b.mu.Lock()
			delete(b.subs, id)
			close(c)
			b.mu.Unlock()
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
