package speedtest

import (
	"sync"
	"time"
)

// EventKind tags a progress event.
type EventKind string

const (
	EventPhaseChanged  EventKind = "phase_changed"
	EventLatency       EventKind = "latency"
	EventLoadedLatency EventKind = "loaded_latency"
	EventBandwidth     EventKind = "bandwidth"
	EventPhaseComplete EventKind = "phase_complete"
	EventError         EventKind = "error"
)

// Event is a progress notification. Which fields are set depends on Kind:
//   - phase_changed, phase_complete: Phase
//   - latency: Value (ms), Index (1-based), Total
//   - loaded_latency: Direction, Value (ms)
//   - bandwidth: Direction, Value (Mbps), Bytes, Index (1-based within the tier), Total
//   - error: Message
//
// Index 0 marks a warm-up probe whose value is not part of the results.
type Event struct {
	Kind      EventKind
	Time      time.Time
	Phase     Phase
	Direction Direction
	Value     float64
	Bytes     int64
	Index     int
	Total     int
	Message   string
}

// Observer receives progress events. OnEvent is called from a single
// goroutine owned by the engine, in emission order.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// eventSink decouples the engine from its observer: emit appends to an
// unbounded queue and returns, a single goroutine drains the queue. Nothing
// is dropped, and a slow observer only delays its own deliveries.
type eventSink struct {
	obs Observer
	now func() time.Time

	mu      sync.Mutex
	queue   []Event
	closed  bool
	wake    chan struct{}
	drained chan struct{}
}

func newEventSink(obs Observer, now func() time.Time, spawn Spawner) *eventSink {
	s := &eventSink{obs: obs, now: now}
	if obs == nil {
		return s
	}
	s.wake = make(chan struct{}, 1)
	s.drained = make(chan struct{})
	spawn.Go("speedtest.events", s.drain)
	return s
}

func (s *eventSink) emit(e Event) {
	if s == nil || s.obs == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *eventSink) drain() {
	defer close(s.drained)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, e := range batch {
			s.deliver(e)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-s.wake
		}
	}
}

func (s *eventSink) deliver(e Event) {
	defer func() { _ = recover() }()
	s.obs.OnEvent(e)
}

// close stops accepting events and waits, at most flush, until queued ones
// were delivered. Delivery continues in the background past that bound.
func (s *eventSink) close(flush time.Duration) {
	if s == nil || s.obs == nil {
		return
	}
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	tmr := time.NewTimer(flush)
	defer tmr.Stop()
	select {
	case <-s.drained:
	case <-tmr.C:
	}
}
