package breaker

import (
	"sync"
	"time"
)

type EventType string

const (
	EventOpen     EventType = "open"
	EventHalfOpen EventType = "half-open"
	EventClose    EventType = "close"
	EventSuccess  EventType = "success"
	EventFailure  EventType = "failure"
	EventTimeout  EventType = "timeout"
	EventReject   EventType = "reject"
)

type Event struct {
	Breaker string
	Type    EventType
	Err     error
	Latency time.Duration
	At      time.Time
}

const eventBuffer = 256

type observers struct {
	name string

	mu     sync.RWMutex
	subs   []func(Event)
	ch     chan Event
	closed bool
	once   sync.Once
}

func newObservers(name string) *observers {
	return &observers{name: name, ch: make(chan Event, eventBuffer)}
}

func (o *observers) add(fn func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.subs = append(o.subs, fn)
	o.once.Do(func() { go o.run() })
}

// emit never blocks; events are dropped when nobody listens or the buffer
// is full.
func (o *observers) emit(e Event) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed || len(o.subs) == 0 {
		return
	}
	e.Breaker = o.name
	select {
	case o.ch <- e:
	default:
	}
}

func (o *observers) run() {
	for e := range o.ch {
		o.mu.RLock()
		subs := o.subs
		o.mu.RUnlock()
		for _, fn := range subs {
			deliver(fn, e)
		}
	}
}

func deliver(fn func(Event), e Event) {
	defer func() { _ = recover() }()
	fn(e)
}

func (o *observers) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.ch)
}
