package broker

import (
	"sync"
	"time"
)

// EventKind names a lifecycle notification.
type EventKind string

const (
	EventRegistered   EventKind = "registered"
	EventRemoved      EventKind = "removed"
	EventStatus       EventKind = "status"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
)

// Event is emitted for every registration change and state transition.
type Event struct {
	Kind     EventKind `json:"kind"`
	ServerID string    `json:"serverId"`
	Status   Status    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// EventSink receives lifecycle events. Handlers run on the broker's dispatch
// goroutine, one event at a time, in emission order.
type EventSink interface {
	HandleEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) HandleEvent(e Event) { f(e) }

type subscriber struct {
	id   uint64
	sink EventSink
}

// dispatcher queues events without blocking the emitter and delivers them
// from a single goroutine so per-backend ordering holds.
type dispatcher struct {
	mu      sync.Mutex
	queue   []Event
	subs    []subscriber
	nextID  uint64
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go d.run()
	return d
}

func (d *dispatcher) subscribe(sink EventSink) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return func() {}
	}
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscriber{id: id, sink: sink})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

func (d *dispatcher) emit(e Event) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			if d.stopped {
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			<-d.wake
			continue
		}
		e := d.queue[0]
		d.queue = d.queue[1:]
		subs := append([]subscriber(nil), d.subs...)
		d.mu.Unlock()
		for _, s := range subs {
			deliver(s.sink, e)
		}
	}
}

func deliver(sink EventSink, e Event) {
	// A panicking listener must not take the dispatcher down with it.
	defer func() { _ = recover() }()
	sink.HandleEvent(e)
}

// close drains queued events, then detaches every subscriber.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.stopped = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
	d.mu.Lock()
	d.subs = nil
	d.mu.Unlock()
}
