package smtpclient

import "sync"

// EventKind tags one entry of a session's trace stream, per spec.md
// §4.7 ("each session emits a trace stream: connect, send/recv lines,
// state transitions").
type EventKind string

const (
	EventConnect    EventKind = "connect"
	EventSend       EventKind = "send"
	EventRecv       EventKind = "recv"
	EventState      EventKind = "state"
	EventTLS        EventKind = "tls"
	EventClose      EventKind = "close"
)

// Event is one trace record, kept deliberately small for a drop-tolerant
// fan-out under backpressure.
type Event struct {
	Kind EventKind
	Host string
	Data string
}

// Tracer receives trace events from one or more sessions. Implementations
// must not block the caller for long; Tracer is consulted on every wire
// read/write.
type Tracer interface {
	Trace(Event)
}

// NopTracer discards every event; the default when no admin tooling is
// subscribed to trace-smtp-client.
type NopTracer struct{}

func (NopTracer) Trace(Event) {}

// Broadcaster is a drop-tolerant, subscribable trace bus: each
// subscriber gets a small buffered channel, and a full channel causes
// the event to be dropped for that subscriber rather than blocking the
// session, per spec.md §4.7's backpressure requirement.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener with the given buffer depth,
// returning the channel and a token for Unsubscribe.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, int) {
	if buffer <= 0 {
		buffer = 32
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	id := b.next
	b.next++
	b.subs[id] = ch
	return ch, id
}

// Unsubscribe removes and closes a previously-registered listener.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Trace implements Tracer, fanning out to every subscriber without
// blocking: a subscriber whose buffer is full simply misses the event.
func (b *Broadcaster) Trace(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
