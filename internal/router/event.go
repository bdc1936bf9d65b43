package router

import (
	"sync"
	"time"
)

// Kind identifies an observable connection event.
type Kind int

const (
	KindOpened Kind = iota + 1
	KindClosed
	KindMessage
	KindSendFailed
	KindDecodeError
	KindReconnectStarted
	KindReconnectSucceeded
	KindReconnectGaveUp
)

var kindNames = map[Kind]string{
	KindOpened:             "opened",
	KindClosed:             "closed",
	KindMessage:            "message",
	KindSendFailed:         "send-failed",
	KindDecodeError:        "decode-error",
	KindReconnectStarted:   "reconnect-started",
	KindReconnectSucceeded: "reconnect-succeeded",
	KindReconnectGaveUp:    "reconnect-gave-up",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is delivered to listeners.
type Event struct {
	Kind   Kind
	Source string // connection name, e.g. "chat" or "pubsub"
	At     time.Time

	// Message events.
	Topic   string
	Payload any
	Raw     []byte

	// Closed, send-failed and decode-error carry the cause. A closed event
	// with a nil Err was requested by the application.
	Err error

	// Reconnect events.
	Attempt int
	Delay   time.Duration
}

// Listener receives events.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// HandleEvent calls f(ev).
func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }

// Bus fans events out to registered listeners through a Dispatcher.
type Bus struct {
	dispatcher Dispatcher

	mu        sync.RWMutex
	listeners map[int]Listener
	order     []int
	nextID    int
}

// NewBus creates a bus. A nil dispatcher delivers inline.
func NewBus(d Dispatcher) *Bus {
	if d == nil {
		d = Inline()
	}
	return &Bus{
		dispatcher: d,
		listeners:  make(map[int]Listener),
	}
}

// Listen registers l and returns a function that removes it.
func (b *Bus) Listen(l Listener) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers ev to every listener registered at the time of the call.
func (b *Bus) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	targets := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		targets = append(targets, b.listeners[id])
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	b.dispatcher.Dispatch(func() {
		for _, l := range targets {
			l.HandleEvent(ev)
		}
	})
}

// Close stops the dispatcher.
func (b *Bus) Close() {
	b.dispatcher.Close()
}
