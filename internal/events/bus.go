// Package events is a typed observer registry for storage lifecycle and
// error events: a mapping from event kind to an ordered list of
// subscriber callbacks, with per-callback failure isolation.
package events

import (
	"log/slog"
	"sync"
)

// Kind identifies an event category.
type Kind string

const (
	// KindReady fires once the storage core reaches the Open state.
	KindReady Kind = "ready"
	// KindClosed fires when the connection is closed.
	KindClosed Kind = "closed"
	// KindError fires on every failure path, carrying the operation
	// kind, store, and cause.
	KindError Kind = "error"
	// KindMigration fires once per upgrade that applied at least one
	// migration step, with from/to versions and the step count in Detail.
	KindMigration Kind = "migration"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Kind  Kind
	Store string
	// Op names the operation that produced the event ("add", "update",
	// "transaction", "migrate", ...).
	Op  string
	Err error
	// Detail carries event-specific context (versions, keys, batch ids).
	Detail map[string]any
}

// Handler consumes one event. A panicking handler is isolated: it is
// logged and delivery continues to the remaining subscribers.
type Handler func(Event)

type subscriber struct {
	id int
	fn Handler
}

// Bus fans events out to subscribers in registration order. A Bus is
// owned by the storage core that composes it; there is no process-wide
// default instance.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Kind][]subscriber
	logger *slog.Logger
}

// NewBus creates an empty bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[Kind][]subscriber), logger: logger}
}

// Subscribe registers a handler for a kind and returns an unsubscribe
// function.
func (b *Bus) Subscribe(kind Kind, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscriber{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[kind]
		for i, s := range list {
			if s.id == id {
				b.subs[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers an event to every subscriber of its kind, in
// registration order. One failing subscriber never blocks delivery to
// the others.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	list := make([]subscriber, len(b.subs[evt.Kind]))
	copy(list, b.subs[evt.Kind])
	b.mu.RUnlock()

	for _, s := range list {
		b.deliver(s, evt)
	}
}

func (b *Bus) deliver(s subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"kind", string(evt.Kind),
				"op", evt.Op,
				"panic", r)
		}
	}()
	s.fn(evt)
}
