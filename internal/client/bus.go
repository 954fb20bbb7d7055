package client

import (
	"sync"

	"vestnik/internal/models"
)

// Handler receives one server frame.
type Handler func(env models.Envelope)

type subscription struct {
	id int
	h  Handler
}

// Bus fans incoming frames out to per-event handlers. Frames nobody
// subscribed to are dropped.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[models.EventType][]subscription
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[models.EventType][]subscription)}
}

// Subscribe registers h for event and returns the function that removes it.
// Calling the returned function more than once is a no-op.
func (b *Bus) Subscribe(event models.EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[event] = append(b.handlers[event], subscription{id: id, h: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.handlers[event]
		for i, s := range subs {
			if s.id == id {
				b.handlers[event] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.handlers[event]) == 0 {
			delete(b.handlers, event)
		}
	}
}

// Publish runs every handler subscribed to env.Event in subscription order
// and reports whether there was any.
func (b *Bus) Publish(env models.Envelope) bool {
	b.mu.Lock()
	subs := append([]subscription(nil), b.handlers[env.Event]...)
	b.mu.Unlock()

	for _, s := range subs {
		s.h(env)
	}
	return len(subs) > 0
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, subs := range b.handlers {
		n += len(subs)
	}
	return n
}
