package storage

import (
	"encoding/json"
	"sync"
)

// EventKind identifies a local adapter event.
type EventKind string

const (
	EventGet          EventKind = "get"
	EventSet          EventKind = "set"
	EventDelete       EventKind = "delete"
	EventClear        EventKind = "clear"
	EventError        EventKind = "error"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventRemote       EventKind = "remote"
)

// RemoteMutation describes a mutation broadcast by another connection
// sharing the same channel, surfaced through an EventRemote event.
type RemoteMutation struct {
	Kind       EventKind
	Collection string
	Key        string
	Value      json.RawMessage
}

// Event is delivered to every subscriber of its Kind.
type Event struct {
	Kind       EventKind
	Collection string
	Key        string
	Value      json.RawMessage
	Count      int
	Err        error
	Remote     *RemoteMutation
}

// Handler receives Events fired on a Bus. Handlers run sequentially on
// the bus's own dispatch goroutine, in emission order, so a handler
// that blocks delays later deliveries; the emitter is delayed only once
// the bus's 256-event buffer has filled up.
type Handler func(Event)

// Bus is an adapter's local, in-process event notification channel. It
// is deliberately separate from any cross-connection broadcast
// mechanism (see internal/channel): local events never leave the
// process they were emitted in.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventKind][]subscription
	nextID      uint64
	events      chan Event
	done        chan struct{}
	closeOnce   sync.Once
}

type subscription struct {
	id      uint64
	handler Handler
}

// NewBus creates a Bus and starts its dispatch loop.
func NewBus() *Bus {
	b := &Bus{
		subscribers: make(map[EventKind][]subscription),
		events:      make(chan Event, 256),
		done:        make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Subscribe registers handler for events of kind, returning a function
// that removes the subscription.
func (b *Bus) Subscribe(kind EventKind, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[kind] = append(b.subscribers[kind], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[kind]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[kind] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Emit queues an event for fire-and-forget delivery. It never blocks
// the caller beyond filling the internal buffer.
func (b *Bus) Emit(e Event) {
	select {
	case b.events <- e:
	case <-b.done:
	}
}

func (b *Bus) dispatchLoop() {
	for {
		select {
		case e := <-b.events:
			b.deliver(e)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[e.Kind]...)
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() { _ = recover() }()
			s.handler(e)
		}()
	}
}

// Close stops the dispatch loop and drops every subscriber. It is
// idempotent.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		b.subscribers = map[EventKind][]subscription{}
		b.mu.Unlock()
	})
}
