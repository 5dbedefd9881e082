// Package eventbus implements the in-process pub/sub core (spec §4.6.a)
// that feeds both the WebSocket Hub and the Webhook Dispatcher.
package eventbus

import (
	"strings"
	"sync"
	"time"
)

// Type is an event type drawn from the closed vocabulary (spec §4.6.a):
// ticket.*, agent.*, build.*, directive.*, ops_log.*, system.*.
type Type string

// Category returns the dot-prefix category an event type belongs to, e.g.
// Type("ticket.created").Category() == "ticket".
func (t Type) Category() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t)[:i]
	}
	return string(t)
}

const (
	CategoryTicket    = "ticket"
	CategoryAgent     = "agent"
	CategoryBuild     = "build"
	CategoryDirective = "directive"
	CategoryOpsLog    = "ops_log"
	CategorySystem    = "system"
)

var allowedCategories = map[string]bool{
	CategoryTicket: true, CategoryAgent: true, CategoryBuild: true,
	CategoryDirective: true, CategoryOpsLog: true, CategorySystem: true,
}

// Valid reports whether t belongs to the closed event-type vocabulary.
func (t Type) Valid() bool {
	return allowedCategories[t.Category()]
}

// Event is one published message (spec §3).
type Event struct {
	Type      Type        `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Handler processes a published event. Handlers run synchronously on the
// publisher's goroutine, per spec §4.6.a: category handlers first, then
// wildcard handlers, each group in subscription order.
type Handler func(Event)

// OutOfProcessDispatcher enqueues an event for delivery outside this
// process (the WebSocket Hub's broadcast and the Webhook Dispatcher's
// deliver both implement this). Publish enqueues to every registered
// dispatcher after in-process handlers have run.
type OutOfProcessDispatcher interface {
	Dispatch(Event)
}

// Bus is the in-process pub/sub core. Publication is synchronous from the
// publisher's point of view: Publish returns only after every in-process
// handler has been invoked and every out-of-process dispatch has been
// enqueued (spec §4.6.a).
type Bus struct {
	mu          sync.Mutex
	handlers    map[string][]Handler // category (or "*") -> handlers
	dispatchers []OutOfProcessDispatcher
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers handler for every event whose category matches cat,
// or every event if cat is "*".
func (b *Bus) Subscribe(cat string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[cat] = append(b.handlers[cat], handler)
}

// RegisterDispatcher adds an out-of-process dispatcher invoked on every
// Publish, after in-process handlers run.
func (b *Bus) RegisterDispatcher(d OutOfProcessDispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatchers = append(b.dispatchers, d)
}

// Publish invokes every matching in-process handler (category-specific
// then wildcard, in registration order) and then every out-of-process
// dispatcher, all synchronously on the caller's goroutine. Per-publisher
// ordering is preserved because Publish never spawns a goroutine of its
// own; callers invoking Publish serially from one goroutine get the
// ordering guarantee for free.
func (b *Bus) Publish(typ Type, payload interface{}) Event {
	evt := Event{Type: typ, Payload: payload, Timestamp: time.Now().UTC()}

	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[typ.Category()]...)
	handlers = append(handlers, b.handlers["*"]...)
	dispatchers := append([]OutOfProcessDispatcher(nil), b.dispatchers...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
	for _, d := range dispatchers {
		d.Dispatch(evt)
	}
	return evt
}
