// Package eventbus implements the engine's synchronous publish/subscribe
// layer (C5), grounded on
// original_source/src/api/events/event_bus.py's ExecutionEventBus: handlers
// keyed by concrete event type plus a global subscriber list, delivered
// synchronously in the calling goroutine with no retry and no rollback.
package eventbus

import (
	"fmt"
	"reflect"
	"sync"
)

// Handler processes one published event. A handler that returns an error
// aborts the in-flight Publish call (spec.md §4.5 contract 3); the caller
// is responsible for compensating any writes it made before publishing.
type Handler func(Event) error

// Bus is a synchronous, typed publish/subscribe dispatcher. The zero value
// is not usable; construct with New.
type Bus struct {
	mu          sync.Mutex
	global      []Handler
	subscribers map[reflect.Type][]Handler
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subscribers: make(map[reflect.Type][]Handler)}
}

// handlerIdentity compares handlers by underlying function pointer so that
// re-subscribing the same handler value is detected as a duplicate, per
// spec.md §4.5 contract 2.
func handlerIdentity(a, b Handler) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// Subscribe registers handler for every future Publish of an event with the
// same concrete type as sample. Re-subscribing the same handler to the same
// event type is a no-op.
func (b *Bus) Subscribe(sample Event, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := reflect.TypeOf(sample)
	for _, h := range b.subscribers[t] {
		if handlerIdentity(h, handler) {
			return
		}
	}
	b.subscribers[t] = append(b.subscribers[t], handler)
}

// SubscribeAll registers handler for every event type, invoked before
// type-specific subscribers on every Publish (spec.md §4.5 contract 1).
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, h := range b.global {
		if handlerIdentity(h, handler) {
			return
		}
	}
	b.global = append(b.global, handler)
}

// Unsubscribe removes handler from the type-specific list for sample's type.
func (b *Bus) Unsubscribe(sample Event, handler Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := reflect.TypeOf(sample)
	handlers := b.subscribers[t]
	for i, h := range handlers {
		if handlerIdentity(h, handler) {
			b.subscribers[t] = append(handlers[:i], handlers[i+1:]...)
			return true
		}
	}
	return false
}

// UnsubscribeAll removes handler from the global subscriber list.
func (b *Bus) UnsubscribeAll(handler Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, h := range b.global {
		if handlerIdentity(h, handler) {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers event synchronously: global subscribers first, in
// subscription order, then type-specific subscribers, in subscription
// order. A handler error aborts delivery immediately — no further
// subscribers run and Publish returns that error. A subscriber may publish
// further events from within its handler; those are fully delivered before
// the outer Publish call returns (plain synchronous re-entrancy, no special
// bus-internal ordering is promised beyond contract 1).
func (b *Bus) Publish(event Event) error {
	b.mu.Lock()
	global := append([]Handler(nil), b.global...)
	t := reflect.TypeOf(event)
	specific := append([]Handler(nil), b.subscribers[t]...)
	b.mu.Unlock()

	for _, h := range global {
		if err := h(event); err != nil {
			return fmt.Errorf("eventbus: global subscriber: %w", err)
		}
	}
	for _, h := range specific {
		if err := h(event); err != nil {
			return fmt.Errorf("eventbus: subscriber for %s: %w", t, err)
		}
	}
	return nil
}

// HasSubscribers reports whether sample's event type (or the global list)
// has at least one subscriber.
func (b *Bus) HasSubscribers(sample Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.global) > 0 {
		return true
	}
	return len(b.subscribers[reflect.TypeOf(sample)]) > 0
}

// SubscriberCount returns the number of subscribers for sample's type,
// including global subscribers, or the total across every type when sample
// is nil.
func (b *Bus) SubscriberCount(sample Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sample == nil {
		total := len(b.global)
		for _, hs := range b.subscribers {
			total += len(hs)
		}
		return total
	}
	return len(b.global) + len(b.subscribers[reflect.TypeOf(sample)])
}

// Clear removes every subscriber, useful for test isolation.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.global = nil
	b.subscribers = make(map[reflect.Type][]Handler)
}

var (
	defaultMu   sync.Mutex
	defaultBus  = New()
)

// Default returns the process-wide bus. Components accept an explicit *Bus
// at construction (SPEC_FULL.md §9 — "global singletons become explicit
// dependencies"); this is an optional convenience default (cmd/flowengine
// builds its own bus with New).
func Default() *Bus {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultBus
}

// ResetDefault replaces the process-wide bus with a fresh one. Intended for
// test isolation between packages that rely on Default().
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultBus = New()
}
