package bus

import (
	"context"
	"sync"
)

// Handler consumes one published event.
type Handler[E any] func(ctx context.Context, event E)

// Bus is in-process typed fan-out with explicit subscriber lifecycle.
// Params: registered handlers keyed by subscription id.
// Returns: synchronous publish to current subscribers.
type Bus[E any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler[E]
	order    []uint64
}

// New creates an empty bus.
// Params: none.
// Returns: bus instance.
func New[E any]() *Bus[E] {
	return &Bus[E]{handlers: make(map[uint64]Handler[E])}
}

// Subscribe registers handler and returns its unsubscribe function.
// Params: handler to call for each event.
// Returns: idempotent unsubscribe callback.
func (b *Bus[E]) Subscribe(handler Handler[E]) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = handler
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// Publish delivers event to subscribers in subscription order.
// Params: context and event.
// Returns: number of handlers called.
func (b *Bus[E]) Publish(ctx context.Context, event E) int {
	b.mu.RLock()
	handlers := make([]Handler[E], 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, event)
	}
	return len(handlers)
}

// Len reports active subscriber count.
// Params: none.
// Returns: subscriber count.
func (b *Bus[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

func (b *Bus[E]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
	for i, current := range b.order {
		if current == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
