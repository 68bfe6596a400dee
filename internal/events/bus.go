// Package events is the lifecycle event channel exposed by the memory bank.
// External collaborators (UI, logging) subscribe by event name; the engine
// itself never depends on any particular callback runtime.
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Event names emitted by the memory bank facade.
const (
	MemoryCreated     = "memory-created"
	MemoryUpdated     = "memory-updated"
	MemoryDeleted     = "memory-deleted"
	MemoryArchived    = "memory-archived"
	BackupCompleted   = "backup-completed"
	RecoveryCompleted = "recovery-completed"
)

// Handler receives the record relevant to the event (e.g. *deletion.Record
// for memory-deleted). Handlers run synchronously on the publishing
// goroutine and must not block.
type Handler func(ctx context.Context, payload any)

// Bus is a named-topic subject with explicit subscribe/unsubscribe lifetimes.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[int]Handler)}
}

// Subscribe registers a handler for the named event and returns an
// unsubscribe function. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(event string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int]Handler)
	}
	b.handlers[event][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[event], id)
	}
}

// Publish delivers the payload to every handler subscribed to event. A
// panicking handler is recovered and logged; it never aborts delivery to the
// remaining handlers or the publishing operation.
func (b *Bus) Publish(ctx context.Context, event string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event]))
	for _, h := range b.handlers[event] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("event", event).Any("panic", r).Msg("event_handler_panicked")
				}
			}()
			h(ctx, payload)
		}()
	}
}

// SubscriberCount returns the number of handlers for event (for testing).
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}
