// Package events provides a small synchronous subscription registry.
// Emissions are observational notifications: handlers run on the emitting
// goroutine and must not block.
package events

import "sync"

// Handler receives the payload attached to an emission.
type Handler func(payload any)

// Emitter fans emissions out to handlers registered per event name.
// Safe for concurrent use.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

// NewEmitter returns an empty registry.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string]map[int]Handler)}
}

// On registers h for the named event and returns an unsubscribe func.
// Handlers for one event fire in registration order.
func (e *Emitter) On(event string, h Handler) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++

	if e.handlers[event] == nil {
		e.handlers[event] = make(map[int]Handler)
	}
	e.handlers[event][id] = h

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers[event], id)
	}
}

// Emit synchronously delivers payload to every handler registered for event.
// Handlers registered during delivery do not receive the current emission.
func (e *Emitter) Emit(event string, payload any) {
	e.mu.RLock()
	snapshot := make([]struct {
		id int
		h  Handler
	}, 0, len(e.handlers[event]))
	for id, h := range e.handlers[event] {
		snapshot = append(snapshot, struct {
			id int
			h  Handler
		}{id, h})
	}
	e.mu.RUnlock()

	// Registration order equals id order.
	for i := 1; i < len(snapshot); i++ {
		for j := i; j > 0 && snapshot[j].id < snapshot[j-1].id; j-- {
			snapshot[j], snapshot[j-1] = snapshot[j-1], snapshot[j]
		}
	}

	for _, entry := range snapshot {
		entry.h(payload)
	}
}

// HandlerCount returns the number of handlers registered for event.
func (e *Emitter) HandlerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}
