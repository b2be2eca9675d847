package client

import (
	"encoding/json"
	"sync"
)

// EventHandler receives the payload of a server-pushed event. Handlers run
// on the dispatch queue, never on the receive loop.
type EventHandler func(data json.RawMessage)

// EventDispatcher maps event-type strings to at most one handler each.
// Subscribing replaces any prior handler for that type.
type EventDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{handlers: make(map[string]EventHandler)}
}

func (d *EventDispatcher) set(eventType string, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = h
}

func (d *EventDispatcher) remove(eventType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, eventType)
}

func (d *EventDispatcher) get(eventType string) (EventHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[eventType]
	return h, ok
}

// types returns the currently subscribed event types, used to re-register
// with the server after a reconnect.
func (d *EventDispatcher) types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	return out
}
