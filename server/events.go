package server

import (
	"sync"
)

// EventRegistry tracks which clients asked for which event types via
// register_event_callback.
type EventRegistry struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{} // event type -> set of client ids
}

func NewEventRegistry() *EventRegistry {
	return &EventRegistry{subs: make(map[string]map[string]struct{})}
}

func (r *EventRegistry) Register(eventType, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[eventType] == nil {
		r.subs[eventType] = make(map[string]struct{})
	}
	r.subs[eventType][clientID] = struct{}{}
}

// Unregister removes one registration. Returns false when the client was
// not registered for that type.
func (r *EventRegistry) Unregister(eventType, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[eventType]
	if !ok {
		return false
	}
	if _, ok := set[clientID]; !ok {
		return false
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(r.subs, eventType)
	}
	return true
}

// UnregisterAll removes a departing client from every event type.
func (r *EventRegistry) UnregisterAll(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eventType, set := range r.subs {
		delete(set, clientID)
		if len(set) == 0 {
			delete(r.subs, eventType)
		}
	}
}

// ClientsFor returns the ids registered for an event type.
func (r *EventRegistry) ClientsFor(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subs[eventType]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
