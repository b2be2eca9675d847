package server

import (
	"net"
	"sync"
	"time"
)

// ClientEntry is what the server knows about a client: where to send its
// replies and when it was last heard from.
type ClientEntry struct {
	ID       string
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// ClientRegistry tracks active clients by their client_id. Entries are
// created on first contact, refreshed on every datagram, and pruned when
// idle past the expiry window.
type ClientRegistry struct {
	mu    sync.RWMutex
	store map[string]*ClientEntry
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{store: make(map[string]*ClientEntry)}
}

// Touch records contact from a client, registering it if new. Returns true
// when the client was not previously known.
func (r *ClientRegistry) Touch(id string, addr *net.UDPAddr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.store[id]
	if !ok {
		r.store[id] = &ClientEntry{ID: id, Addr: addr, LastSeen: time.Now()}
		return true
	}
	entry.Addr = addr
	entry.LastSeen = time.Now()
	return false
}

func (r *ClientRegistry) Get(id string) (ClientEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.store[id]
	if !ok {
		return ClientEntry{}, false
	}
	return *entry, true
}

func (r *ClientRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.store, id)
}

func (r *ClientRegistry) List() []ClientEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientEntry, 0, len(r.store))
	for _, entry := range r.store {
		out = append(out, *entry)
	}
	return out
}

func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store)
}

// Prune drops clients idle longer than expiry and returns their ids.
func (r *ClientRegistry) Prune(expiry time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped []string
	cutoff := time.Now().Add(-expiry)
	for id, entry := range r.store {
		if entry.LastSeen.Before(cutoff) {
			delete(r.store, id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}
