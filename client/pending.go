package client

import (
	"sync"
	"time"

	"github.com/gohaptic/gohaptic/proto"
)

// ResultFunc is a command continuation. It is invoked at most once, from
// the dispatch queue, with the normalized result of the command.
type ResultFunc func(proto.Result)

type pendingCommand struct {
	id      string
	command string
	created time.Time
	fn      ResultFunc
	inline  bool // run on the receive loop instead of the dispatch queue
}

// CommandTracker correlates in-flight commands with their responses. It is
// written from the foreground (Send) and the background receive loop, so
// every access holds the mutex.
type CommandTracker struct {
	mu      sync.Mutex
	pending map[string]pendingCommand
}

func NewCommandTracker() *CommandTracker {
	return &CommandTracker{pending: make(map[string]pendingCommand)}
}

// Register records a pending command. It runs before the datagram is sent
// so a fast reply can never race the table entry.
func (t *CommandTracker) Register(id, command string, fn ResultFunc) {
	t.register(id, command, fn, false)
}

// register is Register plus the inline flag used for liveness probes,
// which must complete without waiting on the foreground pump.
func (t *CommandTracker) register(id, command string, fn ResultFunc, inline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id] = pendingCommand{id: id, command: command, created: time.Now(), fn: fn, inline: inline}
}

// Resolve removes and returns the pending command for id. The second
// return is false for unknown correlation ids, which callers drop with a
// warning rather than treating as fatal.
func (t *CommandTracker) Resolve(id string) (pendingCommand, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return pc, ok
}

// Discard removes a pending command without invoking its continuation.
func (t *CommandTracker) Discard(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// DiscardAll drops every pending command without invoking continuations.
// Called on disconnect; "continuation never called" is a valid outcome.
func (t *CommandTracker) DiscardAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.pending)
	t.pending = make(map[string]pendingCommand)
	return n
}

func (t *CommandTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
