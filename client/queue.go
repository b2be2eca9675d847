package client

import (
	"context"
	"log/slog"
)

// DispatchQueue marshals continuations, event handlers, and lifecycle
// notifications from background tasks onto the caller's goroutine. The
// background side never runs caller code directly; it only enqueues.
type DispatchQueue struct {
	ch chan func()
}

func NewDispatchQueue(size int) *DispatchQueue {
	if size <= 0 {
		size = 128
	}
	return &DispatchQueue{ch: make(chan func(), size)}
}

// Dispatch enqueues fn without blocking. If the caller has stopped pumping
// and the queue is full, the work is dropped with a warning; blocking the
// receive loop on caller code is never acceptable.
func (q *DispatchQueue) Dispatch(fn func()) {
	select {
	case q.ch <- fn:
	default:
		slog.Warn("Dispatch queue full, dropping callback")
	}
}

// Pump runs every callback currently queued and returns how many ran.
// Intended to be called from the foreground loop each frame or tick.
func (q *DispatchQueue) Pump() int {
	n := 0
	for {
		select {
		case fn := <-q.ch:
			fn()
			n++
		default:
			return n
		}
	}
}

// Run pumps the queue until ctx is cancelled. Useful for callers without
// their own frame loop.
func (q *DispatchQueue) Run(ctx context.Context) {
	for {
		select {
		case fn := <-q.ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
