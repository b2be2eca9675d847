package server

import (
	"context"
	"encoding/json"
	"fmt"
)

// Executor performs a device operation on behalf of a client command. The
// protocol layer only transports the call: anything that actually drives a
// motor lives behind this interface. A returned error becomes an error
// response carrying the error text.
type Executor interface {
	Execute(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, command, params)
}

// Event is an asynchronous notification produced by the device side, for
// example pattern_complete or pattern_error.
type Event struct {
	Type string
	Data json.RawMessage
}

// EventSource produces device events for the server to forward to
// registered clients. The channel is drained for the lifetime of the
// server; closing it stops the forwarding task.
type EventSource interface {
	Events() <-chan Event
}

// unknownCommand is the failure reported when no executor claims a
// command.
func unknownCommand(command string) error {
	return fmt.Errorf("unknown command: %s", command)
}
