package proto

import (
	"encoding/json"
	"fmt"
)

// DecodeReason classifies why a datagram could not be decoded.
type DecodeReason int

const (
	// ReasonMalformed means the payload was not a JSON object carrying a
	// "type" field.
	ReasonMalformed DecodeReason = iota
	// ReasonUnknownType means the payload was well-formed JSON but its
	// "type" discriminator is not one this codec understands.
	ReasonUnknownType
)

func (r DecodeReason) String() string {
	switch r {
	case ReasonMalformed:
		return "malformed payload"
	case ReasonUnknownType:
		return "unknown message type"
	default:
		return "decode error"
	}
}

// DecodeError is the only error Decode returns. The receive loop matches
// on Reason to log-and-continue instead of tearing down the connection.
type DecodeError struct {
	Reason DecodeReason
	Type   string // the offending discriminator, if one was present
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %q", e.Reason, e.Type)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return e.Reason.String()
}

func (e *DecodeError) Unwrap() error { return e.Cause }

var knownTypes = map[string]struct{}{
	TypeCommand:      {},
	TypeResponse:     {},
	TypeError:        {},
	TypeStatusUpdate: {},
	TypeEvent:        {},
	TypeAnnounce:     {},
}

// Encode serializes a message into a single datagram payload. Oversized
// messages are rejected; nothing at this layer fragments.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("encode %s message: %d bytes exceeds datagram limit %d", msg.Type, len(data), MaxDatagramSize)
	}
	return data, nil
}

// Decode parses a datagram payload into a message. Any failure is reported
// as a *DecodeError; the raw parser error never escapes on its own.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, &DecodeError{Reason: ReasonMalformed, Cause: err}
	}
	if msg.Type == "" {
		return Message{}, &DecodeError{Reason: ReasonMalformed, Cause: fmt.Errorf("missing type field")}
	}
	if _, ok := knownTypes[msg.Type]; !ok {
		return Message{}, &DecodeError{Reason: ReasonUnknownType, Type: msg.Type}
	}
	return msg, nil
}
