package proto

import (
	"encoding/json"
)

// Message type discriminators. Every datagram carries exactly one JSON
// object whose "type" field selects which of the remaining fields are
// meaningful.
const (
	TypeCommand      = "command"
	TypeResponse     = "response"
	TypeError        = "error"
	TypeStatusUpdate = "status_update"
	TypeEvent        = "event"
	TypeAnnounce     = "GOHAPTIC_SERVER" // discovery announce marker
)

// Protocol constants.
const (
	DefaultServicePort = 9128
	DiscoveryPort      = 9129

	// DiscoveryRequest is the probe sentinel broadcast by clients. It is a
	// bare string, not JSON, so a responder can match it without parsing.
	DiscoveryRequest = "GOHAPTIC_DISCOVERY_REQUEST"

	// MaxDatagramSize is the largest payload Encode will produce. Messages
	// are never fragmented; anything bigger is a caller error.
	MaxDatagramSize = 8192

	APIVersion = "1.0.0"
)

type Message struct {
	Type      string          `json:"type"`                 // discriminator, mandatory
	Command   string          `json:"command,omitempty"`    // command: operation name
	CommandID string          `json:"command_id,omitempty"` // command/response/error: correlation id
	ClientID  string          `json:"client_id,omitempty"`  // command: sender identity
	Timestamp string          `json:"timestamp,omitempty"`  // RFC 3339 send time
	Params    json.RawMessage `json:"params,omitempty"`     // command: operation arguments
	Result    json.RawMessage `json:"result,omitempty"`     // response: operation result
	Error     string          `json:"error,omitempty"`      // error: failure description
	Status    json.RawMessage `json:"status,omitempty"`     // status_update: server snapshot
	EventType string          `json:"event_type,omitempty"` // event: pushed event name
	Data      json.RawMessage `json:"data,omitempty"`       // event: pushed payload

	// Discovery announce fields.
	ServerID   string `json:"server_id,omitempty"`
	APIPort    int    `json:"api_port,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
}

// EventRegistration is the params payload of the register_event_callback
// and unregister_event_callback commands.
type EventRegistration struct {
	EventType string `json:"event_type"`
}

// StatusSnapshot is the server-side status carried by status_update
// messages and get_status responses.
type StatusSnapshot struct {
	ServerID         string          `json:"server_id"`
	APIVersion       string          `json:"api_version"`
	UptimeSeconds    float64         `json:"uptime_seconds"`
	ConnectedClients int             `json:"connected_clients"`
	ActiveCommands   int             `json:"active_commands"`
	Devices          json.RawMessage `json:"devices,omitempty"`
}
