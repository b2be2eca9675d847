package client

// ConnectionState tracks where the client is in its connection lifecycle.
// It is read from the foreground and written from background discovery and
// receive tasks, so access always goes through the client mutex.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Discovering
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}
