package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/gohaptic/gohaptic/proto"
)

// startTestServer runs a server on ephemeral ports. The returned stop
// func cancels Serve and waits for it to wind down.
func startTestServer(t *testing.T, opts Options) (*Server, func()) {
	t.Helper()
	opts.Port = -1
	opts.DiscoveryPort = -1
	s := New(opts)
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(ctx)
	}()
	return s, func() {
		cancel()
		<-done
	}
}

// testConn is a raw UDP client for poking the server directly.
type testConn struct {
	t    *testing.T
	conn *net.UDPConn
}

func dialServer(t *testing.T, s *Server) *testConn {
	t.Helper()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.Addr().Port}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return &testConn{t: t, conn: conn}
}

func (tc *testConn) Close() { tc.conn.Close() }

func (tc *testConn) sendCommand(clientID, command, commandID string, params any) {
	tc.t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			tc.t.Fatalf("Failed to marshal params: %v", err)
		}
		raw = data
	}
	data, err := proto.Encode(proto.Message{
		Type:      proto.TypeCommand,
		Command:   command,
		CommandID: commandID,
		ClientID:  clientID,
		Params:    raw,
	})
	if err != nil {
		tc.t.Fatalf("Failed to encode command: %v", err)
	}
	if _, err := tc.conn.Write(data); err != nil {
		tc.t.Fatalf("Failed to send command: %v", err)
	}
}

func (tc *testConn) readMessage(timeout time.Duration) (proto.Message, error) {
	buf := make([]byte, proto.MaxDatagramSize)
	tc.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := tc.conn.Read(buf)
	if err != nil {
		return proto.Message{}, err
	}
	return proto.Decode(buf[:n])
}

// readType skips interleaved messages until one of the wanted type shows
// up, so a status broadcast cannot fail an unrelated assertion.
func (tc *testConn) readType(msgType string, timeout time.Duration) (proto.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return proto.Message{}, fmt.Errorf("no %s message within %s", msgType, timeout)
		}
		msg, err := tc.readMessage(remaining)
		if err != nil {
			return proto.Message{}, err
		}
		if msg.Type == msgType {
			return msg, nil
		}
	}
}

func TestServerPing(t *testing.T) {
	defer leaktest.Check(t)()
	s, stop := startTestServer(t, Options{})
	defer stop()
	tc := dialServer(t, s)
	defer tc.Close()

	tc.sendCommand("client-a", "ping", "client-a:1", map[string]any{"message": "hello"})
	msg, err := tc.readType(proto.TypeResponse, 2*time.Second)
	if err != nil {
		t.Fatalf("No response: %v", err)
	}
	if msg.CommandID != "client-a:1" {
		t.Errorf("Expected correlation id client-a:1, got %s", msg.CommandID)
	}
	if !strings.Contains(string(msg.Result), "pong") {
		t.Errorf("Expected pong in result, got %s", msg.Result)
	}
	if !strings.Contains(string(msg.Result), "hello") {
		t.Errorf("Expected echo in result, got %s", msg.Result)
	}
}

func TestServerUnknownCommandWithoutExecutor(t *testing.T) {
	defer leaktest.Check(t)()
	s, stop := startTestServer(t, Options{})
	defer stop()
	tc := dialServer(t, s)
	defer tc.Close()

	tc.sendCommand("client-a", "jump", "client-a:1", nil)
	msg, err := tc.readType(proto.TypeError, 2*time.Second)
	if err != nil {
		t.Fatalf("No error response: %v", err)
	}
	if msg.CommandID != "client-a:1" {
		t.Errorf("Expected correlation id to carry over, got %s", msg.CommandID)
	}
	if msg.Error != "unknown command: jump" {
		t.Errorf("Expected unknown command error, got %q", msg.Error)
	}
}

func TestServerExecutorDelegation(t *testing.T) {
	defer leaktest.Check(t)()
	s, stop := startTestServer(t, Options{
		Executor: ExecutorFunc(func(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
			switch command {
			case "play_pattern":
				return json.RawMessage(`{"success":true,"pattern":"pulse"}`), nil
			default:
				return nil, errors.New("device offline")
			}
		}),
	})
	defer stop()
	tc := dialServer(t, s)
	defer tc.Close()

	tc.sendCommand("client-a", "play_pattern", "client-a:1", map[string]any{"pattern": "pulse"})
	msg, err := tc.readType(proto.TypeResponse, 2*time.Second)
	if err != nil {
		t.Fatalf("No response: %v", err)
	}
	if !strings.Contains(string(msg.Result), "pulse") {
		t.Errorf("Expected executor result to pass through, got %s", msg.Result)
	}

	tc.sendCommand("client-a", "self_destruct", "client-a:2", nil)
	msg, err = tc.readType(proto.TypeError, 2*time.Second)
	if err != nil {
		t.Fatalf("No error response: %v", err)
	}
	if msg.Error != "device offline" {
		t.Errorf("Expected executor error text, got %q", msg.Error)
	}
}

func TestServerGetStatus(t *testing.T) {
	defer leaktest.Check(t)()
	s, stop := startTestServer(t, Options{})
	defer stop()
	tc := dialServer(t, s)
	defer tc.Close()

	tc.sendCommand("client-a", "get_status", "client-a:1", nil)
	msg, err := tc.readType(proto.TypeResponse, 2*time.Second)
	if err != nil {
		t.Fatalf("No response: %v", err)
	}
	var snap proto.StatusSnapshot
	if err := json.Unmarshal(msg.Result, &snap); err != nil {
		t.Fatalf("Unreadable status result: %v", err)
	}
	if snap.ServerID != s.ID() {
		t.Errorf("Expected server id %s, got %s", s.ID(), snap.ServerID)
	}
	if snap.APIVersion != proto.APIVersion {
		t.Errorf("Expected api version %s, got %s", proto.APIVersion, snap.APIVersion)
	}
	if snap.ConnectedClients != 1 {
		t.Errorf("Expected 1 connected client, got %d", snap.ConnectedClients)
	}
}

func TestServerEventRegistrationAndEmit(t *testing.T) {
	defer leaktest.Check(t)()
	s, stop := startTestServer(t, Options{})
	defer stop()
	tc := dialServer(t, s)
	defer tc.Close()

	tc.sendCommand("client-a", "register_event_callback", "client-a:1", proto.EventRegistration{EventType: "pattern_complete"})
	if _, err := tc.readType(proto.TypeResponse, 2*time.Second); err != nil {
		t.Fatalf("No registration response: %v", err)
	}

	s.Emit("pattern_complete", map[string]any{"pattern": "heartbeat"})
	msg, err := tc.readType(proto.TypeEvent, 2*time.Second)
	if err != nil {
		t.Fatalf("No event: %v", err)
	}
	if msg.EventType != "pattern_complete" {
		t.Errorf("Expected pattern_complete, got %s", msg.EventType)
	}
	if !strings.Contains(string(msg.Data), "heartbeat") {
		t.Errorf("Expected event data, got %s", msg.Data)
	}

	// After deregistration the event no longer reaches the client.
	tc.sendCommand("client-a", "unregister_event_callback", "client-a:2", proto.EventRegistration{EventType: "pattern_complete"})
	if _, err := tc.readType(proto.TypeResponse, 2*time.Second); err != nil {
		t.Fatalf("No deregistration response: %v", err)
	}
	s.Emit("pattern_complete", map[string]any{"pattern": "heartbeat"})
	if msg, err := tc.readType(proto.TypeEvent, 300*time.Millisecond); err == nil {
		t.Errorf("Expected no event after deregistration, got %+v", msg)
	}
}

func TestServerUnregisterNotRegistered(t *testing.T) {
	defer leaktest.Check(t)()
	s, stop := startTestServer(t, Options{})
	defer stop()
	tc := dialServer(t, s)
	defer tc.Close()

	tc.sendCommand("client-a", "unregister_event_callback", "client-a:1", proto.EventRegistration{EventType: "pattern_complete"})
	msg, err := tc.readType(proto.TypeResponse, 2*time.Second)
	if err != nil {
		t.Fatalf("No response: %v", err)
	}
	if !strings.Contains(string(msg.Result), `"success":false`) {
		t.Errorf("Expected failure marker in result, got %s", msg.Result)
	}
}

func TestServerMissingEventType(t *testing.T) {
	defer leaktest.Check(t)()
	s, stop := startTestServer(t, Options{})
	defer stop()
	tc := dialServer(t, s)
	defer tc.Close()

	tc.sendCommand("client-a", "register_event_callback", "client-a:1", map[string]any{})
	msg, err := tc.readType(proto.TypeError, 2*time.Second)
	if err != nil {
		t.Fatalf("No error response: %v", err)
	}
	if !strings.Contains(msg.Error, "event_type") {
		t.Errorf("Expected missing event_type error, got %q", msg.Error)
	}
}

func TestServerDiscoveryAnnounce(t *testing.T) {
	defer leaktest.Check(t)()
	s, stop := startTestServer(t, Options{})
	defer stop()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.DiscoveryAddr().Port}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(proto.DiscoveryRequest)); err != nil {
		t.Fatalf("Probe send failed: %v", err)
	}

	buf := make([]byte, proto.MaxDatagramSize)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("No announce: %v", err)
	}
	msg, err := proto.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Undecodable announce: %v", err)
	}
	if msg.Type != proto.TypeAnnounce {
		t.Errorf("Expected announce, got %s", msg.Type)
	}
	if msg.ServerID != s.ID() {
		t.Errorf("Expected server id %s, got %s", s.ID(), msg.ServerID)
	}
	if msg.APIPort != s.Addr().Port {
		t.Errorf("Expected api_port %d, got %d", s.Addr().Port, msg.APIPort)
	}
}

func TestServerDiscoveryIgnoresGarbage(t *testing.T) {
	defer leaktest.Check(t)()
	s, stop := startTestServer(t, Options{})
	defer stop()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.DiscoveryAddr().Port}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("definitely not the probe"))

	buf := make([]byte, proto.MaxDatagramSize)
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if n, err := conn.Read(buf); err == nil {
		t.Errorf("Expected no reply to garbage, got %s", buf[:n])
	}
}

func TestServerStatusBroadcast(t *testing.T) {
	defer leaktest.Check(t)()
	s, stop := startTestServer(t, Options{StatusInterval: 100 * time.Millisecond})
	defer stop()
	tc := dialServer(t, s)
	defer tc.Close()

	// Registering through any command subscribes the client to broadcasts.
	tc.sendCommand("client-a", "ping", "client-a:1", nil)
	if _, err := tc.readType(proto.TypeResponse, 2*time.Second); err != nil {
		t.Fatalf("No ping response: %v", err)
	}

	msg, err := tc.readType(proto.TypeStatusUpdate, 2*time.Second)
	if err != nil {
		t.Fatalf("No status broadcast: %v", err)
	}
	var snap proto.StatusSnapshot
	if err := json.Unmarshal(msg.Status, &snap); err != nil {
		t.Fatalf("Unreadable status payload: %v", err)
	}
	if snap.ServerID != s.ID() {
		t.Errorf("Expected server id %s, got %s", s.ID(), snap.ServerID)
	}
}

func TestServerEventSourceForwarding(t *testing.T) {
	defer leaktest.Check(t)()
	events := make(chan Event, 1)
	s, stop := startTestServer(t, Options{Source: eventChan(events)})
	defer stop()
	tc := dialServer(t, s)
	defer tc.Close()

	tc.sendCommand("client-a", "register_event_callback", "client-a:1", proto.EventRegistration{EventType: "pattern_error"})
	if _, err := tc.readType(proto.TypeResponse, 2*time.Second); err != nil {
		t.Fatalf("No registration response: %v", err)
	}

	events <- Event{Type: "pattern_error", Data: json.RawMessage(`{"reason":"overheat"}`)}
	msg, err := tc.readType(proto.TypeEvent, 2*time.Second)
	if err != nil {
		t.Fatalf("No forwarded event: %v", err)
	}
	if !strings.Contains(string(msg.Data), "overheat") {
		t.Errorf("Expected event data, got %s", msg.Data)
	}
}

func TestServerShutdownCommand(t *testing.T) {
	defer leaktest.Check(t)()
	s := New(Options{Port: -1, DiscoveryPort: -1})
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(context.Background())
	}()
	tc := dialServer(t, s)
	defer tc.Close()

	tc.sendCommand("client-a", "shutdown", "client-a:1", nil)
	if _, err := tc.readType(proto.TypeResponse, 2*time.Second); err != nil {
		t.Fatalf("No shutdown response: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Expected Serve to return after shutdown command")
	}
}

// eventChan adapts a plain channel to the EventSource interface.
type eventChan chan Event

func (c eventChan) Events() <-chan Event { return c }
