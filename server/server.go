package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"

	"github.com/gohaptic/gohaptic/proto"
)

// Options configures a Server. Zero values fall back to the protocol
// defaults.
type Options struct {
	// Command channel and discovery ports. Zero selects the well-known
	// protocol ports; negative binds an ephemeral port.
	Port          int
	DiscoveryPort int

	Executor Executor    // device operation collaborator; nil rejects non-builtin commands
	Source   EventSource // optional device event feed

	StatusInterval time.Duration // status_update broadcast period, defaults to 10s
	ClientExpiry   time.Duration // idle client eviction window, defaults to 60s

	EnableMDNS bool // advertise _gohaptic._udp alongside broadcast discovery
}

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = proto.DefaultServicePort
	}
	if o.DiscoveryPort == 0 {
		o.DiscoveryPort = proto.DiscoveryPort
	}
	if o.StatusInterval == 0 {
		o.StatusInterval = 10 * time.Second
	}
	if o.ClientExpiry == 0 {
		o.ClientExpiry = 60 * time.Second
	}
	return o
}

// DeviceReporter is implemented by executors that can snapshot device
// connectivity for get_status and status_update messages.
type DeviceReporter interface {
	DeviceStatus() json.RawMessage
}

// Server is the UDP responder: it answers discovery probes, executes
// client commands through the device executor, pushes periodic status
// updates, and forwards device events to registered clients.
type Server struct {
	opts    Options
	id      string
	started time.Time

	registry *ClientRegistry
	events   *EventRegistry
	metrics  *Metrics

	conn *net.UDPConn // command socket
	disc *net.UDPConn // discovery socket

	active atomic.Int64 // commands currently executing

	stopOnce sync.Once
	stopCh   chan struct{}

	feedMu sync.Mutex
	feed   map[chan Event]struct{}
}

func New(opts Options) *Server {
	return &Server{
		opts:     opts.withDefaults(),
		id:       uuid.NewString(),
		registry: NewClientRegistry(),
		events:   NewEventRegistry(),
		metrics:  NewMetrics(),
		stopCh:   make(chan struct{}),
		feed:     make(map[chan Event]struct{}),
	}
}

// ID returns the server instance id included in discovery announces.
func (s *Server) ID() string { return s.id }

// Registry exposes the client table, for the web dashboard and MCP tools.
func (s *Server) Registry() *ClientRegistry { return s.registry }

// Metrics exposes the traffic counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Addr returns the bound command socket address; valid after Listen.
func (s *Server) Addr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

// DiscoveryAddr returns the bound discovery socket address.
func (s *Server) DiscoveryAddr() *net.UDPAddr { return s.disc.LocalAddr().(*net.UDPAddr) }

// Listen binds the command and discovery sockets. Call before Serve.
func (s *Server) Listen() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: max(s.opts.Port, 0)})
	if err != nil {
		return fmt.Errorf("bind command socket: %w", err)
	}
	disc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: max(s.opts.DiscoveryPort, 0)})
	if err != nil {
		conn.Close()
		return fmt.Errorf("bind discovery socket: %w", err)
	}
	s.conn = conn
	s.disc = disc
	slog.Info("Haptic server listening", "id", s.id, "addr", conn.LocalAddr(), "discovery", disc.LocalAddr())
	return nil
}

// Serve runs the server until ctx is cancelled or a shutdown command
// arrives. Listen must have succeeded first.
func (s *Server) Serve(ctx context.Context) error {
	s.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var adv *mdnsAdvert
	if s.opts.EnableMDNS {
		a, err := advertiseMDNS(s.id, s.Addr().Port)
		if err != nil {
			slog.Warn("mDNS advertisement failed, continuing with broadcast discovery only", "error", err)
		} else {
			adv = a
		}
	}

	g := taskgroup.New(nil)
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		}
		// Unblock the readers.
		s.conn.Close()
		s.disc.Close()
		if adv != nil {
			adv.Close()
		}
		return nil
	})
	g.Go(func() error { s.commandLoop(ctx, g); return nil })
	g.Go(func() error { s.discoveryLoop(ctx); return nil })
	g.Go(func() error { s.statusLoop(ctx); return nil })
	if s.opts.Source != nil {
		g.Go(func() error { s.sourceLoop(ctx); return nil })
	}

	g.Wait()
	slog.Info("Haptic server stopped", "id", s.id)
	return nil
}

// RequestStop initiates shutdown, used by the shutdown command.
func (s *Server) RequestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Server) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// --- socket loops ---

func (s *Server) commandLoop(ctx context.Context, g *taskgroup.Group) {
	buf := make([]byte, proto.MaxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || s.stopping() {
				return
			}
			slog.Warn("Command socket read failed", "error", err)
			return
		}
		s.metrics.DatagramsReceived.Inc()

		msg, err := proto.Decode(buf[:n])
		if err != nil {
			s.metrics.DecodeFailures.Inc()
			slog.Warn("Dropping undecodable datagram", "from", addr, "error", err)
			continue
		}
		if msg.Type != proto.TypeCommand {
			slog.Warn("Ignoring non-command datagram on command socket", "from", addr, "type", msg.Type)
			continue
		}

		clientID := msg.ClientID
		if clientID == "" {
			clientID = addr.String()
		}
		if s.registry.Touch(clientID, addr) {
			slog.Info("New client", "client_id", clientID, "addr", addr)
		}
		slog.Debug("Command received", "command", msg.Command, "command_id", msg.CommandID, "client_id", clientID)

		// Execute off the read loop so a slow device operation cannot
		// stall the socket.
		m := msg
		a := cloneAddr(addr)
		g.Go(func() error { s.processCommand(ctx, m, clientID, a); return nil })
	}
}

func (s *Server) discoveryLoop(ctx context.Context) {
	buf := make([]byte, proto.MaxDatagramSize)
	for {
		n, addr, err := s.disc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || s.stopping() {
				return
			}
			slog.Warn("Discovery socket read failed", "error", err)
			return
		}
		if string(buf[:n]) != proto.DiscoveryRequest {
			slog.Debug("Ignoring non-probe datagram on discovery socket", "from", addr)
			continue
		}
		announce := proto.Message{
			Type:       proto.TypeAnnounce,
			ServerID:   s.id,
			APIPort:    s.Addr().Port,
			APIVersion: proto.APIVersion,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}
		data, err := proto.Encode(announce)
		if err != nil {
			slog.Error("Could not encode announce", "error", err)
			continue
		}
		if _, err := s.disc.WriteToUDP(data, addr); err != nil {
			slog.Warn("Announce send failed", "to", addr, "error", err)
			continue
		}
		slog.Info("Answered discovery probe", "from", addr)
	}
}

func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			for _, id := range s.registry.Prune(s.opts.ClientExpiry) {
				s.events.UnregisterAll(id)
				slog.Info("Pruned idle client", "client_id", id)
			}
			clients := s.registry.List()
			if len(clients) == 0 {
				continue
			}
			status, err := json.Marshal(s.statusSnapshot())
			if err != nil {
				slog.Error("Could not marshal status snapshot", "error", err)
				continue
			}
			update := proto.Message{
				Type:      proto.TypeStatusUpdate,
				Status:    status,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}
			for _, entry := range clients {
				s.sendMessage(entry.Addr, update)
			}
			slog.Debug("Status update broadcast", "clients", len(clients))
		}
	}
}

func (s *Server) sourceLoop(ctx context.Context) {
	events := s.opts.Source.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.forward(ev)
		}
	}
}

// --- command processing ---

func (s *Server) processCommand(ctx context.Context, msg proto.Message, clientID string, addr *net.UDPAddr) {
	s.active.Add(1)
	defer s.active.Add(-1)
	s.metrics.Commands.WithLabelValues(msg.Command).Inc()

	switch msg.Command {
	case "ping":
		s.handlePing(msg, addr)
	case "get_status":
		s.handleGetStatus(msg, addr)
	case "register_event_callback":
		s.handleRegisterEvent(msg, clientID, addr)
	case "unregister_event_callback":
		s.handleUnregisterEvent(msg, clientID, addr)
	case "shutdown":
		s.handleShutdown(msg, clientID, addr)
	default:
		if s.opts.Executor == nil {
			s.sendError(addr, msg.CommandID, unknownCommand(msg.Command).Error())
			return
		}
		result, err := s.opts.Executor.Execute(ctx, msg.Command, msg.Params)
		if err != nil {
			slog.Warn("Device operation failed", "command", msg.Command, "command_id", msg.CommandID, "error", err)
			s.sendError(addr, msg.CommandID, err.Error())
			return
		}
		s.sendResponse(addr, msg.CommandID, result)
	}
}

func (s *Server) handlePing(msg proto.Message, addr *net.UDPAddr) {
	var params struct {
		Message string `json:"message"`
	}
	if len(msg.Params) > 0 {
		json.Unmarshal(msg.Params, &params)
	}
	s.sendResponse(addr, msg.CommandID, mustMarshal(map[string]any{
		"success": true,
		"message": "pong",
		"echo":    params.Message,
	}))
}

func (s *Server) handleGetStatus(msg proto.Message, addr *net.UDPAddr) {
	s.sendResponse(addr, msg.CommandID, mustMarshal(s.statusSnapshot()))
}

func (s *Server) handleRegisterEvent(msg proto.Message, clientID string, addr *net.UDPAddr) {
	var reg proto.EventRegistration
	if err := json.Unmarshal(msg.Params, &reg); err != nil || reg.EventType == "" {
		s.sendError(addr, msg.CommandID, "missing event_type parameter")
		return
	}
	s.events.Register(reg.EventType, clientID)
	slog.Info("Event callback registered", "client_id", clientID, "event_type", reg.EventType)
	s.sendResponse(addr, msg.CommandID, mustMarshal(map[string]any{
		"success":    true,
		"event_type": reg.EventType,
	}))
}

func (s *Server) handleUnregisterEvent(msg proto.Message, clientID string, addr *net.UDPAddr) {
	var reg proto.EventRegistration
	if err := json.Unmarshal(msg.Params, &reg); err != nil || reg.EventType == "" {
		s.sendError(addr, msg.CommandID, "missing event_type parameter")
		return
	}
	if !s.events.Unregister(reg.EventType, clientID) {
		s.sendResponse(addr, msg.CommandID, mustMarshal(map[string]any{
			"success": false,
			"error":   fmt.Sprintf("not registered for %s events", reg.EventType),
		}))
		return
	}
	slog.Info("Event callback unregistered", "client_id", clientID, "event_type", reg.EventType)
	s.sendResponse(addr, msg.CommandID, mustMarshal(map[string]any{
		"success":    true,
		"event_type": reg.EventType,
	}))
}

func (s *Server) handleShutdown(msg proto.Message, clientID string, addr *net.UDPAddr) {
	slog.Info("Shutdown requested", "client_id", clientID)
	s.sendResponse(addr, msg.CommandID, mustMarshal(map[string]any{
		"success": true,
		"message": "server is shutting down",
	}))
	s.RequestStop()
}

// --- outbound ---

func (s *Server) sendResponse(addr *net.UDPAddr, commandID string, result json.RawMessage) {
	s.sendMessage(addr, proto.Message{
		Type:      proto.TypeResponse,
		CommandID: commandID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Result:    result,
	})
}

func (s *Server) sendError(addr *net.UDPAddr, commandID, text string) {
	s.sendMessage(addr, proto.Message{
		Type:      proto.TypeError,
		CommandID: commandID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Error:     text,
	})
}

func (s *Server) sendMessage(addr *net.UDPAddr, msg proto.Message) {
	data, err := proto.Encode(msg)
	if err != nil {
		slog.Error("Could not encode outbound message", "type", msg.Type, "error", err)
		return
	}
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		slog.Warn("Send failed", "to", addr, "type", msg.Type, "error", err)
		return
	}
	s.metrics.DatagramsSent.Inc()
}

// Emit publishes a device event to every client registered for its type.
// In-process event producers use this directly; external ones go through
// an EventSource.
func (s *Server) Emit(eventType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Error("Could not marshal event data", "event_type", eventType, "error", err)
		return
	}
	s.forward(Event{Type: eventType, Data: raw})
}

func (s *Server) forward(ev Event) {
	msg := proto.Message{
		Type:      proto.TypeEvent,
		EventType: ev.Type,
		Data:      ev.Data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	for _, id := range s.events.ClientsFor(ev.Type) {
		entry, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		s.sendMessage(entry.Addr, msg)
		s.metrics.EventsForwarded.Inc()
	}
	s.publish(ev)
}

// --- event feed for in-process observers (web dashboard) ---

// ObserveEvents returns a channel receiving every forwarded event plus a
// cancel func. Slow observers miss events rather than blocking forwarding.
func (s *Server) ObserveEvents() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	s.feedMu.Lock()
	s.feed[ch] = struct{}{}
	s.feedMu.Unlock()
	return ch, func() {
		s.feedMu.Lock()
		delete(s.feed, ch)
		s.feedMu.Unlock()
	}
}

func (s *Server) publish(ev Event) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	for ch := range s.feed {
		select {
		case ch <- ev:
		default:
		}
	}
}

// --- status ---

func (s *Server) statusSnapshot() proto.StatusSnapshot {
	snap := proto.StatusSnapshot{
		ServerID:         s.id,
		APIVersion:       proto.APIVersion,
		UptimeSeconds:    time.Since(s.started).Seconds(),
		ConnectedClients: s.registry.Len(),
		ActiveCommands:   int(s.active.Load()),
	}
	if rep, ok := s.opts.Executor.(DeviceReporter); ok {
		snap.Devices = rep.DeviceStatus()
	}
	return snap
}

// StatusSnapshot exposes the current status for the web dashboard.
func (s *Server) StatusSnapshot() proto.StatusSnapshot { return s.statusSnapshot() }

func cloneAddr(addr *net.UDPAddr) *net.UDPAddr {
	ip := make(net.IP, len(addr.IP))
	copy(ip, addr.IP)
	return &net.UDPAddr{IP: ip, Port: addr.Port, Zone: addr.Zone}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("marshal error: " + err.Error())
	}
	return data
}
