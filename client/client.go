package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gohaptic/gohaptic/proto"
)

// Options configures a Client. The zero value is usable: broadcast
// discovery on the well-known port, default probe and retry intervals.
type Options struct {
	Name      string // stable identity prefix, defaults to "client"
	Endpoint  string // direct host:port; skips discovery when set
	Discovery DiscoveryConfig

	ProbeInterval  time.Duration // liveness check interval, defaults to 5s
	RetryInterval  time.Duration // delay before a reconnect attempt, defaults to 5s
	ConnectTimeout time.Duration // wait for the connect probe reply, defaults to ProbeInterval
	QueueSize      int           // dispatch queue capacity

	Transport func() Transport // socket factory, defaults to NewUDPTransport

	// Lifecycle notifications and status forwarding. All three run on the
	// dispatch queue, like continuations and event handlers.
	OnConnect    func()
	OnDisconnect func()
	OnStatus     func(proto.StatusSnapshot)
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "client"
	}
	if o.ProbeInterval == 0 {
		o.ProbeInterval = 5 * time.Second
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = o.ProbeInterval
	}
	if o.Transport == nil {
		o.Transport = func() Transport { return NewUDPTransport() }
	}
	return o
}

// Client drives a remote haptic service over UDP: discovery, correlated
// request/response, server-pushed events, and liveness with automatic
// reconnect. Create one per process, Connect it, and Pump its dispatch
// queue from the foreground loop.
type Client struct {
	identity string
	opts     Options
	seq      atomic.Uint64

	queue   *DispatchQueue
	tracker *CommandTracker
	events  *EventDispatcher

	mu            sync.Mutex
	state         ConnectionState
	sess          *session
	endpoint      string
	retryTimer    *time.Timer
	connectTimer  *time.Timer
	discCancel    context.CancelFunc
	closed        bool
	lastSeen      time.Time
	awaitingProbe bool
	probeSent     time.Time
}

// session owns one connection attempt: the socket and the goroutines bound
// to it. Replaced wholesale on reconnect.
type session struct {
	endpoint  string
	transport Transport
	stop      chan struct{}
	stopOnce  sync.Once
}

func (s *session) close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.transport.Close()
	})
}

func (s *session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		identity: opts.Name + "-" + uuid.NewString(),
		opts:     opts,
		queue:    NewDispatchQueue(opts.QueueSize),
		tracker:  NewCommandTracker(),
		events:   NewEventDispatcher(),
		state:    Disconnected,
	}
}

// Identity returns the client identity included in every outgoing command.
func (c *Client) Identity() string { return c.identity }

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Endpoint returns the current service endpoint, or "" when none is set.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Pending reports the number of commands awaiting a response.
func (c *Client) Pending() int { return c.tracker.Len() }

// Pump runs queued continuations, event handlers, and notifications on the
// calling goroutine. Call it from the foreground loop.
func (c *Client) Pump() int { return c.queue.Pump() }

// Run pumps the dispatch queue until ctx is cancelled.
func (c *Client) Run(ctx context.Context) { c.queue.Run(ctx) }

// Connect starts the connection state machine: discovery (unless a direct
// endpoint was configured), then a liveness probe, then Connected. It does
// not block; observe progress through OnConnect/OnDisconnect.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		slog.Warn("Connect ignored, already active", "state", c.state.String())
		return
	}
	c.closed = false
	c.state = Discovering
	c.mu.Unlock()
	go c.establish()
}

// Disconnect forces Disconnected from any state, cancels discovery and the
// background reader, suppresses the scheduled retry, and discards all
// pending commands without invoking their continuations.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	if c.discCancel != nil {
		c.discCancel()
		c.discCancel = nil
	}
	s := c.sess
	c.sess = nil
	wasConnected := c.state == Connected
	c.state = Disconnected
	c.mu.Unlock()

	if s != nil {
		s.close()
	}
	if n := c.tracker.DiscardAll(); n > 0 {
		slog.Debug("Discarded pending commands on disconnect", "count", n)
	}
	if wasConnected && c.opts.OnDisconnect != nil {
		c.queue.Dispatch(c.opts.OnDisconnect)
	}
	slog.Info("Disconnected", "identity", c.identity)
}

// Send issues a command to the service. The continuation, if supplied, is
// registered before the datagram leaves and runs exactly once on the
// dispatch queue with the normalized result, or never if the reply is lost
// or the connection drops. Returns the correlation id, or "" when the
// command was rejected locally.
func (c *Client) Send(command string, params any, fn ResultFunc) string {
	c.mu.Lock()
	s := c.sess
	st := c.state
	c.mu.Unlock()
	if s == nil || (st != Connected && st != Connecting) {
		slog.Warn("Dropping command, not connected", "command", command, "state", st.String())
		return ""
	}
	return c.sendOn(s, command, params, fn, false)
}

// Subscribe registers a handler for a server-pushed event type, replacing
// any prior handler. While connected it also registers the callback with
// the server so events of that type start flowing.
func (c *Client) Subscribe(eventType string, h EventHandler) {
	c.events.set(eventType, h)
	if c.State() == Connected {
		c.Send("register_event_callback", proto.EventRegistration{EventType: eventType}, nil)
	}
}

// Unsubscribe removes the handler for an event type and, while connected,
// deregisters it with the server. Events that slip in before the server
// processes the deregistration are ignored silently.
func (c *Client) Unsubscribe(eventType string) {
	c.events.remove(eventType)
	if c.State() == Connected {
		c.Send("unregister_event_callback", proto.EventRegistration{EventType: eventType}, nil)
	}
}

func (c *Client) nextCommandID() string {
	return c.identity + ":" + strconv.FormatUint(c.seq.Add(1), 10)
}

// --- connection establishment ---

func (c *Client) establish() {
	endpoint := c.opts.Endpoint
	if endpoint == "" {
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			cancel()
			return
		}
		c.state = Discovering
		c.discCancel = cancel
		c.mu.Unlock()

		ann, err := Discover(ctx, c.opts.Discovery)
		cancel()

		c.mu.Lock()
		c.discCancel = nil
		if c.closed {
			c.mu.Unlock()
			return
		}
		if err != nil {
			c.state = Disconnected
			c.scheduleRetryLocked()
			c.mu.Unlock()
			slog.Warn("Discovery failed, retry scheduled", "error", err)
			return
		}
		c.mu.Unlock()
		endpoint = ann.Endpoint
	}
	c.connectTo(endpoint)
}

func (c *Client) connectTo(endpoint string) {
	tr := c.opts.Transport()
	if err := tr.Connect(endpoint); err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.scheduleRetryLocked()
		c.mu.Unlock()
		slog.Warn("Connect failed, retry scheduled", "endpoint", endpoint, "error", err)
		return
	}

	s := &session{endpoint: endpoint, transport: tr, stop: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.close()
		return
	}
	c.sess = s
	c.endpoint = endpoint
	c.state = Connecting
	c.awaitingProbe = false
	c.mu.Unlock()

	go c.readLoop(s)

	// Confirm liveness before reporting Connected.
	id := c.sendOn(s, "ping", nil, func(proto.Result) { c.connectProbeOK(s) }, true)
	if id == "" {
		c.dropSession(s, "connect probe send failed")
		return
	}
	// The probe reply may already have landed; only arm the timeout while
	// this attempt is still open.
	c.mu.Lock()
	if c.sess == s && c.state == Connecting {
		c.connectTimer = time.AfterFunc(c.opts.ConnectTimeout, func() {
			c.mu.Lock()
			stale := c.sess != s || c.state != Connecting
			c.mu.Unlock()
			if !stale {
				c.tracker.Discard(id)
				c.dropSession(s, "connect probe timed out")
			}
		})
	}
	c.mu.Unlock()
}

func (c *Client) connectProbeOK(s *session) {
	c.mu.Lock()
	if c.sess != s || c.state != Connecting {
		c.mu.Unlock()
		return
	}
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	c.state = Connected
	c.lastSeen = time.Now()
	c.mu.Unlock()

	slog.Info("Connected", "endpoint", s.endpoint, "identity", c.identity)
	if c.opts.OnConnect != nil {
		c.queue.Dispatch(c.opts.OnConnect)
	}
	// Re-register event callbacks from before the reconnect.
	for _, et := range c.events.types() {
		c.sendOn(s, "register_event_callback", proto.EventRegistration{EventType: et}, nil, false)
	}
	go c.probeLoop(s)
}

func (c *Client) scheduleRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(c.opts.RetryInterval, func() {
		c.mu.Lock()
		if c.closed || c.state != Disconnected {
			c.mu.Unlock()
			return
		}
		c.state = Discovering
		c.mu.Unlock()
		c.establish()
	})
}

// dropSession tears down a session after a fatal transport error or a
// failed liveness check. Pending continuations are discarded, never
// invoked. Stale sessions (already replaced) are ignored.
func (c *Client) dropSession(s *session, reason string) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	wasConnected := c.state == Connected
	c.state = Disconnected
	c.awaitingProbe = false
	if !c.closed {
		c.scheduleRetryLocked()
	}
	c.mu.Unlock()

	s.close()
	n := c.tracker.DiscardAll()
	slog.Warn("Connection lost", "reason", reason, "endpoint", s.endpoint, "discarded_commands", n)
	if wasConnected && c.opts.OnDisconnect != nil {
		c.queue.Dispatch(c.opts.OnDisconnect)
	}
}

// --- background loops ---

// readLoop is the single background reader for a session. It never blocks
// the foreground: malformed datagrams are logged and skipped, transient
// timeouts poll the stop channel, and only a fatal transport error ends
// the loop (restart is the retry policy's job, not ours).
func (c *Client) readLoop(s *session) {
	for {
		if s.stopped() {
			return
		}
		s.transport.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		msg, err := s.transport.Read()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			var de *proto.DecodeError
			if errors.As(err, &de) {
				slog.Warn("Dropping undecodable datagram", "error", de)
				continue
			}
			if s.stopped() {
				return
			}
			c.dropSession(s, "transport error: "+err.Error())
			return
		}
		c.handleMessage(s, msg)
	}
}

func (c *Client) handleMessage(s *session, msg proto.Message) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.lastSeen = time.Now()
	c.mu.Unlock()

	switch msg.Type {
	case proto.TypeResponse, proto.TypeError:
		pc, ok := c.tracker.Resolve(msg.CommandID)
		if !ok {
			// Expected after a reconnect that discarded pending state.
			slog.Warn("Dropping reply with unknown correlation id", "type", msg.Type, "command_id", msg.CommandID)
			return
		}
		if pc.fn == nil {
			return
		}
		var res proto.Result
		if msg.Type == proto.TypeError {
			res = proto.ResultFromError(msg)
		} else {
			res = proto.ResultFromResponse(msg)
		}
		if pc.inline {
			pc.fn(res)
		} else {
			fn := pc.fn
			c.queue.Dispatch(func() { fn(res) })
		}

	case proto.TypeStatusUpdate:
		var snap proto.StatusSnapshot
		if len(msg.Status) > 0 {
			if err := json.Unmarshal(msg.Status, &snap); err != nil {
				slog.Warn("Dropping status update with bad payload", "error", err)
				return
			}
		}
		if fn := c.opts.OnStatus; fn != nil {
			c.queue.Dispatch(func() { fn(snap) })
		}

	case proto.TypeEvent:
		h, ok := c.events.get(msg.EventType)
		if !ok {
			// Can race a recent unsubscription; not an error.
			slog.Debug("No handler for event", "event_type", msg.EventType)
			return
		}
		data := msg.Data
		c.queue.Dispatch(func() { h(data) })

	case proto.TypeAnnounce:
		slog.Debug("Ignoring announce outside discovery round")

	default:
		slog.Warn("Unhandled message type", "type", msg.Type)
	}
}

// probeLoop checks liveness while Connected. A probe is only issued when
// nothing has been heard for a full interval. An unanswered probe drops
// the session at the next tick unless other traffic arrived in the
// meantime; any datagram from the server proves it is alive, even when
// the probe reply itself was lost.
func (c *Client) probeLoop(s *session) {
	ticker := time.NewTicker(c.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.sess != s || c.state != Connected {
				c.mu.Unlock()
				return
			}
			if c.awaitingProbe {
				if !c.lastSeen.After(c.probeSent) {
					c.mu.Unlock()
					c.dropSession(s, "liveness probe timed out")
					return
				}
				c.awaitingProbe = false
			}
			if time.Since(c.lastSeen) < c.opts.ProbeInterval {
				c.mu.Unlock()
				continue
			}
			c.awaitingProbe = true
			c.probeSent = time.Now()
			c.mu.Unlock()
			c.sendOn(s, "ping", nil, func(proto.Result) {
				c.mu.Lock()
				c.awaitingProbe = false
				c.mu.Unlock()
			}, true)
		}
	}
}

func (c *Client) sendOn(s *session, command string, params any, fn ResultFunc, inline bool) string {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			slog.Warn("Dropping command, unmarshalable params", "command", command, "error", err)
			return ""
		}
		raw = data
	}
	id := c.nextCommandID()
	msg := proto.Message{
		Type:      proto.TypeCommand,
		Command:   command,
		CommandID: id,
		ClientID:  c.identity,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Params:    raw,
	}
	if fn != nil {
		c.tracker.register(id, command, fn, inline)
	}
	if err := s.transport.Send(msg); err != nil {
		c.tracker.Discard(id)
		slog.Warn("Command send failed", "command", command, "command_id", id, "error", err)
		return ""
	}
	slog.Debug("Command sent", "command", command, "command_id", id)
	return id
}
