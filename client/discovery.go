package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/gohaptic/gohaptic/proto"
)

// ErrDiscoveryTimeout is reported when every probe attempt elapses
// without a valid announce. The state machine reacts by scheduling a
// retry; it never reaches callers as a thrown error.
var ErrDiscoveryTimeout = errors.New("discovery: no announce received")

// Announce describes a responder located by discovery.
type Announce struct {
	ServerID   string
	Endpoint   string // host:port of the command channel
	APIVersion string
}

// DiscoveryConfig controls the broadcast probe cycle.
type DiscoveryConfig struct {
	Port     int           // discovery port; defaults to proto.DiscoveryPort
	Attempts int           // probe attempts before giving up; defaults to 5
	Window   time.Duration // listen window per attempt; defaults to 1s
	Addrs    []string      // candidate probe addresses; nil enumerates local broadcast addresses
}

func (cfg DiscoveryConfig) withDefaults() DiscoveryConfig {
	if cfg.Port == 0 {
		cfg.Port = proto.DiscoveryPort
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 5
	}
	if cfg.Window == 0 {
		cfg.Window = time.Second
	}
	return cfg
}

// Discover broadcasts the probe sentinel and waits for the first
// well-formed announce. Each attempt re-broadcasts and then listens for
// the configured window; malformed replies are ignored and do not consume
// the attempt. The command endpoint host comes from the announce's source
// address, the port from the announce itself.
func Discover(ctx context.Context, cfg DiscoveryConfig) (*Announce, error) {
	cfg = cfg.withDefaults()

	targets := cfg.Addrs
	if targets == nil {
		targets = broadcastAddrs()
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("discovery: no candidate broadcast addresses")
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: open probe socket: %w", err)
	}
	defer conn.Close()

	probe := []byte(proto.DiscoveryRequest)
	buf := make([]byte, proto.MaxDatagramSize)

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for _, host := range targets {
			dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, fmt.Sprintf("%d", cfg.Port)))
			if err != nil {
				slog.Warn("Skipping bad discovery target", "addr", host, "error", err)
				continue
			}
			if _, err := conn.WriteToUDP(probe, dst); err != nil {
				slog.Debug("Discovery probe send failed", "addr", dst, "error", err)
			}
		}
		slog.Debug("Discovery probe sent", "attempt", attempt, "targets", len(targets))

		deadline := time.Now().Add(cfg.Window)
		conn.SetReadDeadline(deadline)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					break // window elapsed, re-broadcast
				}
				return nil, fmt.Errorf("discovery: read announce: %w", err)
			}
			ann, ok := parseAnnounce(buf[:n], src)
			if !ok {
				continue // keep listening inside the window
			}
			slog.Info("Discovered haptic server", "server_id", ann.ServerID, "endpoint", ann.Endpoint, "api_version", ann.APIVersion)
			return ann, nil
		}
	}
	return nil, ErrDiscoveryTimeout
}

func parseAnnounce(data []byte, src *net.UDPAddr) (*Announce, bool) {
	var msg proto.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("Ignoring malformed announce", "from", src, "error", err)
		return nil, false
	}
	if msg.Type != proto.TypeAnnounce || msg.APIPort <= 0 {
		slog.Debug("Ignoring non-announce reply", "from", src, "type", msg.Type)
		return nil, false
	}
	return &Announce{
		ServerID:   msg.ServerID,
		Endpoint:   net.JoinHostPort(src.IP.String(), fmt.Sprintf("%d", msg.APIPort)),
		APIVersion: msg.APIVersion,
	}, true
}

// broadcastAddrs enumerates the directed broadcast address of every up,
// non-loopback IPv4 interface, plus the limited broadcast address. Fixed
// private-range guesses do not survive contact with real subnets.
func broadcastAddrs() []string {
	out := []string{"255.255.255.255"}
	ifaces, err := net.Interfaces()
	if err != nil {
		slog.Warn("Could not enumerate interfaces, using limited broadcast only", "error", err)
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			bcast := make(net.IP, 4)
			for i := range bcast {
				bcast[i] = ip4[i] | ^ipnet.Mask[i]
			}
			out = append(out, bcast.String())
		}
	}
	return out
}

// MDNSService is the DNS-SD service type advertised by servers that enable
// mDNS registration.
const MDNSService = "_gohaptic._udp"

// DiscoverMDNS locates a server via mDNS instead of the broadcast probe.
// First valid entry wins, matching the broadcast tie-break.
func DiscoverMDNS(timeout time.Duration) (*Announce, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	entriesCh := make(chan *mdns.ServiceEntry, 4)
	go func() {
		defer close(entriesCh)
		mdns.Lookup(MDNSService, entriesCh)
	}()

	select {
	case entry := <-entriesCh:
		if entry == nil {
			return nil, fmt.Errorf("no %s service found", MDNSService)
		}
		var host string
		if entry.AddrV4 != nil {
			host = entry.AddrV4.String()
		} else if entry.AddrV6 != nil {
			host = entry.AddrV6.String()
		} else {
			return nil, fmt.Errorf("mDNS entry %q has no address", entry.Name)
		}
		ann := &Announce{
			ServerID: entry.Name,
			Endpoint: net.JoinHostPort(host, fmt.Sprintf("%d", entry.Port)),
		}
		slog.Info("Discovered haptic server via mDNS", "name", entry.Name, "endpoint", ann.Endpoint)
		return ann, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("mDNS discovery timeout for %s", MDNSService)
	}
}
