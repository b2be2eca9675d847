package server

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/mdns"

	"github.com/gohaptic/gohaptic/proto"
)

// MDNSService is the mDNS service type advertised when EnableMDNS is set.
// Clients on networks that filter UDP broadcast can find the server here
// instead of through the probe/announce exchange.
const MDNSService = "_gohaptic._udp"

type mdnsAdvert struct {
	srv *mdns.Server
}

func advertiseMDNS(serverID string, port int) (*mdnsAdvert, error) {
	info := []string{
		"server_id=" + serverID,
		"api_version=" + proto.APIVersion,
	}
	service, err := mdns.NewMDNSService("gohaptic-"+serverID[:8], MDNSService, "", "", port, nil, info)
	if err != nil {
		return nil, fmt.Errorf("mDNS service: %w", err)
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("mDNS server: %w", err)
	}
	slog.Info("Advertising over mDNS", "service", MDNSService, "port", port)
	return &mdnsAdvert{srv: srv}, nil
}

func (a *mdnsAdvert) Close() {
	if err := a.srv.Shutdown(); err != nil {
		slog.Warn("mDNS shutdown failed", "error", err)
	}
}
