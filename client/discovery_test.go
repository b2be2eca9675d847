package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/gohaptic/gohaptic/proto"
)

// fakeResponder answers discovery probes on a loopback port.
type fakeResponder struct {
	conn    *net.UDPConn
	replies [][]byte // sent in order for each probe received

	mu     sync.Mutex
	probes int
}

func newFakeResponder(t *testing.T, replies ...[]byte) *fakeResponder {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to bind responder: %v", err)
	}
	fr := &fakeResponder{conn: conn, replies: replies}
	go fr.loop()
	return fr
}

func (fr *fakeResponder) Close() { fr.conn.Close() }

func (fr *fakeResponder) probeCount() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.probes
}

func (fr *fakeResponder) port() int {
	return fr.conn.LocalAddr().(*net.UDPAddr).Port
}

func (fr *fakeResponder) loop() {
	buf := make([]byte, proto.MaxDatagramSize)
	for {
		n, addr, err := fr.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if string(buf[:n]) != proto.DiscoveryRequest {
			continue
		}
		fr.mu.Lock()
		fr.probes++
		fr.mu.Unlock()
		for _, reply := range fr.replies {
			fr.conn.WriteToUDP(reply, addr)
		}
	}
}

func announceJSON(serverID string, apiPort int) []byte {
	return []byte(`{"type":"` + proto.TypeAnnounce + `","server_id":"` + serverID + `","api_port":` + strconv.Itoa(apiPort) + `,"api_version":"1.0.0"}`)
}

func TestDiscoverFindsServer(t *testing.T) {
	defer leaktest.Check(t)()
	fr := newFakeResponder(t, announceJSON("srv-1", 4242))
	defer fr.Close()

	ann, err := Discover(context.Background(), DiscoveryConfig{
		Port:     fr.port(),
		Addrs:    []string{"127.0.0.1"},
		Window:   500 * time.Millisecond,
		Attempts: 2,
	})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if ann.ServerID != "srv-1" {
		t.Errorf("Expected server id srv-1, got %s", ann.ServerID)
	}
	// Host from the announce's source, port from the announce payload.
	if !strings.HasPrefix(ann.Endpoint, "127.0.0.1:4242") {
		t.Errorf("Expected endpoint 127.0.0.1:4242, got %s", ann.Endpoint)
	}
	if ann.APIVersion != "1.0.0" {
		t.Errorf("Expected api version 1.0.0, got %s", ann.APIVersion)
	}
}

func TestDiscoverSkipsMalformedAnnounce(t *testing.T) {
	defer leaktest.Check(t)()
	fr := newFakeResponder(t,
		[]byte("garbage"),
		[]byte(`{"type":"command"}`),
		announceJSON("srv-2", 5151),
	)
	defer fr.Close()

	ann, err := Discover(context.Background(), DiscoveryConfig{
		Port:     fr.port(),
		Addrs:    []string{"127.0.0.1"},
		Window:   500 * time.Millisecond,
		Attempts: 2,
	})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if ann.ServerID != "srv-2" {
		t.Errorf("Expected the valid announce to win, got %s", ann.ServerID)
	}
}

func TestDiscoverExhaustsAttempts(t *testing.T) {
	defer leaktest.Check(t)()
	// A bound socket that never answers.
	fr := newFakeResponder(t)
	defer fr.Close()

	start := time.Now()
	_, err := Discover(context.Background(), DiscoveryConfig{
		Port:     fr.port(),
		Addrs:    []string{"127.0.0.1"},
		Window:   50 * time.Millisecond,
		Attempts: 3,
	})
	if !errors.Is(err, ErrDiscoveryTimeout) {
		t.Fatalf("Expected ErrDiscoveryTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Expected all attempt windows to elapse, took %s", elapsed)
	}
}

func TestClientRetriesDiscoveryAfterExhaustion(t *testing.T) {
	defer leaktest.Check(t)()
	// Bound but silent: every discovery round runs out of attempts.
	fr := newFakeResponder(t)
	defer fr.Close()

	c := NewClient(Options{
		Discovery: DiscoveryConfig{
			Port:     fr.port(),
			Addrs:    []string{"127.0.0.1"},
			Attempts: 2,
			Window:   50 * time.Millisecond,
		},
		RetryInterval: 100 * time.Millisecond,
	})
	defer c.Disconnect()
	c.Connect()

	// First round sends 2 probes; a further probe proves the retry timer
	// restarted discovery after the attempts ran out.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && fr.probeCount() < 3 {
		time.Sleep(10 * time.Millisecond)
	}
	if n := fr.probeCount(); n < 3 {
		t.Fatalf("Expected discovery to retry after exhaustion, saw %d probes", n)
	}
	if st := c.State(); st == Connected {
		t.Errorf("Expected client to stay unconnected, got %s", st)
	}
}

func TestDiscoverHonorsContext(t *testing.T) {
	defer leaktest.Check(t)()
	fr := newFakeResponder(t)
	defer fr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Discover(ctx, DiscoveryConfig{
		Port:  fr.port(),
		Addrs: []string{"127.0.0.1"},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}
