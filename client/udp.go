package client

import (
	"fmt"
	"net"
	"time"

	"github.com/gohaptic/gohaptic/proto"
)

// Transport carries encoded protocol messages to and from the service
// endpoint, one message per datagram.
type Transport interface {
	Connect(addr string) error
	Send(msg proto.Message) error
	Read() (proto.Message, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// UDPTransport is the production transport: a connected UDP socket to the
// discovered (or directly supplied) service endpoint.
type UDPTransport struct {
	conn *net.UDPConn
}

func NewUDPTransport() *UDPTransport {
	return &UDPTransport{}
}

func (t *UDPTransport) Connect(addr string) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve endpoint %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial %q: %w", addr, err)
	}
	t.conn = conn
	return nil
}

func (t *UDPTransport) Send(msg proto.Message) error {
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	_, err = t.conn.Write(data)
	return err
}

// Read blocks until a datagram arrives or the read deadline passes.
// Undecodable datagrams surface as *proto.DecodeError so the receive loop
// can skip them; every other error is a transport error.
func (t *UDPTransport) Read() (proto.Message, error) {
	buf := make([]byte, proto.MaxDatagramSize)
	n, err := t.conn.Read(buf)
	if err != nil {
		return proto.Message{}, err
	}
	return proto.Decode(buf[:n])
}

func (t *UDPTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *UDPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
