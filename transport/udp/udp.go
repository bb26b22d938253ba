// Package udp is a reference net.PacketConn transport binding the engine's
// BufferSendCallback and inbound-datagram loop to a real UDP socket. No
// third-party library in the reference corpus provides a raw UDP datagram
// socket (transport security is pion/dtls/v2's job, see lwm2m/transport/
// dtls); this layer is necessarily net.PacketConn from the standard
// library.
package udp

import (
	"fmt"
	"net"
	"sync"

	"github.com/wakaama-go/lwm2m"
)

// Engine is the subset of clientrole.Client / serverrole.Server this
// transport drives.
type Engine interface {
	HandlePacket(buf []byte, session lwm2m.Session) error
}

// addrSession adapts a net.Addr to lwm2m.Session, keyed by its string form.
type addrSession struct {
	addr net.Addr
}

func (s addrSession) Key() string { return s.addr.String() }

// Transport owns a UDP socket and feeds every inbound datagram to Engine.
type Transport struct {
	conn net.PacketConn
	log  lwm2m.Logger

	mu       sync.Mutex
	sessions map[string]net.Addr
}

// Listen opens a UDP socket on addr (e.g. ":5683") and returns a Transport
// ready to have its Send method wired into lwm2m.NewContext and its Serve
// loop started.
func Listen(addr string, log lwm2m.Logger) (*Transport, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("lwm2m/transport/udp: listen %s: %w", addr, err)
	}
	return &Transport{conn: conn, log: log, sessions: make(map[string]net.Addr)}, nil
}

// LocalAddr returns the socket's bound address.
func (t *Transport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Close closes the underlying socket.
func (t *Transport) Close() error { return t.conn.Close() }

// SessionFor resolves or creates a Session for a peer address, useful when
// a role's Register/Observe call needs a Session before any datagram has
// arrived from that peer (e.g. a server-role engine dialing a client it
// already knows the address of out of band).
func (t *Transport) SessionFor(addr net.Addr) lwm2m.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[addr.String()] = addr
	return addrSession{addr: addr}
}

// Send implements lwm2m.BufferSendCallback.
func (t *Transport) Send(session lwm2m.Session, b []byte, userData interface{}) error {
	t.mu.Lock()
	addr, ok := t.sessions[session.Key()]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("lwm2m/transport/udp: unknown session %s", session.Key())
	}
	_, err := t.conn.WriteTo(b, addr)
	return err
}

// Serve reads datagrams in a loop until the socket is closed, handing each
// one to engine.HandlePacket. It returns the read error that ended the loop
// (typically from the socket being closed); it never returns nil.
func (t *Transport) Serve(engine Engine) error {
	buf := make([]byte, 2048)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		session := t.SessionFor(addr)
		datagram := append([]byte(nil), buf[:n]...)
		if err := engine.HandlePacket(datagram, session); err != nil && t.log != nil {
			t.log.Printf("lwm2m/transport/udp: handling datagram from %s: %v", session.Key(), err)
		}
	}
}
