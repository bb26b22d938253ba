// Package dtls is a reference DTLS transport for the engine, backed by
// pion/dtls/v2. It plays the same role as lwm2m/transport/udp but adds the
// handshake and record security RFC 7252's "coaps://" scheme assumes;
// wiring it is optional — any BufferSendCallback works — but a client or
// server deployed against the public Internet should use this rather than
// lwm2m/transport/udp.
package dtls

import (
	"context"
	"fmt"
	"net"
	"sync"

	piondtls "github.com/pion/dtls/v2"

	"github.com/wakaama-go/lwm2m"
)

// Engine is the subset of clientrole.Client / serverrole.Server this
// transport drives.
type Engine interface {
	HandlePacket(buf []byte, session lwm2m.Session) error
}

// connSession adapts a net.Conn (one DTLS association) to lwm2m.Session.
type connSession struct {
	conn net.Conn
}

func (s connSession) Key() string { return s.conn.RemoteAddr().String() }

// Transport is a DTLS server: it accepts associations and dispatches every
// record's payload to Engine.HandlePacket.
type Transport struct {
	listener net.Listener
	log      lwm2m.Logger

	mu    sync.Mutex
	conns map[string]net.Conn
}

// Listen opens a DTLS listener on addr using cfg (certificates, cipher
// suites, etc — see pion/dtls/v2's Config).
func Listen(addr string, cfg *piondtls.Config, log lwm2m.Logger) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("lwm2m/transport/dtls: resolve %s: %w", addr, err)
	}
	l, err := piondtls.Listen("udp", udpAddr, cfg)
	if err != nil {
		return nil, fmt.Errorf("lwm2m/transport/dtls: listen %s: %w", addr, err)
	}
	return &Transport{listener: l, log: log, conns: make(map[string]net.Conn)}, nil
}

// LocalAddr returns the listener's bound address.
func (t *Transport) LocalAddr() net.Addr { return t.listener.Addr() }

// Close closes the listener and every accepted association.
func (t *Transport) Close() error {
	t.mu.Lock()
	for _, c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()
	return t.listener.Close()
}

// Send implements lwm2m.BufferSendCallback.
func (t *Transport) Send(session lwm2m.Session, b []byte, userData interface{}) error {
	t.mu.Lock()
	conn, ok := t.conns[session.Key()]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("lwm2m/transport/dtls: unknown session %s", session.Key())
	}
	_, err := conn.Write(b)
	return err
}

// Serve accepts DTLS associations until the listener is closed, handshaking
// each one and reading records in its own goroutine.
func (t *Transport) Serve(engine Engine) error {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.conns[conn.RemoteAddr().String()] = conn
		t.mu.Unlock()
		go t.serveConn(conn, engine)
	}
}

func (t *Transport) serveConn(conn net.Conn, engine Engine) {
	session := connSession{conn: conn}
	buf := make([]byte, 2048)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if t.log != nil {
				t.log.Printf("lwm2m/transport/dtls: %s disconnected: %v", session.Key(), err)
			}
			t.mu.Lock()
			delete(t.conns, session.Key())
			t.mu.Unlock()
			return
		}
		datagram := append([]byte(nil), buf[:n]...)
		if err := engine.HandlePacket(datagram, session); err != nil && t.log != nil {
			t.log.Printf("lwm2m/transport/dtls: handling datagram from %s: %v", session.Key(), err)
		}
	}
}

// Dial opens a client-side DTLS association to addr, suitable for a
// client-role engine talking to a bootstrap or management server.
func Dial(ctx context.Context, addr string, cfg *piondtls.Config) (net.Conn, lwm2m.Session, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("lwm2m/transport/dtls: resolve %s: %w", addr, err)
	}
	conn, err := piondtls.DialWithContext(ctx, "udp", udpAddr, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("lwm2m/transport/dtls: dial %s: %w", addr, err)
	}
	return conn, connSession{conn: conn}, nil
}
