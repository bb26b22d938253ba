package lwm2m

// Session is the opaque peer handle the host supplies: equality is
// defined by Key(), per spec.md §6. Transport reference implementations
// (lwm2m/transport/udp, lwm2m/transport/dtls) key this off the remote
// address.
type Session interface {
	Key() string
}

// sessionKey is a string Session for tests and simple deployments.
type sessionKey string

// Key implements Session.
func (s sessionKey) Key() string { return string(s) }

// NewSession wraps an arbitrary string as a Session.
func NewSession(key string) Session { return sessionKey(key) }

// PeerType distinguishes which role's peer table a Peer belongs to: the
// server role tracks LwM2M clients, the client role tracks LwM2M servers.
type PeerType uint8

const (
	PeerUnknown PeerType = iota
	PeerClient
	PeerServer
)

// PeerID identifies a Peer, stable for its lifetime, used in place of the
// original's raw back-pointer (spec.md §9).
type PeerID uint32

// Peer is the minimal per-endpoint state the core needs: which session to
// send to, and the blocksize negotiated so far (spec.md §4.5's
// per-peer "last-adopted blocksize").
//
// Blocksize may only shrink over a dialog's lifetime, mirroring
// prv_adjust_blocksize's semantics exactly (spec.md §9): once a peer has
// advertised a smaller block size, the engine never re-expands it without
// a fresh explicit negotiation (there is none in this protocol).
type Peer struct {
	ID        PeerID
	Type      PeerType
	Session   Session
	Blocksize uint16
}

// adjustBlocksize implements prv_adjust_blocksize: if a block option was
// actually present on the wire (present=true), clamp the candidate size to
// at most both the configured ceiling and any previously adopted size, and
// remember it; otherwise fall back to whatever was last adopted (or the
// ceiling, if nothing was ever adopted).
func adjustBlocksize(peer *Peer, candidate uint16, present bool, ceiling uint16) uint16 {
	if present {
		if candidate > ceiling {
			candidate = ceiling
		}
		if peer != nil {
			if peer.Blocksize != 0 && candidate > peer.Blocksize {
				candidate = peer.Blocksize
			}
			peer.Blocksize = candidate
		}
		return candidate
	}
	if peer != nil && peer.Blocksize != 0 {
		return peer.Blocksize
	}
	return ceiling
}
