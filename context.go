package lwm2m

import (
	"go.uber.org/atomic"
)

// BufferSendCallback is the host's one transmit primitive (spec.md §6):
// send b to session. Returning a non-nil error aborts the current send
// path with a 5.00 response to the original requester, where applicable.
type BufferSendCallback func(session Session, b []byte, userData interface{}) error

// Context is the process-wide state for one engine instance: the peer
// table, the outstanding transaction table, the blockwise registry, the
// message-ID counter, and the host collaborators (send callback, clock,
// logger, token source). One Context exists per role per process.
type Context struct {
	Role PeerType // PeerClient if this process is the LwM2M client, PeerServer if the management server

	Log         Logger
	Clock       Clock
	Tokens      TokenSource
	Tunables    Tunables
	UserData    interface{}
	SendCallback BufferSendCallback

	mid atomic.Uint32

	peers    map[PeerID]*Peer
	nextPeer atomic.Uint32

	Transactions *TransactionTable
	Blockwise    *BlockwiseRegistry

	// ObserveCancel, if set, is invoked by the dispatcher for every inbound
	// RST, with its session and mID, so that the owning role
	// (lwm2m/clientrole or lwm2m/serverrole) can drop its subscription
	// bookkeeping without the core depending on that package. The hooks
	// both roles install drop every subscription held for that session;
	// they do not compare the mID against the notifications sent.
	ObserveCancel func(session Session, mID uint16)

	// ObserveNotify, if set, is invoked for an inbound response-class
	// message that didn't match any outstanding transaction. The second
	// and subsequent notifications of an RFC 7641 observation arrive this
	// way: the first is delivered through the originating transaction's
	// own callback, but that transaction is removed from the table once it
	// finishes, so a repeat notification (new mID, same token) has nothing
	// left to match against in TransactionTable.HandleResponse. The
	// dispatcher still ACKs the CON regardless of what this does.
	ObserveNotify func(session Session, msg *Message)
}

// Tunables mirrors spec.md §6's configuration constants. Zero-value fields
// fall back to the package defaults in constants.go via NewContext.
type Tunables struct {
	MaxChunkSize  uint16
	ResponseTimeoutMillis int64
	MaxRetransmit int
	MaxAgeSeconds int64
	TokenLen      int
}

// DefaultTunables returns the spec.md §6 defaults.
func DefaultTunables() Tunables {
	return Tunables{
		MaxChunkSize:          DefaultMaxChunkSize,
		ResponseTimeoutMillis: ResponseTimeout.Milliseconds(),
		MaxRetransmit:         MaxRetransmit,
		MaxAgeSeconds:         int64(DefaultMaxAge.Seconds()),
		TokenLen:              4,
	}
}

func (t Tunables) normalize() Tunables {
	d := DefaultTunables()
	if t.MaxChunkSize == 0 {
		t.MaxChunkSize = d.MaxChunkSize
	} else if !isValidBlockSize(t.MaxChunkSize) {
		// a deployment-supplied ceiling that isn't one of the seven legal
		// SZX sizes gets snapped down rather than producing a Block1/2
		// option szxFromSize can't faithfully encode.
		t.MaxChunkSize = largestBlockSizeAtMost(t.MaxChunkSize)
	}
	if t.ResponseTimeoutMillis == 0 {
		t.ResponseTimeoutMillis = d.ResponseTimeoutMillis
	}
	if t.MaxRetransmit == 0 {
		t.MaxRetransmit = d.MaxRetransmit
	}
	if t.MaxAgeSeconds == 0 {
		t.MaxAgeSeconds = d.MaxAgeSeconds
	}
	if t.TokenLen == 0 {
		t.TokenLen = d.TokenLen
	}
	return t
}

// NewContext creates a Context for the given role. send is required;
// clock, tokens and log default to SystemClock, NewRandomTokenSource and a
// silent (nil) logger unless opts override them.
func NewContext(role PeerType, send BufferSendCallback, opts ...ContextOption) *Context {
	ctx := &Context{
		Role:         role,
		SendCallback: send,
		Clock:        SystemClock{},
		Tokens:       NewRandomTokenSource(),
		Tunables:     DefaultTunables(),
		peers:        make(map[PeerID]*Peer),
	}
	for _, o := range opts {
		o(ctx)
	}
	ctx.Tunables = ctx.Tunables.normalize()
	ctx.Transactions = NewTransactionTable(ctx)
	ctx.Blockwise = NewBlockwiseRegistry(ctx.Clock)
	return ctx
}

// ContextOption configures a Context at construction time.
type ContextOption func(*Context)

// WithLogger sets the Context's Logger.
func WithLogger(l Logger) ContextOption { return func(c *Context) { c.Log = l } }

// WithClock overrides the Context's Clock (tests use this for FakeClock).
func WithClock(clk Clock) ContextOption { return func(c *Context) { c.Clock = clk } }

// WithTokenSource overrides the Context's TokenSource.
func WithTokenSource(t TokenSource) ContextOption { return func(c *Context) { c.Tokens = t } }

// WithTunables overrides the Context's Tunables.
func WithTunables(t Tunables) ContextOption { return func(c *Context) { c.Tunables = t } }

// WithUserData attaches opaque user data, passed through to
// BufferSendCallback.
func WithUserData(u interface{}) ContextOption { return func(c *Context) { c.UserData = u } }

// WithObserveCancel wires the hook the dispatcher calls when a RST cancels
// an active notification.
func WithObserveCancel(f func(session Session, mID uint16)) ContextOption {
	return func(c *Context) { c.ObserveCancel = f }
}

// WithObserveNotify wires the hook the dispatcher calls for a repeat
// notification that didn't match any outstanding transaction.
func WithObserveNotify(f func(session Session, msg *Message)) ContextOption {
	return func(c *Context) { c.ObserveNotify = f }
}

// NextMessageID returns the next 16-bit message ID, wrapping at 65536.
func (c *Context) NextMessageID() uint16 {
	return uint16(c.mid.Add(1))
}

// AddPeer registers a new peer and returns its ID.
func (c *Context) AddPeer(typ PeerType, session Session) *Peer {
	id := PeerID(c.nextPeer.Add(1))
	p := &Peer{ID: id, Type: typ, Session: session, Blocksize: c.Tunables.MaxChunkSize}
	c.peers[id] = p
	return p
}

// Peer resolves a PeerID to its current record, or nil if it has been
// forgotten (spec.md §9: treat absent peer as a late cancel).
func (c *Context) Peer(id PeerID) *Peer { return c.peers[id] }

// ForgetPeer removes a peer from the table (e.g. on deregistration).
func (c *Context) ForgetPeer(id PeerID) { delete(c.peers, id) }

// PeerBySession finds a peer by session key and type, or nil.
func (c *Context) PeerBySession(typ PeerType, session Session) *Peer {
	if session == nil {
		return nil
	}
	for _, p := range c.peers {
		if p.Type == typ && p.Session.Key() == session.Key() {
			return p
		}
	}
	return nil
}

// send hands bytes to the host callback, logging failures.
func (c *Context) send(session Session, b []byte) error {
	if c.SendCallback == nil {
		return nil
	}
	err := c.SendCallback(session, b, c.UserData)
	if err != nil {
		logf(c.Log, "lwm2m: send to %s failed: %v", session.Key(), err)
	}
	return err
}
