// Package clientrole implements the LwM2M client-role upward API
// (spec.md §6): endpoint lifecycle, device-management request handling
// backed by an objectstore.Store, and Observe notification delivery when a
// resource value changes.
package clientrole

import (
	"fmt"
	"sync"
	"time"

	"github.com/wakaama-go/lwm2m"
	"github.com/wakaama-go/lwm2m/objectstore"
)

// MonitoringEvent is passed to the callback registered via
// SetMonitoringCallback: registration success/failure, deregistration, and
// bootstrap events surface here rather than through the DM path.
type MonitoringEvent struct {
	Server lwm2m.PeerID
	Status lwm2m.Code
	Err    error
}

// Client is one running LwM2M client endpoint.
type Client struct {
	ctx        *lwm2m.Context
	dispatcher *lwm2m.Dispatcher
	store      objectstore.Store

	endpointName string
	monitorCb    func(MonitoringEvent)

	mu            sync.Mutex
	observeCount  uint32
	observations  []observation
	locationByURI map[string]string // server peer key -> registration location path
}

type observation struct {
	peer  *lwm2m.Peer
	token []byte
	uri   lwm2m.URI
}

// Init creates a client endpoint bound to store and ready to receive
// datagrams via HandlePacket. send is the host's transmit primitive
// (spec.md §6's bufferSendCallback); opts configures the underlying
// Context (clock, logger, tunables).
func Init(endpointName string, send lwm2m.BufferSendCallback, store objectstore.Store, opts ...lwm2m.ContextOption) *Client {
	ctx := lwm2m.NewContext(lwm2m.PeerClient, send, opts...)
	c := &Client{
		ctx:           ctx,
		store:         store,
		endpointName:  endpointName,
		locationByURI: make(map[string]string),
	}
	d := lwm2m.NewDispatcher(ctx)
	d.DM = c.handleDM
	c.dispatcher = d
	ctx.ObserveCancel = c.cancelObservation
	return c
}

// SetMonitoringCallback registers cb to receive registration/deregistration
// outcomes.
func (c *Client) SetMonitoringCallback(cb func(MonitoringEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitorCb = cb
}

// Close tears down the client: no further packets should be handed to
// HandlePacket afterward.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations = nil
}

// HandlePacket feeds one inbound datagram through the dispatcher.
func (c *Client) HandlePacket(buf []byte, session lwm2m.Session) error {
	return c.dispatcher.HandlePacket(buf, session)
}

// Step advances retransmission and blockwise eviction; see
// lwm2m.Dispatcher.Step.
func (c *Client) Step(now time.Time) time.Duration {
	return c.dispatcher.Step(now)
}

// Register sends a POST /rd registration request to server, carrying the
// endpoint name and lifetime as Uri-Query parameters. onResult is invoked
// with the server's response (2.01 Created on success).
func (c *Client) Register(server lwm2m.Session, lifetime int, onResult func(code lwm2m.Code, locationPath []string)) error {
	peer := c.ctx.PeerBySession(lwm2m.PeerServer, server)
	if peer == nil {
		peer = c.ctx.AddPeer(lwm2m.PeerServer, server)
	}
	req := lwm2m.NewMessage(lwm2m.CON, lwm2m.POST, c.ctx.NextMessageID())
	req.Token = c.ctx.Tokens.NextToken(c.ctx.Tunables.TokenLen)
	req.URIPath = []string{"rd"}
	req.URIQuery = []string{
		fmt.Sprintf("ep=%s", c.endpointName),
		fmt.Sprintf("lt=%d", lifetime),
	}
	uri := lwm2m.URI{Flag: lwm2m.FlagRegistration}
	tx, err := c.ctx.Transactions.New(peer, uri, lwm2m.POST, req)
	if err != nil {
		return err
	}
	tx.Callback = func(tx *lwm2m.Transaction, msg *lwm2m.Message) {
		if msg == nil {
			if onResult != nil {
				onResult(lwm2m.ServiceUnavailable, nil)
			}
			c.notifyMonitor(MonitoringEvent{Server: peer.ID, Status: lwm2m.ServiceUnavailable})
			return
		}
		if msg.Code == lwm2m.Created {
			c.mu.Lock()
			c.locationByURI[server.Key()] = lwm2m.JoinURIPath(msg.LocationPath)
			c.mu.Unlock()
		}
		if onResult != nil {
			onResult(msg.Code, msg.LocationPath)
		}
		c.notifyMonitor(MonitoringEvent{Server: peer.ID, Status: msg.Code})
	}
	c.ctx.Transactions.Add(tx)
	return c.ctx.Transactions.Send(tx)
}

func (c *Client) notifyMonitor(ev MonitoringEvent) {
	c.mu.Lock()
	cb := c.monitorCb
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// ResourceValueChanged triggers a notification to every server currently
// observing uri (spec.md §6). The Observe counter is the client-wide
// monotonic sequence number shared across all subscriptions and with the
// initial Observe responses handleGet sends.
func (c *Client) ResourceValueChanged(uri lwm2m.URI) {
	c.mu.Lock()
	c.observeCount++
	val := c.observeCount
	matches := make([]observation, 0, len(c.observations))
	for _, o := range c.observations {
		if uriMatch(o.uri, uri) {
			matches = append(matches, o)
		}
	}
	c.mu.Unlock()

	for _, o := range matches {
		code, payload, cf := c.store.Read(o.uri)
		notify := lwm2m.NewMessage(lwm2m.CON, code, c.ctx.NextMessageID())
		notify.Token = o.token
		notify.ContentFormat = cf
		notify.Payload = payload
		observeVal := val
		notify.Observe = &observeVal

		tx, err := c.ctx.Transactions.New(o.peer, o.uri, lwm2m.GET, notify)
		if err != nil {
			continue
		}
		c.ctx.Transactions.Add(tx)
		_ = c.ctx.Transactions.Send(tx)
	}
}

func (c *Client) cancelObservation(session lwm2m.Session, mID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.observations[:0]
	for _, o := range c.observations {
		if o.peer.Session.Key() == session.Key() {
			continue
		}
		kept = append(kept, o)
	}
	c.observations = kept
}

// uriMatch re-exposes the package-private matcher lwm2m.URI needs for
// notification fan-out; lwm2m doesn't export it since it's an internal
// primitive, so clientrole keeps its own prefix check using the exported
// accessors.
func uriMatch(a, b lwm2m.URI) bool {
	if a.HasObject() && (!b.HasObject() || a.ObjectID != b.ObjectID) {
		return false
	}
	if a.HasInstance() && (!b.HasInstance() || a.InstanceID != b.InstanceID) {
		return false
	}
	if a.HasResource() && (!b.HasResource() || a.ResourceID != b.ResourceID) {
		return false
	}
	return true
}

// handleDM implements spec.md §4.6 step 5c's DM routing table.
func (c *Client) handleDM(ctx *lwm2m.Context, peer *lwm2m.Peer, uri lwm2m.URI, req *lwm2m.Message) *lwm2m.Message {
	switch req.Code {
	case lwm2m.GET:
		return c.handleGet(peer, uri, req)
	case lwm2m.POST:
		return c.handlePost(uri, req)
	case lwm2m.PUT:
		return c.handlePut(uri, req)
	case lwm2m.DELETE:
		return c.handleDelete(uri)
	default:
		return &lwm2m.Message{Code: lwm2m.MethodNotAllowed}
	}
}

func (c *Client) handleGet(peer *lwm2m.Peer, uri lwm2m.URI, req *lwm2m.Message) *lwm2m.Message {
	code, payload, cf := c.store.Read(uri)
	resp := &lwm2m.Message{Code: code, Payload: payload, ContentFormat: cf}
	if req.Observe != nil && code.IsSuccess() {
		c.mu.Lock()
		c.observeCount++
		val := c.observeCount
		c.observations = append(c.observations, observation{peer: peer, token: req.Token, uri: uri})
		c.mu.Unlock()
		resp.Observe = &val
	}
	return resp
}

func (c *Client) handlePost(uri lwm2m.URI, req *lwm2m.Message) *lwm2m.Message {
	switch {
	case !uri.HasInstance():
		code, loc := c.store.Create(uri, req.Payload, req.ContentFormat)
		return &lwm2m.Message{Code: code, LocationPath: loc}
	case !uri.HasResource():
		if c.store.IsInstanceNew(uri) {
			code, loc := c.store.Create(uri, req.Payload, req.ContentFormat)
			return &lwm2m.Message{Code: code, LocationPath: loc}
		}
		return &lwm2m.Message{Code: c.store.Write(uri, req.Payload, req.ContentFormat)}
	default:
		return &lwm2m.Message{Code: c.store.Execute(uri, req.Payload)}
	}
}

func (c *Client) handlePut(uri lwm2m.URI, req *lwm2m.Message) *lwm2m.Message {
	if len(req.Payload) > 0 && uri.HasInstance() {
		return &lwm2m.Message{Code: c.store.Write(uri, req.Payload, req.ContentFormat)}
	}
	if len(req.Payload) == 0 && len(req.URIQuery) > 0 {
		return &lwm2m.Message{Code: c.store.Attribute(uri, req.URIQuery)}
	}
	return &lwm2m.Message{Code: lwm2m.BadRequest}
}

func (c *Client) handleDelete(uri lwm2m.URI) *lwm2m.Message {
	if !uri.HasInstance() || uri.HasResource() {
		return &lwm2m.Message{Code: lwm2m.BadRequest}
	}
	return &lwm2m.Message{Code: c.store.Delete(uri)}
}
