// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serverrole implements the LwM2M server-role upward API: the
// registration table fed by POST/PUT/DELETE /rd, and the
// Read/Write/Execute/Create/Delete/Observe downward operations a management
// application issues against a registered client.
package serverrole

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wakaama-go/lwm2m"
)

// RegistrationEvent is delivered to the callback set via
// SetRegistrationCallback whenever a client registers, refreshes, or
// deregisters.
type RegistrationEvent struct {
	Location     string
	EndpointName string
	Peer         lwm2m.PeerID
	Kind         RegistrationKind
}

// RegistrationKind distinguishes the three /rd operations.
type RegistrationKind uint8

const (
	Registered RegistrationKind = iota
	Updated
	Deregistered
)

// registration is one client's bookkeeping row, keyed by the Location-Path
// handed back from the initial POST /rd.
type registration struct {
	location     string
	endpointName string
	lifetime     int
	objectLinks  []string
	peer         lwm2m.PeerID
	lastRefresh  time.Time
}

// Server is one running LwM2M server-role endpoint.
type Server struct {
	ctx        *lwm2m.Context
	dispatcher *lwm2m.Dispatcher

	mu            sync.Mutex
	registrations map[string]*registration // location -> registration
	nextLocation  int

	// The entry in the list of observers is keyed by the client endpoint
	// and the token specified by the client in the request. If an entry
	// with a matching endpoint/token pair is already present (e.g. the
	// server reinforces its interest in a resource) the existing entry is
	// replaced rather than duplicated, per RFC 7641 §4.1.
	obsMu         sync.Mutex
	subscriptions map[string]*subscription // regID -> subscription

	regCb func(RegistrationEvent)
}

type subscription struct {
	peer lwm2m.PeerID
	uri  lwm2m.URI
	tx   *lwm2m.Transaction
}

// Init creates a server-role endpoint.
func Init(send lwm2m.BufferSendCallback, opts ...lwm2m.ContextOption) *Server {
	ctx := lwm2m.NewContext(lwm2m.PeerServer, send, opts...)
	s := &Server{
		ctx:           ctx,
		registrations: make(map[string]*registration),
		subscriptions: make(map[string]*subscription),
	}
	d := lwm2m.NewDispatcher(ctx)
	d.Registration = s.handleRegistration
	s.dispatcher = d
	ctx.ObserveCancel = s.cancelSubscriptionBySession
	ctx.ObserveNotify = s.deliverNotification
	return s
}

// SetRegistrationCallback registers cb to receive registration lifecycle
// events.
func (s *Server) SetRegistrationCallback(cb func(RegistrationEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regCb = cb
}

func (s *Server) notifyRegistration(ev RegistrationEvent) {
	s.mu.Lock()
	cb := s.regCb
	s.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Close tears down the server: no further packets should be handed to
// HandlePacket afterward.
func (s *Server) Close() {
	s.mu.Lock()
	s.registrations = make(map[string]*registration)
	s.mu.Unlock()
	s.obsMu.Lock()
	s.subscriptions = make(map[string]*subscription)
	s.obsMu.Unlock()
}

// HandlePacket feeds one inbound datagram through the dispatcher.
func (s *Server) HandlePacket(buf []byte, session lwm2m.Session) error {
	return s.dispatcher.HandlePacket(buf, session)
}

// Step advances retransmission and blockwise eviction.
func (s *Server) Step(now time.Time) time.Duration {
	return s.dispatcher.Step(now)
}

// Registrations returns a snapshot of every currently registered client,
// keyed by Location-Path.
func (s *Server) Registrations() map[string]RegistrationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RegistrationEvent, len(s.registrations))
	for loc, r := range s.registrations {
		out[loc] = RegistrationEvent{Location: loc, EndpointName: r.endpointName, Peer: r.peer, Kind: Registered}
	}
	return out
}

// handleRegistration implements the POST/PUT/DELETE /rd family (spec.md
// §5): POST registers a new endpoint and allocates a Location-Path; PUT to
// an existing location refreshes its lifetime; DELETE removes it.
func (s *Server) handleRegistration(ctx *lwm2m.Context, peer *lwm2m.Peer, uri lwm2m.URI, req *lwm2m.Message) *lwm2m.Message {
	switch req.Code {
	case lwm2m.POST:
		return s.register(peer, req)
	case lwm2m.PUT:
		return s.update(peer, req)
	case lwm2m.DELETE:
		return s.deregister(req)
	default:
		return &lwm2m.Message{Code: lwm2m.MethodNotAllowed}
	}
}

func (s *Server) register(peer *lwm2m.Peer, req *lwm2m.Message) *lwm2m.Message {
	ep, lifetime, err := parseRegistrationQuery(req.URIQuery)
	if err != nil || ep == "" {
		return &lwm2m.Message{Code: lwm2m.BadRequest}
	}

	s.mu.Lock()
	s.nextLocation++
	location := strconv.Itoa(s.nextLocation)
	s.registrations[location] = &registration{
		location:     location,
		endpointName: ep,
		lifetime:     lifetime,
		objectLinks:  splitObjectLinks(req.Payload),
		peer:         peer.ID,
		lastRefresh:  s.ctx.Clock.Now(),
	}
	s.mu.Unlock()

	s.notifyRegistration(RegistrationEvent{Location: location, EndpointName: ep, Peer: peer.ID, Kind: Registered})
	return &lwm2m.Message{Code: lwm2m.Created, LocationPath: []string{"rd", location}}
}

func (s *Server) update(peer *lwm2m.Peer, req *lwm2m.Message) *lwm2m.Message {
	location := registrationLocation(req.URIPath)
	if location == "" {
		return &lwm2m.Message{Code: lwm2m.BadRequest}
	}
	s.mu.Lock()
	r, ok := s.registrations[location]
	if !ok {
		s.mu.Unlock()
		return &lwm2m.Message{Code: lwm2m.NotFound}
	}
	if _, lifetime, err := parseRegistrationQuery(req.URIQuery); err == nil && lifetime > 0 {
		r.lifetime = lifetime
	}
	if len(req.Payload) > 0 {
		r.objectLinks = splitObjectLinks(req.Payload)
	}
	r.lastRefresh = s.ctx.Clock.Now()
	ep := r.endpointName
	s.mu.Unlock()

	s.notifyRegistration(RegistrationEvent{Location: location, EndpointName: ep, Peer: peer.ID, Kind: Updated})
	return &lwm2m.Message{Code: lwm2m.Changed}
}

func (s *Server) deregister(req *lwm2m.Message) *lwm2m.Message {
	location := registrationLocation(req.URIPath)
	if location == "" {
		return &lwm2m.Message{Code: lwm2m.BadRequest}
	}
	s.mu.Lock()
	r, ok := s.registrations[location]
	if ok {
		delete(s.registrations, location)
	}
	s.mu.Unlock()
	if !ok {
		return &lwm2m.Message{Code: lwm2m.NotFound}
	}
	s.notifyRegistration(RegistrationEvent{Location: location, EndpointName: r.endpointName, Peer: r.peer, Kind: Deregistered})
	return &lwm2m.Message{Code: lwm2m.Deleted}
}

func parseRegistrationQuery(query []string) (endpoint string, lifetime int, err error) {
	lifetime = 86400 // LwM2M default lifetime, seconds
	for _, q := range query {
		kv := strings.SplitN(q, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "ep":
			endpoint = kv[1]
		case "lt":
			v, convErr := strconv.Atoi(kv[1])
			if convErr != nil {
				return "", 0, convErr
			}
			lifetime = v
		}
	}
	return endpoint, lifetime, nil
}

func splitObjectLinks(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}
	parts := strings.Split(string(payload), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func registrationLocation(path []string) string {
	if len(path) != 2 || path[0] != "rd" {
		return ""
	}
	return path[1]
}

// Read issues a GET against uri on the client identified by peerID.
// onResult is invoked with the response once it arrives, or with a nil
// message if the request is abandoned (spec.md §9).
func (s *Server) Read(peerID lwm2m.PeerID, uri lwm2m.URI, onResult func(msg *lwm2m.Message)) error {
	return s.sendDM(peerID, uri, lwm2m.GET, nil, nil, onResult)
}

// Write issues a PUT carrying payload.
func (s *Server) Write(peerID lwm2m.PeerID, uri lwm2m.URI, payload []byte, cf *lwm2m.MediaType, onResult func(msg *lwm2m.Message)) error {
	return s.sendDM(peerID, uri, lwm2m.PUT, payload, cf, onResult)
}

// Execute issues a POST to a resource with the given arguments.
func (s *Server) Execute(peerID lwm2m.PeerID, uri lwm2m.URI, args []byte, onResult func(msg *lwm2m.Message)) error {
	return s.sendDM(peerID, uri, lwm2m.POST, args, nil, onResult)
}

// Create issues a POST to an object or instance to create a new instance.
func (s *Server) Create(peerID lwm2m.PeerID, uri lwm2m.URI, payload []byte, cf *lwm2m.MediaType, onResult func(msg *lwm2m.Message)) error {
	return s.sendDM(peerID, uri, lwm2m.POST, payload, cf, onResult)
}

// Delete issues a DELETE against an instance.
func (s *Server) Delete(peerID lwm2m.PeerID, uri lwm2m.URI, onResult func(msg *lwm2m.Message)) error {
	return s.sendDM(peerID, uri, lwm2m.DELETE, nil, nil, onResult)
}

// Attribute issues a PUT with Uri-Query but no payload, writing
// notification attributes (pmin/pmax/gt/lt/step).
func (s *Server) Attribute(peerID lwm2m.PeerID, uri lwm2m.URI, query []string, onResult func(msg *lwm2m.Message)) error {
	ctx := s.ctx
	peer := ctx.Peer(peerID)
	if peer == nil {
		return fmt.Errorf("lwm2m/serverrole: unknown peer %d", peerID)
	}
	req := lwm2m.NewMessage(lwm2m.CON, lwm2m.PUT, ctx.NextMessageID())
	req.Token = ctx.Tokens.NextToken(ctx.Tunables.TokenLen)
	req.URIPath = uri.PathSegments()
	req.URIQuery = query
	return s.dispatch(peer, uri, lwm2m.PUT, req, onResult)
}

func (s *Server) sendDM(peerID lwm2m.PeerID, uri lwm2m.URI, method lwm2m.Code, payload []byte, cf *lwm2m.MediaType, onResult func(msg *lwm2m.Message)) error {
	ctx := s.ctx
	peer := ctx.Peer(peerID)
	if peer == nil {
		return fmt.Errorf("lwm2m/serverrole: unknown peer %d", peerID)
	}
	req := lwm2m.NewMessage(lwm2m.CON, method, ctx.NextMessageID())
	req.Token = ctx.Tokens.NextToken(ctx.Tunables.TokenLen)
	req.URIPath = uri.PathSegments()
	req.Payload = payload
	req.ContentFormat = cf
	return s.dispatch(peer, uri, method, req, onResult)
}

func (s *Server) dispatch(peer *lwm2m.Peer, uri lwm2m.URI, method lwm2m.Code, req *lwm2m.Message, onResult func(msg *lwm2m.Message)) error {
	ctx := s.ctx
	tx, err := ctx.Transactions.New(peer, uri, method, req)
	if err != nil {
		return err
	}
	tx.Callback = func(tx *lwm2m.Transaction, msg *lwm2m.Message) {
		if onResult != nil {
			onResult(msg)
		}
	}
	ctx.Transactions.Add(tx)
	return ctx.Transactions.Send(tx)
}

// Observe registers interest in uri on the given client by sending a GET
// with the Observe option set to 0, per RFC 7641 §3.1. onNotify is invoked
// for every subsequent notification, including the initial response.
func (s *Server) Observe(peerID lwm2m.PeerID, uri lwm2m.URI, onNotify func(msg *lwm2m.Message)) error {
	ctx := s.ctx
	peer := ctx.Peer(peerID)
	if peer == nil {
		return fmt.Errorf("lwm2m/serverrole: unknown peer %d", peerID)
	}
	req := lwm2m.NewMessage(lwm2m.CON, lwm2m.GET, ctx.NextMessageID())
	req.Token = ctx.Tokens.NextToken(ctx.Tunables.TokenLen)
	req.URIPath = uri.PathSegments()
	observeVal := uint32(0)
	req.Observe = &observeVal

	regID := subscriptionKey(peer.Session, req.Token)
	tx, err := ctx.Transactions.New(peer, uri, lwm2m.GET, req)
	if err != nil {
		return err
	}
	tx.Callback = func(tx *lwm2m.Transaction, msg *lwm2m.Message) {
		if onNotify != nil {
			onNotify(msg)
		}
	}
	s.addSubscription(regID, &subscription{peer: peer.ID, uri: uri, tx: tx})
	ctx.Transactions.Add(tx)
	return ctx.Transactions.Send(tx)
}

// ObserveCancel forgets a subscription on this side only; nothing is sent
// to the client. Later notifications for it match no subscription and are
// dropped, but a CON notification is still answered with an empty ACK, not
// an RST, so the client keeps its observation.
func (s *Server) ObserveCancel(peerID lwm2m.PeerID, uri lwm2m.URI) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	for regID, sub := range s.subscriptions {
		if sub.peer == peerID && sub.uri == uri {
			delete(s.subscriptions, regID)
		}
	}
}

func (s *Server) addSubscription(regID string, sub *subscription) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	// A matching endpoint/token pair already present is replaced rather
	// than duplicated, per RFC 7641 §4.1.
	s.subscriptions[regID] = sub
}

func (s *Server) cancelSubscriptionBySession(session lwm2m.Session, mID uint16) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	for regID, sub := range s.subscriptions {
		peer := s.ctx.Peer(sub.peer)
		if peer != nil && peer.Session.Key() == session.Key() {
			delete(s.subscriptions, regID)
		}
	}
}

// subscriptionKey keys a subscription by client session and token, mirroring
// RFC 7641 §4.1's "endpoint/token pair" identity. A notification carries no
// Uri-Path (CoAP responses never do), so the session/token pair — not the
// observed URI — is the only thing an inbound notification can be matched
// against.
func subscriptionKey(session lwm2m.Session, token []byte) string {
	key := ""
	if session != nil {
		key = session.Key()
	}
	return fmt.Sprintf("%s@%x", key, token)
}

// deliverNotification re-dispatches a response-class message that didn't
// match any outstanding transaction to the subscription its session/token
// pair identifies. This is how the second and subsequent notifications of an
// observation reach the caller's onNotify: the first rode in on the
// transaction HandleResponse matched and finished (which removed it from the
// table), so every later notification has nothing left to match there.
func (s *Server) deliverNotification(session lwm2m.Session, msg *lwm2m.Message) {
	regID := subscriptionKey(session, msg.Token)
	s.obsMu.Lock()
	sub, ok := s.subscriptions[regID]
	s.obsMu.Unlock()
	if !ok || sub.tx.Callback == nil {
		return
	}
	sub.tx.Callback(sub.tx, msg)
}
