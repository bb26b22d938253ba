package lwm2m

import "time"

// Handler produces a response to a decoded request. req.Payload has already
// had any Block1 reassembly applied (and will be restored by the caller
// afterward); the returned Message's Code, ContentFormat, Payload, ETag,
// Observe and LocationPath fields are copied onto the outbound response.
// A nil Handler (DM or Registration unset on the Dispatcher) answers
// 5.01 Not Implemented, matching the engine's Bootstrap stub.
type Handler func(ctx *Context, peer *Peer, uri URI, req *Message) *Message

// Dispatcher is the top-level handle_packet pipeline (spec.md §4.6): parse,
// classify, route to a role handler, compose the response, and drive the
// blockwise state machines on both the request and response side. DM
// requests route to the client role's object store; Registration requests
// route to the server role's client table; Bootstrap is out of scope and
// always answers 5.01.
type Dispatcher struct {
	ctx          *Context
	DM           Handler
	Registration Handler
}

// NewDispatcher binds a Dispatcher to ctx.
func NewDispatcher(ctx *Context) *Dispatcher {
	return &Dispatcher{ctx: ctx}
}

// peerType returns the PeerType of the *other* side: a client-role context
// tracks the servers it talks to and vice versa.
func (d *Dispatcher) peerType() PeerType {
	if d.ctx.Role == PeerClient {
		return PeerServer
	}
	return PeerClient
}

// resolvePeer finds or lazily creates the Peer record for session.
func (d *Dispatcher) resolvePeer(session Session) *Peer {
	typ := d.peerType()
	if p := d.ctx.PeerBySession(typ, session); p != nil {
		return p
	}
	return d.ctx.AddPeer(typ, session)
}

// HandlePacket decodes one inbound datagram and carries it all the way
// through to a sent response (for requests) or transaction/observation
// bookkeeping (for ACK/RST/separate-response messages).
func (d *Dispatcher) HandlePacket(buf []byte, session Session) error {
	ctx := d.ctx
	msg, err := Parse(buf)
	if err != nil {
		return d.sendParseError(buf, session)
	}

	peer := d.resolvePeer(session)

	if msg.Code.IsRequest() {
		return d.handleRequestMessage(peer, msg, session)
	}

	matched := ctx.Transactions.HandleResponse(session, msg)
	if !matched && ctx.ObserveNotify != nil {
		ctx.ObserveNotify(session, msg)
	}

	switch msg.Type {
	case RST:
		if ctx.ObserveCancel != nil {
			ctx.ObserveCancel(session, msg.MessageID)
		}
	case CON:
		// a separate (non-piggybacked) response still needs its own ACK.
		ack := NewMessage(ACK, CodeEmpty, msg.MessageID)
		buf, err := Serialize(ack)
		if err != nil {
			return err
		}
		return ctx.send(session, buf)
	}
	return nil
}

// sendParseError answers an unparseable datagram with an ACK carrying
// 4.00 Bad Request and the datagram's mID, per spec.md §4.6 step 1; the
// reply is always of type ACK. Datagrams too short to
// contain even a header are silently dropped: there is nothing to
// correlate a reply against.
func (d *Dispatcher) sendParseError(buf []byte, session Session) error {
	if len(buf) < 4 {
		return nil
	}
	mid := uint16(buf[2])<<8 | uint16(buf[3])
	resp := NewMessage(ACK, BadRequest, mid)
	out, err := Serialize(resp)
	if err != nil {
		return err
	}
	return d.ctx.send(session, out)
}

func (d *Dispatcher) handleRequestMessage(peer *Peer, req *Message, session Session) error {
	ctx := d.ctx
	var resp *Message
	if req.Type == CON {
		resp = NewMessage(ACK, CodeEmpty, req.MessageID)
	} else {
		resp = NewMessage(NON, CodeEmpty, ctx.NextMessageID())
	}
	resp.Token = req.Token

	d.handleRequest(peer, req, resp, session)

	out, err := Serialize(resp)
	if err != nil {
		return err
	}
	return ctx.send(session, out)
}

// handleRequest implements spec.md §4.6 step 5: Block1 reassembly, Block2
// cache short-circuit, routing, and Block2 installation on the way out.
func (d *Dispatcher) handleRequest(peer *Peer, req *Message, resp *Message, session Session) {
	uri, err := DecodeURI(req.URIPath)
	if err != nil {
		resp.Code = BadRequest
		return
	}

	originalPayload := req.Payload
	defer func() { req.Payload = originalPayload }()

	if !d.reassembleBlock1(peer, session, uri, req, resp) {
		return
	}

	if cached := d.serveBlock2Cache(uri, req); cached != nil {
		copyResponse(resp, cached)
		return
	}

	handlerResp := d.route(peer, uri, req)
	copyResponse(resp, handlerResp)

	d.installBlock2(req, resp, uri)
}

func copyResponse(dst, src *Message) {
	dst.Code = src.Code
	dst.ContentFormat = src.ContentFormat
	dst.Payload = src.Payload
	dst.LocationPath = src.LocationPath
	dst.Observe = src.Observe
	dst.ETag = src.ETag
}

func (d *Dispatcher) route(peer *Peer, uri URI, req *Message) *Message {
	switch uri.Type() {
	case FlagDM:
		if d.DM == nil {
			return errorResponse(NotImplemented)
		}
		return d.DM(d.ctx, peer, uri, req)
	case FlagBootstrap:
		return errorResponse(NotImplemented)
	case FlagRegistration:
		if d.Registration == nil {
			return errorResponse(NotImplemented)
		}
		return d.Registration(d.ctx, peer, uri, req)
	default:
		return errorResponse(BadRequest)
	}
}

func errorResponse(code Code) *Message {
	return &Message{Code: code}
}

// reassembleBlock1 implements the responder side of §4.5's Block1 state
// machine. It returns false when the caller should stop (an intermediate
// 2.31 Continue went out, or an error response was composed) and true when
// req.Payload now holds the full body (possibly unchanged, if there was no
// Block1 option at all) and routing should proceed.
func (d *Dispatcher) reassembleBlock1(peer *Peer, session Session, uri URI, req *Message, resp *Message) bool {
	if req.Block1 == nil {
		return true
	}
	ctx := d.ctx
	size := req.Block1.Size
	if ceiling := ctx.Tunables.MaxChunkSize; size > ceiling {
		size = ceiling
	}
	offset := int(req.Block1.Offset())

	entry := ctx.Blockwise.Get(session, req.Code, uri)
	if entry == nil {
		if offset != 0 {
			resp.Code = EntityIncomplete
			return false
		}
		var sizeHint uint32
		if req.Size1 != nil {
			sizeHint = *req.Size1
		}
		e, err := ctx.Blockwise.New(session, req.Code, uri, req.Payload, true, sizeHint, nil)
		if err != nil {
			resp.Code = InternalServerError
			return false
		}
		entry = e
	} else if err := ctx.Blockwise.Append(entry, offset, req.Payload); err != nil {
		ctx.Blockwise.Remove(session, req.Code, uri)
		resp.Code = codeForBlockwiseError(err)
		return false
	}

	if req.Block1.More {
		resp.Code = Continue
		resp.Block1 = &BlockOption{Num: req.Block1.Num, More: true, Size: size}
		return false
	}

	req.Payload = append([]byte(nil), entry.Buffer.Bytes()...)
	ctx.Blockwise.Remove(session, req.Code, uri)
	resp.Block1 = &BlockOption{Num: req.Block1.Num, More: false, Size: size}
	return true
}

func codeForBlockwiseError(err error) Code {
	switch err {
	case ErrEntityIncomplete:
		return EntityIncomplete
	case ErrEntityTooLarge:
		return EntityTooLarge
	default:
		return InternalServerError
	}
}

// serveBlock2Cache implements §4.6 step 5b: a Block2 request for a URI
// already being served from the response cache is answered without
// re-running the handler. Observe-register GETs never consult the cache,
// since their first response is freshly computed and its Observe value
// must come from the handler.
func (d *Dispatcher) serveBlock2Cache(uri URI, req *Message) *Message {
	if req.Block2 == nil || req.Observe != nil {
		return nil
	}
	entry := d.ctx.Blockwise.Get(nil, CodeEmpty, uri)
	if entry == nil {
		return nil
	}
	return sliceBlock2Response(entry, req.Block2.Size, req.Block2.Num)
}

// sliceBlock2Response carves out one segment of a cached response entry.
// The entry is left in the registry regardless of whether this was the
// final segment: another peer's request for the same uri may still be
// mid-flight (spec.md §8 scenario 6), so eviction is left entirely to
// BlockwiseRegistry.Sweep's MaxAge timeout rather than tied to any one
// reader finishing.
func sliceBlock2Response(entry *BlockwiseEntry, size uint16, num uint32) *Message {
	offset := int(num) * int(size)
	total := entry.Buffer.Length()
	body := entry.Buffer.Bytes()
	if offset > total {
		offset = total
	}
	end := offset + int(size)
	more := true
	if end >= total {
		end = total
		more = false
	}
	return &Message{
		Code:          entry.Code,
		ContentFormat: entry.ContentFormat,
		ETag:          entry.ETag,
		Payload:       body[offset:end],
		Block2:        &BlockOption{Num: num, More: more, Size: size},
	}
}

// installBlock2 implements §4.6 step 5e: if the freshly produced response
// exceeds the negotiated block size, cache it and rewrite resp in place to
// carry only the first segment.
func (d *Dispatcher) installBlock2(req *Message, resp *Message, uri URI) {
	ceiling := d.ctx.Tunables.MaxChunkSize
	blockSize := ceiling
	if req.Block2 != nil && req.Block2.Size < ceiling {
		blockSize = req.Block2.Size
	}
	if len(resp.Payload) <= int(blockSize) {
		return
	}
	entry, err := d.ctx.Blockwise.New(nil, CodeEmpty, uri, resp.Payload, true, uint32(len(resp.Payload)), resp.ETag)
	if err != nil {
		resp.Code = InternalServerError
		resp.Payload = nil
		return
	}
	entry.Code = resp.Code
	entry.ContentFormat = resp.ContentFormat

	first := sliceBlock2Response(entry, blockSize, 0)
	resp.Payload = first.Payload
	resp.Block2 = first.Block2
	size2 := uint32(entry.Buffer.Length())
	resp.Size2 = &size2
}

// Step drives both timer-based subsystems: due retransmissions and
// blockwise eviction. It returns the nearest deadline either subsystem
// wants to be revisited at, so the host's event loop knows how long it may
// safely wait before calling Step again.
func (d *Dispatcher) Step(now time.Time) time.Duration {
	ctx := d.ctx
	retransNext := ctx.Transactions.Step(now)
	maxAge := time.Duration(ctx.Tunables.MaxAgeSeconds) * time.Second
	sweepNext := ctx.Blockwise.Sweep(now, maxAge)

	if retransNext == 0 {
		return sweepNext
	}
	if sweepNext == 0 {
		return retransNext
	}
	if retransNext < sweepNext {
		return retransNext
	}
	return sweepNext
}
