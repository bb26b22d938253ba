package lwm2m

import (
	"bytes"
	"errors"
	"time"
)

// TransactionCallback is invoked exactly once per transaction: with the
// matching response when one arrives, or with msg == nil when the
// transaction is abandoned (retransmission exhausted, the peer vanished, or
// a wire error). tx.Err names the reason for a nil-msg callback, except for
// a vanished peer, which reports ErrNone. A delivered response carries
// ErrChunkTooLarge when it was oversized and unsegmented, ErrNone otherwise.
type TransactionCallback func(tx *Transaction, msg *Message)

// Transaction is one outstanding request awaiting a response, retransmit,
// or both, per spec.md §4.4. It is also the home of Block1/Block2
// continuation state for a request that spans more than one datagram:
// block1 streams tx.Message's payload out over successive sends; block2
// reassembles a segmented response into block2Buf as GET-next-block
// requests go out.
type Transaction struct {
	table *TransactionTable

	URI    URI
	Method Code

	PeerID  PeerID
	Message *Message // the request as last (re)sent; mutated across Block1/Block2 legs

	serialized []byte

	AckReceived    bool
	RetransCounter int
	RetransTime    time.Time

	block1Buf    *LargeBuffer // full outbound payload, when Block1 is in use
	block2Buf    *LargeBuffer // accumulating response payload, when Block2 is in use
	observeValue *uint32      // preserved across Block2 legs of an Observe response

	Callback TransactionCallback
	UserData interface{}
	Err      TransactionError
}

// TransactionTable tracks every outstanding Transaction for one Context, in
// the insertion order spec.md §4.4 requires callers to rely on when more
// than one transaction could plausibly match an inbound message.
type TransactionTable struct {
	ctx     *Context
	order   []*Transaction
	present map[*Transaction]bool
}

// NewTransactionTable creates an empty table bound to ctx.
func NewTransactionTable(ctx *Context) *TransactionTable {
	return &TransactionTable{ctx: ctx, present: make(map[*Transaction]bool)}
}

// New creates a Transaction for an outgoing request. CON and NON requests
// are both accepted; req.Type must not be ACK or RST, and a NON request
// must carry a token (spec.md §4.4: there is otherwise no way to correlate
// its response). req is taken by reference and may be mutated (Block1
// installation, message ID on retry legs).
func (t *TransactionTable) New(peer *Peer, uri URI, method Code, req *Message) (*Transaction, error) {
	if req.Type == ACK || req.Type == RST {
		return nil, errTransactionType
	}
	if req.Type == NON && !req.HasToken() {
		return nil, errTransactionNoToken
	}
	tx := &Transaction{
		table:   t,
		URI:     uri,
		Method:  method,
		PeerID:  peer.ID,
		Message: req,
	}
	return tx, nil
}

// Add registers tx so HandleResponse and Step will consider it.
func (t *TransactionTable) Add(tx *Transaction) {
	if t.present[tx] {
		return
	}
	t.present[tx] = true
	t.order = append(t.order, tx)
}

// Remove deregisters tx. It is safe to call more than once.
func (t *TransactionTable) Remove(tx *Transaction) {
	if !t.present[tx] {
		return
	}
	delete(t.present, tx)
	for i, o := range t.order {
		if o == tx {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of outstanding transactions.
func (t *TransactionTable) Len() int { return len(t.order) }

// finish invokes tx's callback (if any) exactly once, records err, and
// removes tx from the table. msg is nil for an abandoned transaction.
func (t *TransactionTable) finish(tx *Transaction, msg *Message, err TransactionError) {
	tx.Err = err
	if tx.Callback != nil {
		if msg != nil && msg.Observe == nil && tx.observeValue != nil {
			msg.Observe = tx.observeValue
		}
		tx.Callback(tx, msg)
	}
	t.Remove(tx)
}

// Send (re)transmits tx: on the first call it serializes tx.Message,
// installing Block1 segmentation if the payload exceeds peer's negotiated
// blocksize; on retry legs it resends the cached bytes. It updates the
// retransmission clock and, once COAP_MAX_RETRANSMIT sends have gone
// unacknowledged, abandons the transaction with ErrRetransmitExhausted.
func (t *TransactionTable) Send(tx *Transaction) error {
	ctx := t.ctx
	peer := ctx.Peer(tx.PeerID)
	if peer == nil {
		t.finish(tx, nil, ErrNone)
		return ErrPeerGone
	}

	if tx.serialized == nil {
		msg := tx.Message
		ceiling := ctx.Tunables.MaxChunkSize
		blockSize := adjustBlocksize(peer, ceiling, false, ceiling)
		if len(msg.Payload) > int(blockSize) && tx.block1Buf == nil {
			tx.block1Buf = NewLargeBuffer(len(msg.Payload), msg.Payload)
			size1 := uint32(len(msg.Payload))
			msg.Size1 = &size1
			msg.Block1 = &BlockOption{Num: 0, More: true, Size: blockSize}
			msg.Payload = tx.block1Buf.Bytes()[:blockSize]
		}
		buf, err := Serialize(msg)
		if err != nil {
			t.finish(tx, nil, ErrOutOfMemory)
			return err
		}
		tx.serialized = buf
	}

	if !tx.AckReceived {
		sendErr := ctx.send(peer.Session, tx.serialized)
		now := ctx.Clock.Now()
		if tx.RetransCounter == 0 {
			tx.RetransTime = now
		}
		tx.RetransCounter++
		if tx.RetransCounter < ctx.Tunables.MaxRetransmit {
			timeout := time.Duration(ctx.Tunables.ResponseTimeoutMillis) * time.Millisecond
			tx.RetransTime = now.Add(timeout * time.Duration(tx.RetransCounter))
		}
		if sendErr != nil {
			t.finish(tx, nil, ErrOutOfMemory)
			return sendErr
		}
	}

	if tx.AckReceived || tx.RetransCounter >= ctx.Tunables.MaxRetransmit {
		t.finish(tx, nil, ErrRetransmitExhausted)
	}
	return nil
}

// Step drives retransmission: every due transaction is resent, and the
// nearest remaining retransmit deadline is returned (zero if none remain)
// so the caller's event loop knows how long it may safely block.
func (t *TransactionTable) Step(now time.Time) time.Duration {
	due := make([]*Transaction, 0, len(t.order))
	for _, tx := range t.order {
		if !tx.AckReceived && !tx.RetransTime.After(now) {
			due = append(due, tx)
		}
	}
	for _, tx := range due {
		_ = t.Send(tx)
	}

	var next time.Duration
	hasNext := false
	for _, tx := range t.order {
		if tx.AckReceived {
			continue
		}
		remaining := tx.RetransTime.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if !hasNext || remaining < next {
			next = remaining
			hasNext = true
		}
	}
	return next
}

// HandleResponse correlates an inbound message against every outstanding
// transaction in insertion order (spec.md §4.4's scan-in-order rule) and
// drives whichever one matches through ACK bookkeeping, Block1 continuation
// (the peer asking for the next chunk of our request), Block2 reassembly
// (we asking for the next chunk of its response) and final callback
// delivery. It reports whether any transaction matched at all.
func (t *TransactionTable) HandleResponse(session Session, msg *Message) bool {
	ctx := t.ctx
	matched := false
	for _, tx := range append([]*Transaction(nil), t.order...) {
		peer := ctx.Peer(tx.PeerID)
		if peer == nil || session == nil || peer.Session.Key() != session.Key() {
			continue
		}
		if !tx.AckReceived && tx.Message.MessageID == msg.MessageID {
			tx.AckReceived = true
			matched = true
		}
		if !tx.checkFinished(msg) {
			if matched {
				return true
			}
			continue
		}
		matched = true

		if tx.Message.Block1 != nil && tx.Message.Block1.More && msg.Block1 == nil && msg.Code.Class() < 4 {
			// spec §4.5: the peer answered as if our request were complete
			// while we were still mid-stream (more blocks left to send).
			t.finish(tx, nil, ErrBlock1Ignored)
			return true
		}

		if msg.Block1 != nil && (msg.Code.Class() < 4 || msg.Code == EntityTooLarge) {
			if t.sendNextBlock1(tx, msg) {
				return true
			}
		}

		if msg.Code == Unauthorized && tx.RetransCounter >= ctx.Tunables.MaxRetransmit {
			// the peer answered 4.01 only after we'd already given up
			// retransmitting the CON carrying the request; give it one more
			// round rather than abandoning a session that just needs a
			// fresh handshake leg.
			tx.AckReceived = false
			tx.RetransTime = ctx.Clock.Now().Add(time.Duration(ctx.Tunables.ResponseTimeoutMillis) * time.Millisecond)
			return true
		}

		if len(msg.Payload) > int(ctx.Tunables.MaxChunkSize) && msg.Block2 == nil {
			t.finish(tx, msg, ErrChunkTooLarge)
			return true
		}

		if msg.Code.Class() == 2 && msg.Block2 != nil {
			if t.requestNextBlock2(tx, msg) {
				return true
			}
		}

		t.finish(tx, msg, ErrNone)
		return true
	}
	return matched
}

// checkFinished mirrors prv_transaction_check_finished: a transaction is
// done with a given inbound message when its CON has been ACKed (or it was
// NON to begin with) and, if the original request carried a token, the
// inbound message carries the same one.
func (tx *Transaction) checkFinished(received *Message) bool {
	if tx.Message.Type == CON && !tx.AckReceived {
		return false
	}
	if !tx.Message.HasToken() {
		return true
	}
	return received.HasToken() && bytes.Equal(received.Token, tx.Message.Token)
}

// sendNextBlock1 mirrors prv_transaction_send_next_block: the peer's 2.31
// Continue (or 4.13 Entity Too Large asking for a smaller size) tells us
// which chunk of the outbound payload to send next. Returns true if the
// transaction continues (another chunk was sent) rather than finishing.
func (t *TransactionTable) sendNextBlock1(tx *Transaction, msg *Message) bool {
	if tx.block1Buf == nil || tx.Message.Block1 == nil {
		return false
	}
	ctx := t.ctx
	peer := ctx.Peer(tx.PeerID)
	if peer == nil {
		t.finish(tx, nil, ErrNone)
		return true
	}

	reqBlock := tx.Message.Block1
	size := reqBlock.Size
	if msg.Block1 != nil && msg.Block1.Size != size {
		if reqBlock.Num != 0 {
			// spec §4.5: a blocksize change is only legal while negotiating
			// block 0; a peer that changes it mid-stream is misbehaving.
			t.finish(tx, nil, ErrChangingBlockSize)
			return true
		}
		// peer asked for a different size: adopt it only if smaller, and
		// record it on the peer so later transactions start at it.
		size = adjustBlocksize(peer, msg.Block1.Size, true, size)
	}
	nextNum := reqBlock.Num + 1
	offset := int(nextNum) * int(size)
	total := tx.block1Buf.Length()
	if offset >= total {
		return false // that was the last block; let the normal finish path run
	}
	end := offset + int(size)
	more := true
	if end >= total {
		end = total
		more = false
	}

	tx.Message.MessageID = ctx.NextMessageID()
	tx.Message.Block1 = &BlockOption{Num: nextNum, More: more, Size: size}
	tx.Message.Payload = tx.block1Buf.Bytes()[offset:end]
	tx.serialized = nil
	tx.AckReceived = false
	tx.RetransCounter = 0

	if err := t.Send(tx); err != nil {
		return true
	}
	return true
}

// requestNextBlock2 mirrors prv_transaction_request_next_block: having
// received one segment of a Block2 response, accumulate it and, if more
// remain, re-arm the transaction as a fresh GET for the next segment with
// the same token (so the peer's blockwise cache keeps matching us).
func (t *TransactionTable) requestNextBlock2(tx *Transaction, msg *Message) bool {
	ctx := t.ctx
	peer := ctx.Peer(tx.PeerID)
	if peer == nil {
		t.finish(tx, nil, ErrNone)
		return true
	}
	block2 := msg.Block2

	if tx.block2Buf == nil {
		sizeHint := uint32(0)
		if msg.Size2 != nil {
			sizeHint = *msg.Size2
		}
		tx.block2Buf = NewLargeBuffer(int(sizeHint), nil)
	}
	if err := tx.block2Buf.Append(int(block2.Offset()), msg.Payload); err != nil {
		t.finish(tx, nil, ErrResponseIncomplete)
		return true
	}
	if msg.Observe != nil {
		v := *msg.Observe
		tx.observeValue = &v
	}

	if !block2.More {
		full := tx.Message.Clone()
		full.Code = msg.Code
		full.Type = msg.Type
		full.ContentFormat = msg.ContentFormat
		full.Payload = append([]byte(nil), tx.block2Buf.Bytes()...)
		if tx.observeValue != nil {
			full.Observe = tx.observeValue
		}
		t.finish(tx, full, ErrNone)
		return true
	}

	next := &BlockOption{Num: block2.Num + 1, More: false, Size: block2.Size}
	tx.Message = &Message{
		Version:   1,
		Type:      tx.Message.Type,
		Code:      tx.Method,
		MessageID: ctx.NextMessageID(),
		Token:     tx.Message.Token,
		URIPath:   tx.Message.URIPath,
		URIQuery:  tx.Message.URIQuery,
		Block2:    next,
	}
	tx.serialized = nil
	tx.AckReceived = false
	tx.RetransCounter = 0

	if err := t.Send(tx); err != nil {
		return true
	}
	return true
}

var (
	errTransactionType    = errors.New("lwm2m: cannot open a transaction for an ACK or RST message")
	errTransactionNoToken = errors.New("lwm2m: a non-confirmable request without a token cannot be correlated to its response")
)
