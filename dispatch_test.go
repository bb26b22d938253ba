package lwm2m

import (
	"bytes"
	"testing"
	"time"
)

func newDispatcherTest(t *testing.T) (*Dispatcher, *Context, *[]capturedSend) {
	t.Helper()
	ctx, sent := newTestContext(t, NewFakeClock(time.Unix(0, 0)))
	d := NewDispatcher(ctx)
	return d, ctx, sent
}

func lastSentMessage(t *testing.T, sent *[]capturedSend) *Message {
	t.Helper()
	if len(*sent) == 0 {
		t.Fatal("nothing was sent")
	}
	msg, err := Parse((*sent)[len(*sent)-1].bytes)
	if err != nil {
		t.Fatalf("parse sent bytes: %v", err)
	}
	return msg
}

func TestDispatcherSmallGET(t *testing.T) {
	d, _, sent := newDispatcherTest(t)
	calls := 0
	d.DM = func(ctx *Context, peer *Peer, uri URI, req *Message) *Message {
		calls++
		return &Message{Code: Content, Payload: []byte("Nordic")}
	}

	req := NewMessage(CON, GET, 9)
	req.Token = []byte{0xAB}
	req.URIPath = []string{"3", "0", "0"}
	buf, err := Serialize(req)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	if err := d.HandlePacket(buf, NewSession("client")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 1 {
		t.Fatalf("got %d handler calls want 1", calls)
	}
	resp := lastSentMessage(t, sent)
	if resp.Type != ACK || resp.Code != Content || string(resp.Payload) != "Nordic" {
		t.Fatalf("got %+v", resp)
	}
	if !bytes.Equal(resp.Token, req.Token) {
		t.Fatalf("token not mirrored: got %x want %x", resp.Token, req.Token)
	}
}

func TestDispatcherResponseExactlyOneBlockSizeSkipsBlockwise(t *testing.T) {
	d, ctx, sent := newDispatcherTest(t)
	ctx.Tunables.MaxChunkSize = 16
	d.DM = func(ctx *Context, peer *Peer, uri URI, req *Message) *Message {
		return &Message{Code: Content, Payload: bytes.Repeat([]byte{1}, 16)}
	}
	req := NewMessage(CON, GET, 1)
	req.URIPath = []string{"3", "0", "0"}
	buf, _ := Serialize(req)
	if err := d.HandlePacket(buf, NewSession("c")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	resp := lastSentMessage(t, sent)
	if resp.Block2 != nil {
		t.Fatal("a payload exactly one block long must not engage blockwise")
	}
	if len(resp.Payload) != 16 {
		t.Fatalf("got %d bytes want 16", len(resp.Payload))
	}
}

func TestDispatcherBlock2CacheServesFollowUpWithoutRerunningHandler(t *testing.T) {
	d, ctx, sent := newDispatcherTest(t)
	ctx.Tunables.MaxChunkSize = 16
	calls := 0
	fullPayload := bytes.Repeat([]byte{0x7}, 40)
	d.DM = func(ctx *Context, peer *Peer, uri URI, req *Message) *Message {
		calls++
		return &Message{Code: Content, Payload: append([]byte(nil), fullPayload...)}
	}

	session := NewSession("reader")
	req := NewMessage(CON, GET, 1)
	req.URIPath = []string{"1024", "7", "3"}
	buf, _ := Serialize(req)
	if err := d.HandlePacket(buf, session); err != nil {
		t.Fatalf("first: %v", err)
	}
	first := lastSentMessage(t, sent)
	if first.Block2 == nil || !first.Block2.More || first.Block2.Num != 0 {
		t.Fatalf("got %+v", first.Block2)
	}

	for num := uint32(1); num < 3; num++ {
		follow := NewMessage(CON, GET, uint16(num)+1)
		follow.URIPath = []string{"1024", "7", "3"}
		follow.Block2 = &BlockOption{Num: num, More: false, Size: 16}
		buf, _ := Serialize(follow)
		if err := d.HandlePacket(buf, session); err != nil {
			t.Fatalf("follow-up %d: %v", num, err)
		}
	}

	if calls != 1 {
		t.Fatalf("handler was invoked %d times, want 1 (follow-ups must be served from cache)", calls)
	}
	last := lastSentMessage(t, sent)
	if last.Block2.More {
		t.Fatal("expected the final block to have More=false")
	}
}

func TestDispatcherBlock1ReassemblySeesFullPayload(t *testing.T) {
	d, ctx, sent := newDispatcherTest(t)
	ctx.Tunables.MaxChunkSize = 16
	var gotPayload []byte
	d.DM = func(ctx *Context, peer *Peer, uri URI, req *Message) *Message {
		gotPayload = append([]byte(nil), req.Payload...)
		return &Message{Code: Changed}
	}
	session := NewSession("uploader")

	first := NewMessage(CON, PUT, 1)
	first.URIPath = []string{"1024", "5", "3"}
	first.Block1 = &BlockOption{Num: 0, More: true, Size: 16}
	first.Payload = bytes.Repeat([]byte{1}, 16)
	buf, _ := Serialize(first)
	if err := d.HandlePacket(buf, session); err != nil {
		t.Fatalf("first: %v", err)
	}
	resp := lastSentMessage(t, sent)
	if resp.Code != Continue {
		t.Fatalf("got %v want Continue", resp.Code)
	}
	if gotPayload != nil {
		t.Fatal("handler must not run before the final block arrives")
	}

	second := NewMessage(CON, PUT, 2)
	second.URIPath = []string{"1024", "5", "3"}
	second.Block1 = &BlockOption{Num: 1, More: false, Size: 16}
	second.Payload = bytes.Repeat([]byte{2}, 8)
	buf, _ = Serialize(second)
	if err := d.HandlePacket(buf, session); err != nil {
		t.Fatalf("second: %v", err)
	}
	resp = lastSentMessage(t, sent)
	if resp.Code != Changed {
		t.Fatalf("got %v want Changed", resp.Code)
	}
	if len(gotPayload) != 24 {
		t.Fatalf("got %d assembled bytes want 24", len(gotPayload))
	}
}

func TestDispatcherRSTCancelsObservation(t *testing.T) {
	d, ctx, _ := newDispatcherTest(t)
	var gotSession Session
	var gotMID uint16
	ctx.ObserveCancel = func(session Session, mID uint16) {
		gotSession = session
		gotMID = mID
	}
	rst := NewMessage(RST, CodeEmpty, 42)
	buf, _ := Serialize(rst)
	if err := d.HandlePacket(buf, NewSession("observer")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if gotMID != 42 || gotSession == nil || gotSession.Key() != "observer" {
		t.Fatalf("observe cancel hook not invoked correctly: mid=%d session=%v", gotMID, gotSession)
	}
}

func TestDispatcherUnknownBootstrapPathIsNotImplemented(t *testing.T) {
	d, _, sent := newDispatcherTest(t)
	req := NewMessage(CON, GET, 1)
	req.URIPath = []string{"bs"}
	buf, _ := Serialize(req)
	if err := d.HandlePacket(buf, NewSession("c")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	resp := lastSentMessage(t, sent)
	if resp.Code != NotImplemented {
		t.Fatalf("got %v want NotImplemented", resp.Code)
	}
}
