package clientrole

import (
	"testing"
	"time"

	"github.com/wakaama-go/lwm2m"
	"github.com/wakaama-go/lwm2m/objectstore"
)

type capturedSend struct {
	session lwm2m.Session
	bytes   []byte
}

func newTestClient(t *testing.T) (*Client, *objectstore.Memory, *[]capturedSend) {
	t.Helper()
	var sent []capturedSend
	send := func(session lwm2m.Session, b []byte, userData interface{}) error {
		sent = append(sent, capturedSend{session: session, bytes: append([]byte(nil), b...)})
		return nil
	}
	store := objectstore.NewMemory()
	c := Init("urn:imei:1234", send, store, lwm2m.WithClock(lwm2m.NewFakeClock(time.Unix(0, 0))))
	return c, store, &sent
}

func lastSent(t *testing.T, sent *[]capturedSend) *lwm2m.Message {
	t.Helper()
	if len(*sent) == 0 {
		t.Fatal("nothing was sent")
	}
	msg, err := lwm2m.Parse((*sent)[len(*sent)-1].bytes)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return msg
}

func TestClientGetReadsFromStore(t *testing.T) {
	c, store, sent := newTestClient(t)
	uri := lwm2m.URI{Flag: lwm2m.FlagDM | lwm2m.FlagObjectID | lwm2m.FlagInstanceID | lwm2m.FlagResourceID, ObjectID: 3, ResourceID: 0}
	store.PutResource(uri, []byte("Nordic"), nil)

	req := lwm2m.NewMessage(lwm2m.CON, lwm2m.GET, 1)
	req.URIPath = uri.PathSegments()
	buf, _ := lwm2m.Serialize(req)
	if err := c.HandlePacket(buf, lwm2m.NewSession("server")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	resp := lastSent(t, sent)
	if resp.Code != lwm2m.Content || string(resp.Payload) != "Nordic" {
		t.Fatalf("got %+v", resp)
	}
}

func TestClientGetWithObserveRegistersSubscription(t *testing.T) {
	c, store, sent := newTestClient(t)
	uri := lwm2m.URI{Flag: lwm2m.FlagDM | lwm2m.FlagObjectID | lwm2m.FlagInstanceID | lwm2m.FlagResourceID, ObjectID: 3, ResourceID: 1}
	store.PutResource(uri, []byte("20"), nil)

	req := lwm2m.NewMessage(lwm2m.CON, lwm2m.GET, 1)
	req.Token = []byte{0x55}
	req.URIPath = uri.PathSegments()
	observeReq := uint32(0)
	req.Observe = &observeReq
	buf, _ := lwm2m.Serialize(req)
	if err := c.HandlePacket(buf, lwm2m.NewSession("server")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	resp := lastSent(t, sent)
	if resp.Observe == nil {
		t.Fatal("response must carry an Observe option once registered")
	}

	if len(c.observations) != 1 {
		t.Fatalf("got %d observations want 1", len(c.observations))
	}
}

func TestClientPostToObjectCreatesInstance(t *testing.T) {
	c, _, sent := newTestClient(t)
	uri := lwm2m.URI{Flag: lwm2m.FlagDM | lwm2m.FlagObjectID, ObjectID: 1024}
	req := lwm2m.NewMessage(lwm2m.CON, lwm2m.POST, 1)
	req.URIPath = uri.PathSegments()
	req.Payload = []byte("payload")
	buf, _ := lwm2m.Serialize(req)
	if err := c.HandlePacket(buf, lwm2m.NewSession("server")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	resp := lastSent(t, sent)
	if resp.Code != lwm2m.Created {
		t.Fatalf("got %v want Created", resp.Code)
	}
	if len(resp.LocationPath) != 2 || resp.LocationPath[0] != "1024" {
		t.Fatalf("got location %v", resp.LocationPath)
	}
}

func TestClientPutWithoutPayloadButWithQueryWritesAttributes(t *testing.T) {
	c, store, sent := newTestClient(t)
	uri := lwm2m.URI{Flag: lwm2m.FlagDM | lwm2m.FlagObjectID | lwm2m.FlagInstanceID, ObjectID: 3, InstanceID: 0}
	store.PutResource(lwm2m.URI{Flag: lwm2m.FlagDM | lwm2m.FlagObjectID | lwm2m.FlagInstanceID | lwm2m.FlagResourceID, ObjectID: 3, InstanceID: 0, ResourceID: 1}, []byte("x"), nil)

	req := lwm2m.NewMessage(lwm2m.CON, lwm2m.PUT, 1)
	req.URIPath = uri.PathSegments()
	req.URIQuery = []string{"pmin=10", "pmax=60"}
	buf, _ := lwm2m.Serialize(req)
	if err := c.HandlePacket(buf, lwm2m.NewSession("server")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	resp := lastSent(t, sent)
	if resp.Code != lwm2m.Changed {
		t.Fatalf("got %v want Changed", resp.Code)
	}
}

func TestClientDeleteRejectsNonInstancePath(t *testing.T) {
	c, _, sent := newTestClient(t)
	uri := lwm2m.URI{Flag: lwm2m.FlagDM | lwm2m.FlagObjectID, ObjectID: 3}
	req := lwm2m.NewMessage(lwm2m.CON, lwm2m.DELETE, 1)
	req.URIPath = uri.PathSegments()
	buf, _ := lwm2m.Serialize(req)
	if err := c.HandlePacket(buf, lwm2m.NewSession("server")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	resp := lastSent(t, sent)
	if resp.Code != lwm2m.BadRequest {
		t.Fatalf("got %v want BadRequest", resp.Code)
	}
}

func TestResourceValueChangedNotifiesObserver(t *testing.T) {
	c, store, sent := newTestClient(t)
	uri := lwm2m.URI{Flag: lwm2m.FlagDM | lwm2m.FlagObjectID | lwm2m.FlagInstanceID | lwm2m.FlagResourceID, ObjectID: 3, ResourceID: 1}
	store.PutResource(uri, []byte("20"), nil)

	req := lwm2m.NewMessage(lwm2m.CON, lwm2m.GET, 1)
	req.Token = []byte{0x9}
	observeReq := uint32(0)
	req.Observe = &observeReq
	req.URIPath = uri.PathSegments()
	buf, _ := lwm2m.Serialize(req)
	if err := c.HandlePacket(buf, lwm2m.NewSession("server")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	baseline := len(*sent)

	store.PutResource(uri, []byte("21"), nil)
	c.ResourceValueChanged(uri)
	if len(*sent) != baseline+1 {
		t.Fatalf("got %d sends want %d (one notification)", len(*sent), baseline+1)
	}
	notify := lastSent(t, sent)
	if string(notify.Payload) != "21" {
		t.Fatalf("got payload %q want 21", notify.Payload)
	}
	if notify.Observe == nil || *notify.Observe != 2 {
		t.Fatalf("got observe %v want 2 (monotonic after the initial registration)", notify.Observe)
	}
}

func TestRSTCancelsObservation(t *testing.T) {
	c, store, sent := newTestClient(t)
	uri := lwm2m.URI{Flag: lwm2m.FlagDM | lwm2m.FlagObjectID | lwm2m.FlagInstanceID | lwm2m.FlagResourceID, ObjectID: 3, ResourceID: 1}
	store.PutResource(uri, []byte("20"), nil)

	req := lwm2m.NewMessage(lwm2m.CON, lwm2m.GET, 1)
	observeReq := uint32(0)
	req.Observe = &observeReq
	req.URIPath = uri.PathSegments()
	buf, _ := lwm2m.Serialize(req)
	session := lwm2m.NewSession("server")
	if err := c.HandlePacket(buf, session); err != nil {
		t.Fatalf("handle: %v", err)
	}

	rst := lwm2m.NewMessage(lwm2m.RST, lwm2m.CodeEmpty, 99)
	buf, _ = lwm2m.Serialize(rst)
	if err := c.HandlePacket(buf, session); err != nil {
		t.Fatalf("handle rst: %v", err)
	}

	if len(c.observations) != 0 {
		t.Fatalf("got %d observations want 0 after RST", len(c.observations))
	}

	baseline := len(*sent)
	c.ResourceValueChanged(uri)
	if len(*sent) != baseline {
		t.Fatal("a cancelled observation must not still receive notifications")
	}
}
