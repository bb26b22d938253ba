package lwm2m

import (
	"testing"
	"time"
)

func TestBlockwiseRegistryRequestIsolatedPerSession(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	reg := NewBlockwiseRegistry(clk)
	uri := URI{Flag: FlagDM | FlagObjectID, ObjectID: 1024}
	a := NewSession("peer-a")
	b := NewSession("peer-b")

	if _, err := reg.New(a, PUT, uri, []byte("part-a"), true, 0, nil); err != nil {
		t.Fatalf("new a: %v", err)
	}
	if _, err := reg.New(b, PUT, uri, []byte("part-b"), true, 0, nil); err != nil {
		t.Fatalf("new b: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("got %d entries want 2", reg.Len())
	}
	if reg.Get(a, PUT, uri) == reg.Get(b, PUT, uri) {
		t.Fatal("request entries for distinct sessions must not alias")
	}
}

func TestBlockwiseRegistryResponseSharedAcrossSessions(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	reg := NewBlockwiseRegistry(clk)
	uri := URI{Flag: FlagDM | FlagObjectID, ObjectID: 1024}

	entry, err := reg.New(nil, CodeEmpty, uri, []byte("cached"), true, 0, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if entry.Direction != DirResponse {
		t.Fatalf("got direction %v want DirResponse", entry.Direction)
	}
	if reg.Get(nil, CodeEmpty, uri) != entry {
		t.Fatal("response entry must be retrievable by uri alone")
	}
}

func TestBlockwiseRegistrySweepEvictsByDirection(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	reg := NewBlockwiseRegistry(clk)
	uriReq := URI{Flag: FlagDM | FlagObjectID, ObjectID: 1}
	uriResp := URI{Flag: FlagDM | FlagObjectID, ObjectID: 2}
	sess := NewSession("peer")

	if _, err := reg.New(sess, PUT, uriReq, []byte("x"), true, 0, nil); err != nil {
		t.Fatalf("new req: %v", err)
	}
	if _, err := reg.New(nil, CodeEmpty, uriResp, []byte("y"), true, 0, nil); err != nil {
		t.Fatalf("new resp: %v", err)
	}

	maxAge := 10 * time.Second
	clk.Advance(11 * time.Second) // past response timeout, within 2x request timeout
	reg.Sweep(clk.Now(), maxAge)
	if reg.Get(nil, CodeEmpty, uriResp) != nil {
		t.Fatal("response entry should have been evicted after MaxAge")
	}
	if reg.Get(sess, PUT, uriReq) == nil {
		t.Fatal("request entry should survive until 2*MaxAge")
	}

	clk.Advance(10 * time.Second) // now past 2*MaxAge total
	reg.Sweep(clk.Now(), maxAge)
	if reg.Get(sess, PUT, uriReq) != nil {
		t.Fatal("request entry should have been evicted after 2*MaxAge")
	}
}

func TestBlockwiseRegistryRemoveAllIsUriPrefix(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	reg := NewBlockwiseRegistry(clk)
	uri := URI{Flag: FlagDM | FlagObjectID, ObjectID: 7}
	child := URI{Flag: FlagDM | FlagObjectID | FlagInstanceID, ObjectID: 7, InstanceID: 0}
	sessA := NewSession("a")
	sessB := NewSession("b")

	reg.New(sessA, GET, uri, []byte("x"), true, 0, nil)
	reg.New(sessB, PUT, child, []byte("y"), true, 0, nil)
	reg.New(nil, CodeEmpty, uri, []byte("z"), true, 0, nil)

	reg.RemoveAll(uri)
	if reg.Len() != 0 {
		t.Fatalf("got %d entries after RemoveAll want 0", reg.Len())
	}
}
