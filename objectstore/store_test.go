package objectstore

import (
	"testing"

	"github.com/wakaama-go/lwm2m"
)

func objURI(object, instance, resource uint16, flags lwm2m.URIFlag) lwm2m.URI {
	return lwm2m.URI{Flag: lwm2m.FlagDM | flags, ObjectID: object, InstanceID: instance, ResourceID: resource}
}

func TestMemoryWriteRequiresExistingInstance(t *testing.T) {
	m := NewMemory()
	uri := objURI(3, 0, 1, lwm2m.FlagInstanceID|lwm2m.FlagResourceID)
	if code := m.Write(uri, []byte("x"), nil); code != lwm2m.NotFound {
		t.Fatalf("got %v want NotFound", code)
	}
	m.PutResource(uri, []byte("seed"), nil)
	if code := m.Write(uri, []byte("y"), nil); code != lwm2m.Changed {
		t.Fatalf("got %v want Changed", code)
	}
	code, payload, _ := m.Read(uri)
	if code != lwm2m.Content || string(payload) != "y" {
		t.Fatalf("got code=%v payload=%q", code, payload)
	}
}

func TestMemoryCreateAllocatesInstanceWhenAbsent(t *testing.T) {
	m := NewMemory()
	uri := objURI(1024, 0, 0, lwm2m.FlagObjectID)
	code, loc := m.Create(uri, []byte("a"), nil)
	if code != lwm2m.Created {
		t.Fatalf("got %v want Created", code)
	}
	if len(loc) != 2 || loc[0] != "1024" || loc[1] != "0" {
		t.Fatalf("got location %v want [1024 0]", loc)
	}
	code2, loc2 := m.Create(uri, []byte("b"), nil)
	if code2 != lwm2m.Created || loc2[1] != "1" {
		t.Fatalf("second create got %v %v, want instance 1 allocated", code2, loc2)
	}
}

func TestMemoryIsInstanceNew(t *testing.T) {
	m := NewMemory()
	uri := objURI(3, 0, 0, lwm2m.FlagInstanceID)
	if !m.IsInstanceNew(uri) {
		t.Fatal("a never-seen instance must report new")
	}
	m.markInstance(uri.ObjectID, uri.InstanceID)
	if m.IsInstanceNew(uri) {
		t.Fatal("a marked instance must not report new")
	}
}

func TestMemoryDeleteRemovesAllResourcesUnderInstance(t *testing.T) {
	m := NewMemory()
	r0 := objURI(3, 0, 0, lwm2m.FlagInstanceID|lwm2m.FlagResourceID)
	r1 := objURI(3, 0, 1, lwm2m.FlagInstanceID|lwm2m.FlagResourceID)
	m.PutResource(r0, []byte("x"), nil)
	m.PutResource(r1, []byte("y"), nil)

	instURI := objURI(3, 0, 0, lwm2m.FlagInstanceID)
	if code := m.Delete(instURI); code != lwm2m.Deleted {
		t.Fatalf("got %v want Deleted", code)
	}
	if code, _, _ := m.Read(r0); code != lwm2m.NotFound {
		t.Fatalf("resource 0 survived delete: %v", code)
	}
	if code, _, _ := m.Read(r1); code != lwm2m.NotFound {
		t.Fatalf("resource 1 survived delete: %v", code)
	}
}

func TestMemoryDeleteRejectsNonInstancePaths(t *testing.T) {
	m := NewMemory()
	obj := objURI(3, 0, 0, lwm2m.FlagObjectID)
	if code := m.Delete(obj); code != lwm2m.BadRequest {
		t.Fatalf("deleting an object path got %v want BadRequest", code)
	}
	res := objURI(3, 0, 1, lwm2m.FlagInstanceID|lwm2m.FlagResourceID)
	if code := m.Delete(res); code != lwm2m.BadRequest {
		t.Fatalf("deleting a resource path got %v want BadRequest", code)
	}
}

func TestMemoryExecuteRequiresExistingResource(t *testing.T) {
	m := NewMemory()
	uri := objURI(3, 0, 4, lwm2m.FlagInstanceID|lwm2m.FlagResourceID)
	if code := m.Execute(uri, nil); code != lwm2m.NotFound {
		t.Fatalf("got %v want NotFound", code)
	}
	m.PutResource(uri, nil, nil)
	if code := m.Execute(uri, []byte("args")); code != lwm2m.Changed {
		t.Fatalf("got %v want Changed", code)
	}
}
