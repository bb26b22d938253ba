// Package objectstore defines the downward contract a client-role engine
// uses to reach the LwM2M object model (spec.md §6's object_read/write/
// execute/create/delete/attrib/isInstanceNew family), plus an in-memory
// reference implementation for tests and the demo binaries.
package objectstore

import (
	"sort"
	"sync"

	"github.com/wakaama-go/lwm2m"
)

// Store is the object-model backing a client-role Context. Every method
// but IsInstanceNew returns a CoAP response code; a body is only
// meaningful on success.
type Store interface {
	Read(uri lwm2m.URI) (code lwm2m.Code, payload []byte, contentFormat *lwm2m.MediaType)
	Write(uri lwm2m.URI, payload []byte, contentFormat *lwm2m.MediaType) lwm2m.Code
	Execute(uri lwm2m.URI, args []byte) lwm2m.Code
	Create(uri lwm2m.URI, payload []byte, contentFormat *lwm2m.MediaType) (code lwm2m.Code, locationPath []string)
	Delete(uri lwm2m.URI) lwm2m.Code
	Attribute(uri lwm2m.URI, query []string) lwm2m.Code
	IsInstanceNew(uri lwm2m.URI) bool
}

// resource is one stored resource value, keyed by its full path.
type resource struct {
	payload       []byte
	contentFormat *lwm2m.MediaType
}

type resourceKey struct {
	objectID, instanceID, resourceID uint16
}

// Memory is a map-backed Store: every resource lives in a single mutex-
// guarded map, with instance existence tracked separately so Create vs.
// Write routing (spec.md §4.6 step 5c) can be decided without scanning.
type Memory struct {
	mu        sync.Mutex
	resources map[resourceKey]resource
	instances map[uint32]map[uint16]bool // objectID -> instanceID -> exists
	nextInst  map[uint32]uint16
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		resources: make(map[resourceKey]resource),
		instances: make(map[uint32]map[uint16]bool),
		nextInst:  make(map[uint32]uint16),
	}
}

func (m *Memory) key(uri lwm2m.URI) resourceKey {
	return resourceKey{objectID: uri.ObjectID, instanceID: uri.InstanceID, resourceID: uri.ResourceID}
}

// PutResource seeds a resource value directly, bypassing Write's
// instance-existence bookkeeping. Used by the demo binaries to preload
// object instances (e.g. device object /3/0) at startup.
func (m *Memory) PutResource(uri lwm2m.URI, payload []byte, cf *lwm2m.MediaType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[m.key(uri)] = resource{payload: payload, contentFormat: cf}
	m.markInstance(uri.ObjectID, uri.InstanceID)
}

func (m *Memory) markInstance(objectID, instanceID uint16) {
	inst, ok := m.instances[uint32(objectID)]
	if !ok {
		inst = make(map[uint16]bool)
		m.instances[uint32(objectID)] = inst
	}
	inst[instanceID] = true
}

func (m *Memory) Read(uri lwm2m.URI) (lwm2m.Code, []byte, *lwm2m.MediaType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uri.HasResource() {
		r, ok := m.resources[m.key(uri)]
		if !ok {
			return lwm2m.NotFound, nil, nil
		}
		return lwm2m.Content, r.payload, r.contentFormat
	}
	if uri.HasInstance() {
		if !m.instances[uint32(uri.ObjectID)][uri.InstanceID] {
			return lwm2m.NotFound, nil, nil
		}
		return lwm2m.Content, m.readInstanceTLV(uri), nil
	}
	return lwm2m.NotFound, nil, nil
}

// readInstanceTLV concatenates every resource under an instance; the TLV
// framing itself is out of scope (spec.md §1's non-goals), so this simply
// joins payloads in resource-id order for callers that don't care about
// the wire encoding (tests, demos).
func (m *Memory) readInstanceTLV(uri lwm2m.URI) []byte {
	var keys []resourceKey
	for k := range m.resources {
		if k.objectID == uri.ObjectID && k.instanceID == uri.InstanceID {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].resourceID < keys[j].resourceID })
	var out []byte
	for _, k := range keys {
		out = append(out, m.resources[k].payload...)
	}
	return out
}

func (m *Memory) Write(uri lwm2m.URI, payload []byte, cf *lwm2m.MediaType) lwm2m.Code {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !uri.HasInstance() {
		return lwm2m.BadRequest
	}
	if !m.instances[uint32(uri.ObjectID)][uri.InstanceID] {
		return lwm2m.NotFound
	}
	m.resources[m.key(uri)] = resource{payload: payload, contentFormat: cf}
	return lwm2m.Changed
}

func (m *Memory) Execute(uri lwm2m.URI, args []byte) lwm2m.Code {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !uri.HasResource() {
		return lwm2m.MethodNotAllowed
	}
	if _, ok := m.resources[m.key(uri)]; !ok {
		return lwm2m.NotFound
	}
	return lwm2m.Changed
}

func (m *Memory) Create(uri lwm2m.URI, payload []byte, cf *lwm2m.MediaType) (lwm2m.Code, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instanceID := uri.InstanceID
	if !uri.HasInstance() {
		instanceID = m.nextInst[uint32(uri.ObjectID)]
		m.nextInst[uint32(uri.ObjectID)] = instanceID + 1
	}
	m.markInstance(uri.ObjectID, instanceID)
	created := lwm2m.URI{Flag: lwm2m.FlagDM | lwm2m.FlagObjectID | lwm2m.FlagInstanceID, ObjectID: uri.ObjectID, InstanceID: instanceID}
	m.resources[m.key(created)] = resource{payload: payload, contentFormat: cf}
	return lwm2m.Created, created.PathSegments()
}

func (m *Memory) Delete(uri lwm2m.URI) lwm2m.Code {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !uri.HasInstance() || uri.HasResource() {
		return lwm2m.BadRequest
	}
	if !m.instances[uint32(uri.ObjectID)][uri.InstanceID] {
		return lwm2m.NotFound
	}
	delete(m.instances[uint32(uri.ObjectID)], uri.InstanceID)
	for k := range m.resources {
		if k.objectID == uri.ObjectID && k.instanceID == uri.InstanceID {
			delete(m.resources, k)
		}
	}
	return lwm2m.Deleted
}

func (m *Memory) Attribute(uri lwm2m.URI, query []string) lwm2m.Code {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !uri.HasInstance() {
		return lwm2m.BadRequest
	}
	return lwm2m.Changed
}

func (m *Memory) IsInstanceNew(uri lwm2m.URI) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.instances[uint32(uri.ObjectID)][uri.InstanceID]
}
