package lwm2m

import (
	"fmt"
	"time"
)

// Direction distinguishes a request-accumulation entry (Block1 upload,
// keyed per peer session) from a response-cache entry (Block2 download,
// shared across peer sessions), per spec.md §3/§4.3.
type Direction uint8

const (
	DirRequest Direction = iota
	DirResponse
)

// BlockwiseEntry is an in-flight blockwise transfer: either an
// accumulating upload or a cached segmented download.
type BlockwiseEntry struct {
	URI         URI
	Method      Code
	FromSession Session // nil for DirResponse entries
	Direction   Direction
	Buffer      *LargeBuffer
	ETag        []byte
	lastTouched time.Time

	// Code and ContentFormat are set by the dispatcher on DirResponse
	// entries so that later Block2 legs can reproduce the original
	// response's status code and format without recomputing it.
	Code          Code
	ContentFormat *MediaType
}

func blockwiseKey(session Session, method Code, uri URI) string {
	sessKey := ""
	if session != nil {
		sessKey = session.Key()
	}
	return fmt.Sprintf("%s|%d|%04x:%d:%d:%d", sessKey, method, uri.Flag, uri.ObjectID, uri.InstanceID, uri.ResourceID)
}

// BlockwiseRegistry is the collection of in-flight blockwise transfers,
// keyed by (session, method, uri) for requests and by uri alone for
// responses (spec.md §4.3).
type BlockwiseRegistry struct {
	clock   Clock
	entries map[string]*BlockwiseEntry
}

// NewBlockwiseRegistry creates an empty registry. clock supplies the
// eviction time source.
func NewBlockwiseRegistry(clock Clock) *BlockwiseRegistry {
	return &BlockwiseRegistry{clock: clock, entries: make(map[string]*BlockwiseEntry)}
}

// Get performs an exact match on (session, method, uri). Pass session=nil
// to look up a response-direction entry.
func (r *BlockwiseRegistry) Get(session Session, method Code, uri URI) *BlockwiseEntry {
	return r.entries[blockwiseKey(session, method, uri)]
}

// New inserts a fresh entry. detach=true copies message's payload into an
// owned LargeBuffer sized max(sizeHint, 4x the payload); detach=false
// aliases the payload directly (valid only while the registering message
// is not reused; an Append that extends it moves the data to a fresh
// buffer first). Response-cache entries always detach since the response
// might be overwritten before the next Block2 request arrives, but detach
// is exposed for callers with a stable backing array.
func (r *BlockwiseRegistry) New(session Session, method Code, uri URI, payload []byte, detach bool, sizeHint uint32, etag []byte) (*BlockwiseEntry, error) {
	var buf *LargeBuffer
	if detach {
		buf = NewLargeBuffer(int(sizeHint), payload)
	} else {
		buf = &LargeBuffer{buf: payload[:len(payload):len(payload)], length: len(payload)}
	}
	entry := &BlockwiseEntry{
		URI:         uri,
		Method:      method,
		Direction:   DirRequest,
		Buffer:      buf,
		ETag:        etag,
		lastTouched: r.clock.Now(),
	}
	if session != nil {
		entry.FromSession = session
	} else {
		entry.Direction = DirResponse
	}
	r.entries[blockwiseKey(session, method, uri)] = entry
	return entry, nil
}

// Append delegates to the entry's LargeBuffer and refreshes its
// last-touched time.
func (r *BlockwiseRegistry) Append(entry *BlockwiseEntry, offset int, data []byte) error {
	err := entry.Buffer.Append(offset, data)
	entry.lastTouched = r.clock.Now()
	return err
}

// Remove deletes the single entry matching (session, method, uri).
func (r *BlockwiseRegistry) Remove(session Session, method Code, uri URI) {
	delete(r.entries, blockwiseKey(session, method, uri))
}

// RemoveAll deletes every entry whose URI has uri as a prefix (uri itself
// or any path beneath it), regardless of session or method: the uri-prefix
// counterpart of Remove's single-entry removal.
func (r *BlockwiseRegistry) RemoveAll(uri URI) {
	for k, e := range r.entries {
		if uriMatch(uri, e.URI) {
			delete(r.entries, k)
		}
	}
}

// Sweep evicts entries whose idle time exceeds their timeout: MaxAge for
// response-cache entries, 2*MaxAge for request-accumulation entries
// (spec.md §4.3). It returns the nearest future deadline among the
// entries that survived, or the zero Duration if none remain.
func (r *BlockwiseRegistry) Sweep(now time.Time, maxAge time.Duration) time.Duration {
	var nextDeadline time.Duration
	hasNext := false
	for k, e := range r.entries {
		timeout := maxAge
		if e.Direction == DirRequest {
			timeout = 2 * maxAge
		}
		idle := now.Sub(e.lastTouched)
		if idle > timeout {
			delete(r.entries, k)
			continue
		}
		remaining := timeout - idle
		if !hasNext || remaining < nextDeadline {
			nextDeadline = remaining
			hasNext = true
		}
	}
	return nextDeadline
}

// Len returns the number of tracked entries (for tests/diagnostics).
func (r *BlockwiseRegistry) Len() int { return len(r.entries) }
