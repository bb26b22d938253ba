package lwm2m

import (
	"fmt"
	"strconv"
)

// URIFlag is a bitmask of which URI components are present and what kind
// of path this is (DM, Bootstrap, Registration), per spec.md §3.
type URIFlag uint8

const (
	FlagObjectID   URIFlag = 1 << 0
	FlagInstanceID URIFlag = 1 << 1
	FlagResourceID URIFlag = 1 << 2

	maskID URIFlag = FlagObjectID | FlagInstanceID | FlagResourceID

	FlagDM           URIFlag = 1 << 4
	FlagBootstrap    URIFlag = 1 << 5
	FlagRegistration URIFlag = 1 << 6

	maskType URIFlag = FlagDM | FlagBootstrap | FlagRegistration
)

// URI is a structured LwM2M path: {objectId, instanceId, resourceId} plus
// a flag recording which components are set and what kind of path this is.
type URI struct {
	Flag       URIFlag
	ObjectID   uint16
	InstanceID uint16
	ResourceID uint16
}

// HasInstance reports whether the instance component is set.
func (u URI) HasInstance() bool { return u.Flag&FlagInstanceID != 0 }

// HasResource reports whether the resource component is set.
func (u URI) HasResource() bool { return u.Flag&FlagResourceID != 0 }

// HasObject reports whether the object component is set.
func (u URI) HasObject() bool { return u.Flag&FlagObjectID != 0 }

// Type returns the path type (DM/Bootstrap/Registration) bits of Flag.
func (u URI) Type() URIFlag { return u.Flag & maskType }

// String renders the URI back into its path form, e.g. "/3/0/1" or
// "/1024//3" when the instance is absent but the resource is present.
func (u URI) String() string {
	if !u.HasObject() {
		return "/"
	}
	s := "/" + strconv.Itoa(int(u.ObjectID))
	if u.HasInstance() {
		s += "/" + strconv.Itoa(int(u.InstanceID))
	} else if u.HasResource() {
		s += "/"
	}
	if u.HasResource() {
		s += "/" + strconv.Itoa(int(u.ResourceID))
	}
	return s
}

// uriMatch reports whether a is a prefix of or equal to b under the
// components common to both (spec.md §3 uri_match).
func uriMatch(a, b URI) bool {
	af := a.Flag & maskID
	if af&FlagObjectID != 0 && (b.Flag&FlagObjectID == 0 || a.ObjectID != b.ObjectID) {
		return false
	}
	if af&FlagInstanceID != 0 && (b.Flag&FlagInstanceID == 0 || a.InstanceID != b.InstanceID) {
		return false
	}
	if af&FlagResourceID != 0 && (b.Flag&FlagResourceID == 0 || a.ResourceID != b.ResourceID) {
		return false
	}
	return true
}

// uriCompare reports whether a and b denote exactly the same path
// (spec.md §3 uri_compare): same id flags and equal ids where set.
func uriCompare(a, b URI) bool {
	if a.Flag&maskID != b.Flag&maskID {
		return false
	}
	return uriMatch(a, b)
}

// DecodeURI parses a decoded Uri-Path segment sequence into a URI.
// Accepted forms per spec.md §6: /objectId, /objectId/instanceId,
// /objectId//resourceId, /objectId/instanceId/resourceId, and /rd/... for
// registration. objectId must fit in 16 bits.
func DecodeURI(segments []string) (URI, error) {
	if len(segments) == 0 {
		return URI{}, fmt.Errorf("lwm2m: empty uri path")
	}
	if segments[0] == "rd" || segments[0] == "bs" {
		u := URI{}
		if segments[0] == "rd" {
			u.Flag = FlagRegistration
		} else {
			u.Flag = FlagBootstrap
		}
		return u, nil
	}
	if len(segments) > 3 {
		return URI{}, fmt.Errorf("lwm2m: too many uri segments")
	}

	u := URI{Flag: FlagDM}
	objID, err := parseID(segments[0])
	if err != nil {
		return URI{}, fmt.Errorf("lwm2m: bad object id: %w", err)
	}
	u.ObjectID = objID
	u.Flag |= FlagObjectID

	if len(segments) >= 2 {
		if segments[1] == "" {
			// /objectId//resourceId: instance elided, resource present.
			if len(segments) != 3 {
				return URI{}, fmt.Errorf("lwm2m: elided instance requires a resource segment")
			}
		} else {
			instID, err := parseID(segments[1])
			if err != nil {
				return URI{}, fmt.Errorf("lwm2m: bad instance id: %w", err)
			}
			u.InstanceID = instID
			u.Flag |= FlagInstanceID
		}
	}
	if len(segments) == 3 {
		resID, err := parseID(segments[2])
		if err != nil {
			return URI{}, fmt.Errorf("lwm2m: bad resource id: %w", err)
		}
		u.ResourceID = resID
		u.Flag |= FlagResourceID
	}
	return u, nil
}

func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// PathSegments renders u's DM path as Uri-Path segments, preserving the
// elided-instance "/objectId//resourceId" form when the instance is absent
// but the resource is present.
func (u URI) PathSegments() []string {
	if !u.HasObject() {
		return nil
	}
	segs := []string{strconv.Itoa(int(u.ObjectID))}
	if u.HasInstance() {
		segs = append(segs, strconv.Itoa(int(u.InstanceID)))
	} else if u.HasResource() {
		segs = append(segs, "")
	}
	if u.HasResource() {
		segs = append(segs, strconv.Itoa(int(u.ResourceID)))
	}
	return segs
}
