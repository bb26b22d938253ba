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

// Package cbor transcodes between CBOR and JSON representations of an
// administrative payload (a registration's object links, a notification
// attribute set, a demo tool's human-readable dump of a resource value),
// compacting field names down to small integers the way LwM2M's own
// resource identifiers already are. It never touches the TLV object-model
// wire format the engine itself uses on the CoAP path — that stays out of
// scope, per spec.md §1 — this is purely a convenience transcoder for
// tooling that wants to exchange the same payload as either format.
package cbor

import (
	"fmt"
	"reflect"
	"sort"

	cborcodec "github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Transcoder converts a single JSON object to and from a compacted CBOR
// encoding, mapping field names to small integers via keys and back via
// the reverse lookup built in New.
type Transcoder struct {
	keys      map[string]int
	enumKeys  map[int]string
	canonical bool
}

// New creates a Transcoder using keys as the field-name-to-integer table.
// If canonical is set, JSONToCBOR emits RFC 8949 §4.2 deterministically
// encoded CBOR, useful when the output will be hashed (e.g. for an ETag).
func New(keys map[string]int, canonical bool) (*Transcoder, error) {
	c := &Transcoder{
		keys:      keys,
		enumKeys:  make(map[int]string),
		canonical: canonical,
	}
	for k, v := range keys {
		if _, ok := c.enumKeys[v]; ok {
			return nil, fmt.Errorf("lwm2m/codec/cbor: duplicate integer key %d for %q", v, k)
		}
		c.enumKeys[v] = k
	}
	return c, nil
}

// CBORToJSON converts a single CBOR-encoded object into JSON, expanding any
// integer keys found in the table back into field names.
func (c *Transcoder) CBORToJSON(input []byte) ([]byte, error) {
	var intermediate interface{}
	if err := cborcodec.Unmarshal(input, &intermediate); err != nil {
		return nil, fmt.Errorf("lwm2m/codec/cbor: decoding cbor: %w", err)
	}
	intermediate = cborToJSONInterface(intermediate, c.enumKeys)
	return json.Marshal(intermediate)
}

// JSONToCBOR converts a single JSON object into CBOR, compacting any field
// name found in the table down to its integer key.
func (c *Transcoder) JSONToCBOR(input []byte) ([]byte, error) {
	var intermediate interface{}
	if err := json.Unmarshal(input, &intermediate); err != nil {
		return nil, fmt.Errorf("lwm2m/codec/cbor: decoding json: %w", err)
	}
	intermediate = jsonToCBORInterface(intermediate, c.keys)
	if c.canonical {
		enc, err := cborcodec.CanonicalEncOptions().EncMode()
		if err != nil {
			return nil, fmt.Errorf("lwm2m/codec/cbor: building canonical encoder: %w", err)
		}
		return enc.Marshal(intermediate)
	}
	return cborcodec.Marshal(intermediate)
}

func jsonToCBORInterface(jsonInt interface{}, lookup map[string]int) interface{} {
	if jsonInt == nil {
		return nil
	}
	thing := reflect.ValueOf(jsonInt)
	switch thing.Type().Kind() {
	case reflect.Slice:
		arr := jsonInt.([]interface{})
		for i, element := range arr {
			arr[i] = jsonToCBORInterface(element, lookup)
		}
		return arr
	case reflect.Map:
		result := make(map[interface{}]interface{})
		m := jsonInt.(map[string]interface{})
		for k, v := range m {
			if knum, ok := lookup[k]; ok {
				result[knum] = jsonToCBORInterface(v, lookup)
			} else {
				result[k] = jsonToCBORInterface(v, lookup)
			}
		}
		return result
	default:
		return jsonInt
	}
}

func cborToJSONInterface(cborInt interface{}, lookup map[int]string) interface{} {
	if cborInt == nil {
		return nil
	}
	thing := reflect.ValueOf(cborInt)
	switch thing.Type().Kind() {
	case reflect.Slice:
		arr := cborInt.([]interface{})
		for i, element := range arr {
			arr[i] = cborToJSONInterface(element, lookup)
		}
		return arr
	case reflect.Map:
		result := make(map[string]interface{})
		m := cborInt.(map[interface{}]interface{})
		var intKeys []int
		intMap := make(map[int]interface{})
		var strKeys []string
		for k, v := range m {
			if kstr, ok := k.(string); ok {
				strKeys = append(strKeys, kstr)
				continue
			}
			if kint, ok := asInt(k); ok {
				intKeys = append(intKeys, kint)
				intMap[kint] = v
			}
		}
		sort.Ints(intKeys)
		sort.Strings(strKeys)
		for _, ik := range intKeys {
			if kstr, ok := lookup[ik]; ok {
				result[kstr] = cborToJSONInterface(intMap[ik], lookup)
			} else {
				result[fmt.Sprintf("%d", ik)] = cborToJSONInterface(intMap[ik], lookup)
			}
		}
		for _, is := range strKeys {
			result[is] = cborToJSONInterface(m[is], lookup)
		}
		return result
	default:
		return cborInt
	}
}

func asInt(k interface{}) (int, bool) {
	switch v := k.(type) {
	case uint64:
		return int(v), true
	case int64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
