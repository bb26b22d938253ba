package cbor

import (
	"encoding/json"
	"testing"
)

func TestRoundTripThroughCompactedKeys(t *testing.T) {
	tc, err := NewLwM2MTranscoder(false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	input := map[string]interface{}{
		"endpointName": "urn:imei:1234",
		"lifetime":     float64(86400),
		"objectLinks":  []interface{}{"</1/0>", "</3/0>"},
	}
	src, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	packed, err := tc.JSONToCBOR(src)
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}

	out, err := tc.CBORToJSON(packed)
	if err != nil {
		t.Fatalf("CBORToJSON: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	if got["endpointName"] != "urn:imei:1234" {
		t.Fatalf("got %+v", got)
	}
	if got["lifetime"] != float64(86400) {
		t.Fatalf("got lifetime %v", got["lifetime"])
	}
}

func TestUnknownFieldNamesPassThroughUncompacted(t *testing.T) {
	tc, err := NewLwM2MTranscoder(false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	src, _ := json.Marshal(map[string]interface{}{"notInTable": "x"})
	packed, err := tc.JSONToCBOR(src)
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}
	out, err := tc.CBORToJSON(packed)
	if err != nil {
		t.Fatalf("CBORToJSON: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["notInTable"] != "x" {
		t.Fatalf("got %+v", got)
	}
}

func TestCanonicalEncodingIsDeterministic(t *testing.T) {
	tc, err := NewLwM2MTranscoder(true)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	src, _ := json.Marshal(map[string]interface{}{"lifetime": float64(60), "endpointName": "a"})
	a, err := tc.JSONToCBOR(src)
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}
	b, err := tc.JSONToCBOR(src)
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}
	if len(a) != len(b) {
		t.Fatal("canonical encoding of the same input must be identical")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("canonical encoding of the same input must be identical")
		}
	}
}
