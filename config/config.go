// Package config loads lwm2m.Tunables from a JSON document and lets
// individual fields be overridden from environment variables or flags
// without round-tripping through a typed struct, the way the teacher's
// proxy command patches a single JSON field (e.g. base_url) in place
// before forwarding a response.
package config

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wakaama-go/lwm2m"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Document holds a JSON-encoded Tunables document, editable field by field
// via Set before being parsed with Tunables.
type Document struct {
	raw []byte
}

// DefaultDocument renders lwm2m.DefaultTunables() to JSON.
func DefaultDocument() (*Document, error) {
	b, err := json.Marshal(lwm2m.DefaultTunables())
	if err != nil {
		return nil, fmt.Errorf("lwm2m/config: marshal defaults: %w", err)
	}
	return &Document{raw: b}, nil
}

// Parse wraps an existing JSON document (e.g. read from a config file).
func Parse(raw []byte) *Document {
	return &Document{raw: append([]byte(nil), raw...)}
}

// Get reads a single field by gjson path, e.g. "MaxChunkSize".
func (d *Document) Get(path string) gjson.Result {
	return gjson.GetBytes(d.raw, path)
}

// Set overwrites a single field by sjson path without requiring the whole
// document to round-trip through a Go struct.
func (d *Document) Set(path string, value interface{}) error {
	out, err := sjson.SetBytes(d.raw, path, value)
	if err != nil {
		return fmt.Errorf("lwm2m/config: set %s: %w", path, err)
	}
	d.raw = out
	return nil
}

// Bytes returns the document's current JSON encoding.
func (d *Document) Bytes() []byte {
	return append([]byte(nil), d.raw...)
}

// Tunables decodes the document into an lwm2m.Tunables. Fields the
// document doesn't set are left zero; lwm2m.NewContext replaces zero
// fields with the package defaults when the value is passed via
// lwm2m.WithTunables.
func (d *Document) Tunables() (lwm2m.Tunables, error) {
	var t lwm2m.Tunables
	if err := json.Unmarshal(d.raw, &t); err != nil {
		return lwm2m.Tunables{}, fmt.Errorf("lwm2m/config: unmarshal tunables: %w", err)
	}
	return t, nil
}
