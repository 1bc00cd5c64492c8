package sysupdate

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// document is the parsed JSON payload a worker leaves on stdout. A
// zero-length stdout is accepted and parses to a nil document; callbacks
// that require keys must treat that as a hard error themselves.
type document struct {
	raw interface{}
}

// parseDocument parses a worker's captured stdout. An empty buffer yields a
// nil document rather than an error, matching the worker contract that a
// successful no-op exit may produce no output at all.
func parseDocument(stdout []byte) (*document, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse worker JSON: %w", err)
	}
	return &document{raw: v}, nil
}

func (d *document) object() (map[string]interface{}, bool) {
	if d == nil {
		return nil, false
	}
	m, ok := d.raw.(map[string]interface{})
	return m, ok
}

// reserialize re-emits the document as a compact JSON string. This is a
// round-trip through a generic value rather than a byte-for-byte echo of the
// worker's output; spec.md's design notes leave stability under
// re-serialization as an open question (see DESIGN.md), and a generic
// marshal is the safest interpretation since it is guaranteed to be
// structurally equal to the original on decode.
func (d *document) reserialize() (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d.raw)
	if err != nil {
		return "", fmt.Errorf("reserialize worker JSON: %w", err)
	}
	return string(b), nil
}

// listDocument extracts the fields of the "list" worker verb's output.
type listDocument struct {
	All           []string
	Current       *string
	AppstreamURLs []string
}

func (d *document) asListDocument() (*listDocument, error) {
	obj, ok := d.object()
	if !ok {
		return nil, fmt.Errorf("missing key 'all'")
	}
	all, err := stringSlice(obj, "all")
	if err != nil {
		return nil, err
	}
	ld := &listDocument{All: all}
	if v, present := obj["current"]; present {
		ld.Current = optionalString(v)
	}
	if v, present := obj["appstream_urls"]; present {
		urls, err := stringSliceValue(v)
		if err != nil {
			return nil, fmt.Errorf("key 'appstream_urls': %w", err)
		}
		ld.AppstreamURLs = urls
	}
	return ld, nil
}

// asAvailable extracts the "check-new" worker verb's output.
func (d *document) asAvailable() (*string, error) {
	obj, ok := d.object()
	if !ok {
		return nil, fmt.Errorf("missing key 'available'")
	}
	v, present := obj["available"]
	if !present {
		return nil, fmt.Errorf("missing key 'available'")
	}
	return optionalString(v), nil
}

// componentsDocument extracts the "components" worker verb's output.
type componentsDocument struct {
	Default    bool
	Components []string
}

func (d *document) asComponentsDocument() (*componentsDocument, error) {
	obj, ok := d.object()
	if !ok {
		return nil, fmt.Errorf("missing keys 'default'/'components'")
	}
	defVal, present := obj["default"]
	if !present {
		return nil, fmt.Errorf("missing key 'default'")
	}
	b, ok := defVal.(bool)
	if !ok {
		return nil, fmt.Errorf("key 'default' is not a boolean")
	}
	comps, err := stringSlice(obj, "components")
	if err != nil {
		return nil, err
	}
	return &componentsDocument{Default: b, Components: comps}, nil
}

// asRemoved extracts the "vacuum" worker verb's output.
func (d *document) asRemoved() (uint64, error) {
	obj, ok := d.object()
	if !ok {
		return 0, fmt.Errorf("missing key 'removed'")
	}
	v, present := obj["removed"]
	if !present {
		return 0, fmt.Errorf("missing key 'removed'")
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("key 'removed' is not a number")
	}
	n, err := num.Int64()
	if err != nil || n < 0 {
		return 0, fmt.Errorf("key 'removed' is not an unsigned integer")
	}
	return uint64(n), nil
}

func stringSlice(obj map[string]interface{}, key string) ([]string, error) {
	v, present := obj[key]
	if !present {
		return nil, fmt.Errorf("missing key %q", key)
	}
	s, err := stringSliceValue(v)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", key, err)
	}
	return s, nil
}

func stringSliceValue(v interface{}) ([]string, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array of strings")
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("expected array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

func optionalString(v interface{}) *string {
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}
