package record

import (
	"encoding/json"
	"strings"
)

// Record is a single stored document: a JSON object keyed by field name.
// Values are the usual encoding/json shapes, except that numbers decoded
// through this package arrive as json.Number to avoid float64 precision
// loss for integers above 2^53.
type Record map[string]any

// Clone returns a shallow copy of the record. Nested objects and arrays
// are shared with the original.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a new record with every field of patch laid over r.
// A nil value in patch overwrites; fields absent from patch are kept.
func (r Record) Merge(patch Record) Record {
	out := r.Clone()
	if out == nil {
		out = make(Record, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Field resolves a dotted key path ("profile.email") against the record.
// Returns the value and true when every segment resolves through nested
// objects; false otherwise.
func (r Record) Field(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(r)
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			if rec, isRec := cur.(Record); isRec {
				obj = map[string]any(rec)
			} else {
				return nil, false
			}
		}
		v, ok := obj[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// SetField writes a value at a dotted key path, creating intermediate
// objects as needed. The top-level record must be non-nil.
func (r Record) SetField(path string, value any) {
	segs := strings.Split(path, ".")
	cur := map[string]any(r)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// KeyString extracts the value at path and renders it as a key string.
// Only strings and json.Numbers are valid key material.
func (r Record) KeyString(path string) (string, bool) {
	v, ok := r.Field(path)
	if !ok {
		return "", false
	}
	switch k := v.(type) {
	case string:
		return k, k != ""
	case json.Number:
		return k.String(), true
	default:
		return "", false
	}
}

// Unmarshal decodes a JSON object into a Record. Numbers are preserved
// as json.Number.
func Unmarshal(data []byte) (Record, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}
