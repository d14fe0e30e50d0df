// Package payload holds entity payloads as they travel from the UI through
// the local queue to the remote store.
//
// Numbers are kept as json.Number end to end so amounts never pass through
// float64. Serialization goes through MarshalCanonical: sorted keys, NFC
// strings, no HTML escaping.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Object is a partial or full entity row keyed by column name.
type Object map[string]any

// Well-known columns stamped by the offline façade.
const (
	FieldID        = "id"
	FieldOwner     = "user_id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Decode parses a JSON object, keeping numbers as json.Number.
func Decode(data []byte) (Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("decode payload: expected a JSON object")
	}
	return Object(m), nil
}

// MarshalJSON emits canonical JSON.
func (o Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("null"), nil
	}
	return MarshalCanonical(o)
}

// UnmarshalJSON decodes with json.Number preserved.
func (o *Object) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = nil
		return nil
	}
	obj, err := Decode(data)
	if err != nil {
		return err
	}
	*o = obj
	return nil
}

// Clone returns a deep copy of nested maps and slices.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Object:
		return val.Clone()
	case map[string]any:
		return map[string]any(Object(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// Merge returns a copy of o with every key of patch applied on top.
// Last write wins; there is no field-level reconciliation.
func (o Object) Merge(patch Object) Object {
	out := o.Clone()
	if out == nil {
		out = Object{}
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// String returns the string value at key, or "" when absent or not a string.
func (o Object) String(key string) string {
	s, _ := o[key].(string)
	return s
}

// ID returns the row id.
func (o Object) ID() string {
	return o.String(FieldID)
}

// Stamp sets a timestamp column in RFC 3339 with millisecond precision.
func (o Object) Stamp(key string, t time.Time) {
	o[key] = t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
