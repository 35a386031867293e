package query

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/c360/hypernote/event"
)

// Value is a field read from a query record. The zero Value is Unresolved,
// which is distinct from every real value including "" and 0.
type Value struct {
	v        any
	resolved bool
}

// Unresolved marks a field whose query has no record yet, or whose record
// lacks the field
var Unresolved = Value{}

// Resolved wraps a real value
func Resolved(v any) Value {
	return Value{v: v, resolved: true}
}

// IsResolved reports whether the value came from a record
func (v Value) IsResolved() bool {
	return v.resolved
}

// Any returns the underlying value, nil when unresolved
func (v Value) Any() any {
	return v.v
}

// IsNumber reports whether the underlying value is numeric
func (v Value) IsNumber() bool {
	switch v.v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return v.resolved
	}
	return false
}

// String formats the value for display. Strings are verbatim, numbers have
// no exponent and composite values render as JSON. Unresolved is "".
func (v Value) String() string {
	if !v.resolved {
		return ""
	}
	return Format(v.v)
}

// MarshalJSON encodes an unresolved value as null
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.resolved {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

// Format renders any record value as display text
func Format(x any) string {
	switch t := x.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	}

	data, err := json.Marshal(x)
	if err != nil {
		return fmt.Sprint(x)
	}
	return string(data)
}

// Record holds the fields of the latest event received for a query
type Record map[string]any

// Record field names
const (
	FieldID        = "id"
	FieldPubKey    = "pubkey"
	FieldCreatedAt = "created_at"
	FieldKind      = "kind"
	FieldContent   = "content"
	FieldTags      = "tags"
)

// RecordFromEvent captures every field of ev
func RecordFromEvent(ev *event.Event) Record {
	tags := make([][]string, len(ev.Tags))
	for i, tag := range ev.Tags {
		tags[i] = append([]string(nil), tag...)
	}
	return Record{
		FieldID:        ev.ID,
		FieldPubKey:    ev.PubKey,
		FieldCreatedAt: ev.CreatedAt,
		FieldKind:      ev.Kind,
		FieldContent:   ev.Content,
		FieldTags:      tags,
	}
}

// Field returns the named field or Unresolved
func (r Record) Field(name string) Value {
	if r == nil {
		return Unresolved
	}
	v, ok := r[name]
	if !ok {
		return Unresolved
	}
	return Resolved(v)
}

// TagValue returns the first value of the named tag in the record's tag list
func (r Record) TagValue(key string) (string, bool) {
	switch tags := r[FieldTags].(type) {
	case [][]string:
		for _, tag := range tags {
			if len(tag) >= 2 && tag[0] == key {
				return tag[1], true
			}
		}
	case []any:
		for _, raw := range tags {
			tag, ok := raw.([]any)
			if !ok || len(tag) < 2 {
				continue
			}
			if k, _ := tag[0].(string); k == key {
				v, ok := tag[1].(string)
				return v, ok
			}
		}
	case event.Tags:
		if tag, ok := tags.Find(key); ok && len(tag) >= 2 {
			return tag[1], true
		}
	}
	return "", false
}

// clone copies r including its tag lists, which are the only nested
// mutable values a record carries
func (r Record) clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	switch tags := r[FieldTags].(type) {
	case [][]string:
		cp := make([][]string, len(tags))
		for i, tag := range tags {
			cp[i] = slices.Clone(tag)
		}
		out[FieldTags] = cp
	case event.Tags:
		cp := make(event.Tags, len(tags))
		for i, tag := range tags {
			cp[i] = slices.Clone(tag)
		}
		out[FieldTags] = cp
	case []any:
		cp := make([]any, len(tags))
		for i, tag := range tags {
			if inner, ok := tag.([]any); ok {
				tag = slices.Clone(inner)
			}
			cp[i] = tag
		}
		out[FieldTags] = cp
	}
	return out
}
