// Package event models the signed, kind-tagged records exchanged with relays:
// the event itself, subscription filters, relay wire envelopes and signing.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/c360/hypernote/errors"
)

// Kinds used by the function-call protocol and by result re-publication.
const (
	KindToolRequest = 5910  // outbound request, also observed as inbound execution progress
	KindToolResult  = 6910  // final result of a call
	KindStatus      = 7000  // intermediate status feedback
	KindAppData     = 30078 // parameterized replaceable application data
)

// CallProtocolKinds lists every kind a call may produce in response.
var CallProtocolKinds = []int{KindToolRequest, KindToolResult, KindStatus}

// ToolCategory is the value of the "c" tag on every function-call request.
const ToolCategory = "execute-tool"

// Tag is a single tag: a key followed by values.
type Tag []string

// Key returns the tag name or "" for an empty tag.
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value of the tag or "".
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is the ordered tag list of an event.
type Tags []Tag

// Find returns the first tag with the given key.
func (t Tags) Find(key string) (Tag, bool) {
	for _, tag := range t {
		if tag.Key() == key {
			return tag, true
		}
	}
	return nil, false
}

// Value returns the first value of the first tag with the given key.
func (t Tags) Value(key string) string {
	tag, ok := t.Find(key)
	if !ok {
		return ""
	}
	return tag.Value()
}

// Values returns the first value of every tag with the given key.
func (t Tags) Values(key string) []string {
	var out []string
	for _, tag := range t {
		if tag.Key() == key && len(tag) > 1 {
			out = append(out, tag[1])
		}
	}
	return out
}

// Event is an immutable signed record.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// New builds an unsigned event stamped with the current time.
func New(kind int, tags Tags, content string) *Event {
	if tags == nil {
		tags = Tags{}
	}
	return &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
}

// ShortID returns the first eight characters of the id, for logs and
// subscription names.
func (e *Event) ShortID() string {
	return ShortIDOf(e.ID)
}

// ShortIDOf truncates an event id to eight characters
func ShortIDOf(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Serialize returns the canonical form hashed into the event id:
// [0,<pubkey>,<created_at>,<kind>,<tags>,<content>].
func (e *Event) Serialize() []byte {
	buf := make([]byte, 0, 128+len(e.Content))
	buf = append(buf, `[0,"`...)
	buf = append(buf, e.PubKey...)
	buf = append(buf, `",`...)
	buf = strconv.AppendInt(buf, e.CreatedAt, 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(e.Kind), 10)
	buf = append(buf, ",["...)
	for i, tag := range e.Tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, v := range tag {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendQuoted(buf, v)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, "],"...)
	buf = appendQuoted(buf, e.Content)
	buf = append(buf, ']')
	return buf
}

// ComputeID returns the hex sha256 of the canonical serialization.
func (e *Event) ComputeID() string {
	sum := sha256.Sum256(e.Serialize())
	return hex.EncodeToString(sum[:])
}

// CheckID reports whether the stored id matches the content.
func (e *Event) CheckID() bool {
	return e.ID == e.ComputeID()
}

// Validate checks the structural shape of a received event.
func (e *Event) Validate() error {
	if len(e.ID) != 64 {
		return errors.WrapInvalid(fmt.Errorf("%w: id length %d", errors.ErrInvalidEvent, len(e.ID)),
			"Event", "Validate", "check id")
	}
	if len(e.PubKey) != 64 {
		return errors.WrapInvalid(fmt.Errorf("%w: pubkey length %d", errors.ErrInvalidEvent, len(e.PubKey)),
			"Event", "Validate", "check pubkey")
	}
	if e.Kind < 0 || e.Kind > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: kind %d out of range", errors.ErrInvalidEvent, e.Kind),
			"Event", "Validate", "check kind")
	}
	return nil
}

// String renders the event as JSON, mainly for logs.
func (e *Event) String() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("event(%s)", e.ShortID())
	}
	return string(data)
}

// appendQuoted writes s as a JSON string using the minimal escaping relays
// expect when recomputing ids.
func appendQuoted(buf []byte, s string) []byte {
	const hexDigits = "0123456789abcdef"
	buf = append(buf, '"')
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '"':
			buf = append(buf, '\\', '"')
		case c == '\\':
			buf = append(buf, '\\', '\\')
		case c == '\n':
			buf = append(buf, '\\', 'n')
		case c == '\r':
			buf = append(buf, '\\', 'r')
		case c == '\t':
			buf = append(buf, '\\', 't')
		case c == '\b':
			buf = append(buf, '\\', 'b')
		case c == '\f':
			buf = append(buf, '\\', 'f')
		case c < 0x20:
			buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
		case c < utf8.RuneSelf:
			buf = append(buf, c)
		default:
			_, size := utf8.DecodeRuneInString(s[i:])
			buf = append(buf, s[i:i+size]...)
			i += size
			continue
		}
		i++
	}
	return append(buf, '"')
}
