package event

import (
	"encoding/json"
	"fmt"

	"github.com/c360/hypernote/errors"
)

// Message labels of the relay wire protocol.
const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelOK     = "OK"
	LabelEOSE   = "EOSE"
	LabelClosed = "CLOSED"
	LabelNotice = "NOTICE"
	LabelAuth   = "AUTH"
)

// RelayMessage is one message sent by a relay to a client.
// Concrete types: *EventMessage, *OKMessage, *EOSEMessage, *ClosedMessage,
// *NoticeMessage, *AuthMessage.
type RelayMessage interface {
	Label() string
}

// EventMessage delivers an event for a subscription.
type EventMessage struct {
	SubscriptionID string
	Event          *Event
}

// OKMessage acknowledges or rejects a published event.
type OKMessage struct {
	EventID  string
	Accepted bool
	Reason   string
}

// EOSEMessage marks the end of stored events for a subscription.
type EOSEMessage struct {
	SubscriptionID string
}

// ClosedMessage reports that the relay closed a subscription.
type ClosedMessage struct {
	SubscriptionID string
	Reason         string
}

// NoticeMessage is a human-readable relay notice.
type NoticeMessage struct {
	Message string
}

// AuthMessage carries an authentication challenge. It is logged and ignored.
type AuthMessage struct {
	Challenge string
}

func (*EventMessage) Label() string  { return LabelEvent }
func (*OKMessage) Label() string     { return LabelOK }
func (*EOSEMessage) Label() string   { return LabelEOSE }
func (*ClosedMessage) Label() string { return LabelClosed }
func (*NoticeMessage) Label() string { return LabelNotice }
func (*AuthMessage) Label() string   { return LabelAuth }

// ParseRelayMessage decodes a relay-to-client frame. Unknown labels and shape
// mismatches are reported as invalid errors.
func ParseRelayMessage(data []byte) (RelayMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "ParseRelayMessage", "decode frame")
	}
	if len(parts) == 0 {
		return nil, malformed("empty frame")
	}

	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return nil, malformed("label is not a string")
	}

	switch label {
	case LabelEvent:
		if len(parts) < 3 {
			return nil, malformed("EVENT needs subscription id and event")
		}
		msg := &EventMessage{}
		if err := json.Unmarshal(parts[1], &msg.SubscriptionID); err != nil {
			return nil, malformed("EVENT subscription id")
		}
		if err := json.Unmarshal(parts[2], &msg.Event); err != nil || msg.Event == nil {
			return nil, malformed("EVENT payload")
		}
		return msg, nil

	case LabelOK:
		if len(parts) < 3 {
			return nil, malformed("OK needs event id and status")
		}
		msg := &OKMessage{}
		if err := json.Unmarshal(parts[1], &msg.EventID); err != nil {
			return nil, malformed("OK event id")
		}
		if err := json.Unmarshal(parts[2], &msg.Accepted); err != nil {
			return nil, malformed("OK status")
		}
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &msg.Reason)
		}
		return msg, nil

	case LabelEOSE:
		if len(parts) < 2 {
			return nil, malformed("EOSE needs subscription id")
		}
		msg := &EOSEMessage{}
		if err := json.Unmarshal(parts[1], &msg.SubscriptionID); err != nil {
			return nil, malformed("EOSE subscription id")
		}
		return msg, nil

	case LabelClosed:
		if len(parts) < 2 {
			return nil, malformed("CLOSED needs subscription id")
		}
		msg := &ClosedMessage{}
		if err := json.Unmarshal(parts[1], &msg.SubscriptionID); err != nil {
			return nil, malformed("CLOSED subscription id")
		}
		if len(parts) > 2 {
			_ = json.Unmarshal(parts[2], &msg.Reason)
		}
		return msg, nil

	case LabelNotice:
		msg := &NoticeMessage{}
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &msg.Message)
		}
		return msg, nil

	case LabelAuth:
		msg := &AuthMessage{}
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &msg.Challenge)
		}
		return msg, nil
	}

	return nil, malformed(fmt.Sprintf("unknown label %q", label))
}

// ClientMessage is one message sent by a client to a relay.
// Concrete types: *PublishMessage, *ReqMessage, *CloseMessage.
type ClientMessage interface {
	Label() string
}

// PublishMessage carries an event to store and forward.
type PublishMessage struct {
	Event *Event
}

// ReqMessage opens a subscription.
type ReqMessage struct {
	SubscriptionID string
	Filters        []Filter
}

// CloseMessage ends a subscription.
type CloseMessage struct {
	SubscriptionID string
}

func (*PublishMessage) Label() string { return LabelEvent }
func (*ReqMessage) Label() string     { return LabelReq }
func (*CloseMessage) Label() string   { return LabelClose }

// ParseClientMessage decodes a client-to-relay frame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "ParseClientMessage", "decode frame")
	}
	if len(parts) < 2 {
		return nil, malformed("client frame too short")
	}

	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return nil, malformed("label is not a string")
	}

	switch label {
	case LabelEvent:
		msg := &PublishMessage{}
		if err := json.Unmarshal(parts[1], &msg.Event); err != nil || msg.Event == nil {
			return nil, malformed("EVENT payload")
		}
		return msg, nil
	case LabelReq:
		msg := &ReqMessage{}
		if err := json.Unmarshal(parts[1], &msg.SubscriptionID); err != nil {
			return nil, malformed("REQ subscription id")
		}
		for _, raw := range parts[2:] {
			var f Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, malformed("REQ filter")
			}
			msg.Filters = append(msg.Filters, f)
		}
		return msg, nil
	case LabelClose:
		msg := &CloseMessage{}
		if err := json.Unmarshal(parts[1], &msg.SubscriptionID); err != nil {
			return nil, malformed("CLOSE subscription id")
		}
		return msg, nil
	}

	return nil, malformed(fmt.Sprintf("unknown label %q", label))
}

// EncodePublish builds ["EVENT", <event>].
func EncodePublish(ev *Event) ([]byte, error) {
	return json.Marshal([]any{LabelEvent, ev})
}

// EncodeReq builds ["REQ", <id>, <filter>...].
func EncodeReq(subID string, filters ...Filter) ([]byte, error) {
	frame := make([]any, 0, 2+len(filters))
	frame = append(frame, LabelReq, subID)
	for _, f := range filters {
		frame = append(frame, f)
	}
	return json.Marshal(frame)
}

// EncodeClose builds ["CLOSE", <id>].
func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{LabelClose, subID})
}

// EncodeRelayEvent builds ["EVENT", <id>, <event>], as sent by a relay.
func EncodeRelayEvent(subID string, ev *Event) ([]byte, error) {
	return json.Marshal([]any{LabelEvent, subID, ev})
}

// EncodeOK builds ["OK", <event id>, <accepted>, <reason>].
func EncodeOK(eventID string, accepted bool, reason string) ([]byte, error) {
	return json.Marshal([]any{LabelOK, eventID, accepted, reason})
}

// EncodeEOSE builds ["EOSE", <id>].
func EncodeEOSE(subID string) ([]byte, error) {
	return json.Marshal([]any{LabelEOSE, subID})
}

func malformed(detail string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidEvent, detail),
		"Envelope", "Parse", "decode frame")
}
