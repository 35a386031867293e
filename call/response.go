package call

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/event"
)

// Response is a decoded event observed on a call's correlation
// subscription. Concrete types: *ExecutionResponse, *StatusResponse,
// *ResultResponse.
type Response interface {
	Source() *event.Event
}

// ExecutionResponse reports that the remote side started executing
type ExecutionResponse struct {
	Event   *event.Event
	Message string
}

// StatusResponse carries intermediate status feedback
type StatusResponse struct {
	Event  *event.Event
	Status string
	Detail string
}

// ResultItem is one entry of a result payload
type ResultItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ResultResponse is the final result of a call
type ResultResponse struct {
	Event   *event.Event
	Items   []ResultItem
	IsError bool
}

// Source returns the event the response was decoded from
func (r *ExecutionResponse) Source() *event.Event { return r.Event }

// Source returns the event the response was decoded from
func (r *StatusResponse) Source() *event.Event { return r.Event }

// Source returns the event the response was decoded from
func (r *ResultResponse) Source() *event.Event { return r.Event }

// FirstText returns the first non-empty text item
func (r *ResultResponse) FirstText() (string, bool) {
	for _, item := range r.Items {
		if item.Text != "" {
			return item.Text, true
		}
	}
	return "", false
}

type resultPayload struct {
	Content *[]ResultItem `json:"content"`
	IsError bool          `json:"isError"`
}

// DecodeResponse decodes ev by kind. Unknown kinds and result payloads that
// do not match the expected shape fail with ErrMalformedResponse.
func DecodeResponse(ev *event.Event) (Response, error) {
	if ev == nil {
		return nil, malformed("nil event")
	}

	switch ev.Kind {
	case event.KindToolRequest:
		return &ExecutionResponse{Event: ev, Message: ev.Content}, nil

	case event.KindStatus:
		resp := &StatusResponse{Event: ev, Detail: ev.Content}
		if tag, ok := ev.Tags.Find("status"); ok {
			resp.Status = tag.Value()
			if len(tag) > 2 && resp.Detail == "" {
				resp.Detail = tag[2]
			}
		}
		if resp.Status == "" {
			resp.Status = strings.TrimSpace(ev.Content)
		}
		return resp, nil

	case event.KindToolResult:
		var payload resultPayload
		if err := json.Unmarshal([]byte(ev.Content), &payload); err != nil {
			return nil, malformed("result content is not JSON: " + err.Error())
		}
		if payload.Content == nil {
			return nil, malformed("result content has no content array")
		}
		return &ResultResponse{Event: ev, Items: *payload.Content, IsError: payload.IsError}, nil
	}

	return nil, malformed(fmt.Sprintf("unexpected kind %d", ev.Kind))
}

func malformed(detail string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrMalformedResponse, detail),
		"Correlator", "DecodeResponse", "decode response")
}
