package testutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360/hypernote/event"
)

// NewSigner returns a signer with a fresh key
func NewSigner(t testing.TB) *event.KeySigner {
	t.Helper()
	signer, err := event.GenerateKeySigner()
	require.NoError(t, err)
	return signer
}

// SignedEvent builds and signs an event
func SignedEvent(t testing.TB, signer event.Signer, kind int, tags event.Tags, content string) *event.Event {
	t.Helper()
	ev := event.New(kind, tags, content)
	require.NoError(t, signer.Sign(ev))
	return ev
}

// ResultContent builds the content of a tool result event
func ResultContent(t testing.TB, isError bool, texts ...string) string {
	t.Helper()

	type item struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	payload := struct {
		Content []item `json:"content"`
		IsError bool   `json:"isError"`
	}{IsError: isError}
	for _, text := range texts {
		payload.Content = append(payload.Content, item{Type: "text", Text: text})
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return string(data)
}
