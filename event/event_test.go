package event

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialize_CanonicalForm(t *testing.T) {
	ev := &Event{
		PubKey:    "abc",
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      Tags{{"d", "x"}, {"e", "id", "wss://r"}},
		Content:   "hi \"there\"\n\\ <tag> & ünï",
	}

	got := string(ev.Serialize())
	want := `[0,"abc",1700000000,1,[["d","x"],["e","id","wss://r"]],"hi \"there\"\n\\ <tag> & ünï"]`
	assert.Equal(t, want, got)
}

func TestSerialize_EmptyTagsAndControlChars(t *testing.T) {
	ev := &Event{PubKey: "p", CreatedAt: 1, Kind: 2, Content: "a\x01b\tc"}
	assert.Equal(t, `[0,"p",1,2,[],"a\u0001b\tc"]`, string(ev.Serialize()))
}

func TestSerialize_MatchesEncodingJSONForPlainContent(t *testing.T) {
	ev := &Event{PubKey: "p", CreatedAt: 5, Kind: 30078, Tags: Tags{{"d", "counter"}}, Content: "plain text 42"}

	expected, err := json.Marshal([]any{0, ev.PubKey, ev.CreatedAt, ev.Kind, ev.Tags, ev.Content})
	require.NoError(t, err)
	assert.Equal(t, string(expected), string(ev.Serialize()))
}

func TestTags_Lookup(t *testing.T) {
	tags := Tags{{"c", "execute-tool"}, {"p", "pub"}, {"e", "one"}, {"e", "two"}, {}}

	assert.Equal(t, "execute-tool", tags.Value("c"))
	assert.Equal(t, "", tags.Value("missing"))
	assert.Equal(t, []string{"one", "two"}, tags.Values("e"))

	_, ok := tags.Find("p")
	assert.True(t, ok)
}

func TestNew_DefaultsTags(t *testing.T) {
	ev := New(KindAppData, nil, "x")
	require.NotNil(t, ev.Tags)
	assert.Equal(t, KindAppData, ev.Kind)
	assert.NotZero(t, ev.CreatedAt)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tags":[]`)
}

func TestKeySigner_SignAndVerify(t *testing.T) {
	signer, err := GenerateKeySigner()
	require.NoError(t, err)
	assert.Len(t, signer.PublicKey(), 64)

	ev := New(KindToolRequest, Tags{{"c", ToolCategory}}, `{"name":"add"}`)
	require.NoError(t, signer.Sign(ev))

	assert.Equal(t, signer.PublicKey(), ev.PubKey)
	assert.Len(t, ev.ID, 64)
	assert.Len(t, ev.Sig, 128)
	assert.NoError(t, ev.Validate())
	assert.NoError(t, Verify(ev))

	ev.Content = "tampered"
	assert.Error(t, Verify(ev))
}

func TestKeySigner_RoundTripSecret(t *testing.T) {
	signer, err := GenerateKeySigner()
	require.NoError(t, err)

	again, err := NewKeySigner(signer.SecretHex())
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey(), again.PublicKey())
}

func TestNewKeySigner_RejectsBadKeys(t *testing.T) {
	_, err := NewKeySigner("zz")
	assert.Error(t, err)

	_, err = NewKeySigner(strings.Repeat("ab", 16))
	assert.Error(t, err)
}

func TestValidate_RejectsShortFields(t *testing.T) {
	ev := &Event{ID: "short", PubKey: strings.Repeat("a", 64)}
	assert.Error(t, ev.Validate())

	ev = &Event{ID: strings.Repeat("a", 64), PubKey: "short"}
	assert.Error(t, ev.Validate())
}
