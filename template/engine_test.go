package template

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/query"
)

func newEngine(records map[string]query.Record) *Engine {
	store := query.NewStore()
	for id, rec := range records {
		store.SetQueryResult(id, rec)
	}
	return NewEngine(store)
}

func TestArgs_NumericStaysNumeric(t *testing.T) {
	e := newEngine(map[string]query.Record{"q": {"content": 42}})

	args, err := e.Args(`{"a": {q.content}}`, "q")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 42}`, string(args))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(args, &decoded))
	assert.IsType(t, float64(0), decoded["a"])
}

func TestArgs_StringValueStillParses(t *testing.T) {
	e := newEngine(map[string]query.Record{"q": {"content": "42"}})

	args, err := e.Args(`{"a": {q.content}}`, "q")
	require.NoError(t, err)
	assert.True(t, json.Valid(args))
}

func TestArgs_StringInsideQuotes(t *testing.T) {
	e := newEngine(map[string]query.Record{"q": {"content": `say "hi"`}})

	args, err := e.Args(`{"msg": "{q.content}!"}`, "q")
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg": "say \"hi\"!"}`, string(args))
}

func TestArgs_OnlyScopedQuery(t *testing.T) {
	e := newEngine(map[string]query.Record{
		"q":     {"content": 1},
		"other": {"content": 2},
	})

	args, err := e.Args(`{"a": {q.content}, "b": "{other.content}"}`, "q")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1, "b": "{other.content}"}`, string(args))
}

func TestArgs_InvalidResult(t *testing.T) {
	e := newEngine(map[string]query.Record{"q": {"content": "not a number"}})

	_, err := e.Args(`{"a": {q.content}}`, "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidArguments)
	assert.True(t, errors.IsInvalid(err))

	_, err = e.Args(`{"a": {missing.content}}`, "missing")
	assert.ErrorIs(t, err, errors.ErrInvalidArguments, "unresolved reference leaves invalid JSON")
}

func TestArgs_EmptyDefaultsToObject(t *testing.T) {
	e := newEngine(nil)
	args, err := e.Args("  ", "q")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(args))
}

func TestText_Substitution(t *testing.T) {
	e := newEngine(map[string]query.Record{
		"q": {"kind": 30078, "content": "hello", "created_at": int64(1700000000)},
	})

	assert.Equal(t, "Value: 30078", e.Text("Value: {q.kind}"))
	assert.Equal(t, "hello at 1700000000", e.Text("{q.content} at {q.created_at}"))
	assert.Equal(t, "{q.missing} and {nope.content}", e.Text("{q.missing} and {nope.content}"))
	assert.Equal(t, "no refs", e.Text("no refs"))
}

func TestText_FullRecordAndScoping(t *testing.T) {
	e := newEngine(map[string]query.Record{
		"q": {"content": "x"},
		"r": {"content": "y"},
	})

	assert.JSONEq(t, `{"content":"x"}`, e.Text("{q}"))
	assert.Equal(t, "x {r.content}", e.TextFor("{q.content} {r.content}", "q"))
}

func TestReferences(t *testing.T) {
	refs := References(`{"a": {q.content}} {other} {bad ref}`)
	assert.Equal(t, []Reference{{QueryID: "q", Field: "content"}, {QueryID: "other"}}, refs)
}
