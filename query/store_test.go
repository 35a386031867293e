package query

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hypernote/event"
	"github.com/c360/hypernote/metric"
)

func TestStore_LastWriteWins(t *testing.T) {
	s := NewStore()
	s.RegisterSlot("s-content", "q", "content")
	s.RegisterSlot("s-extra", "q", "extra")

	s.SetQueryResult("q", Record{"content": "first", "extra": "only-in-r1"})
	s.SetQueryResult("q", Record{"content": "second"})

	assert.Equal(t, "second", s.SlotValue("s-content").Any())
	assert.False(t, s.SlotValue("s-extra").IsResolved(), "fields of r1 are not merged into r2")

	rec, ok := s.QueryResult("q")
	require.True(t, ok)
	if diff := cmp.Diff(Record{"content": "second"}, rec); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_RegisterSlotBeforeResult(t *testing.T) {
	s := NewStore()

	v := s.RegisterSlot("s1", "q", "content")
	assert.False(t, v.IsResolved())
	assert.Equal(t, Unresolved, s.SlotValue("s1"))
	assert.NotEqual(t, Resolved(""), s.SlotValue("s1"), "unresolved is not the empty string")
	assert.NotEqual(t, Resolved(0), s.SlotValue("s1"), "unresolved is not zero")

	s.SetQueryResult("q", Record{"content": ""})
	assert.True(t, s.SlotValue("s1").IsResolved())
	assert.Equal(t, "", s.SlotValue("s1").Any())
}

func TestStore_RegisterSlotAfterResult(t *testing.T) {
	s := NewStore()
	s.SetQueryResult("q", Record{"kind": 30078})

	v := s.RegisterSlot("s1", "q", "kind")
	assert.True(t, v.IsNumber())
	assert.Equal(t, "30078", v.String())
}

func TestStore_RegisterSlotOverwriteMovesIndex(t *testing.T) {
	s := NewStore()
	s.RegisterSlot("s1", "a", "content")
	s.RegisterSlot("s1", "b", "content")

	assert.Empty(t, s.Slots("a"))
	require.Len(t, s.Slots("b"), 1)

	s.SetQueryResult("a", Record{"content": "from-a"})
	assert.False(t, s.SlotValue("s1").IsResolved())
}

func TestStore_UnregisterSlot(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	s := NewStore(WithMetrics(registry.CoreMetrics()))
	s.RegisterSlot("s1", "q", "content")

	assert.True(t, s.UnregisterSlot("s1"))
	assert.False(t, s.UnregisterSlot("s1"))
	assert.Empty(t, s.Slots("q"))
	assert.Equal(t, Unresolved, s.SlotValue("s1"))

	s.SetQueryResult("q", Record{"content": "x"})
	_, ok := s.Slot("s1")
	assert.False(t, ok)
}

func TestStore_Discriminator(t *testing.T) {
	s := NewStore()

	_, ok := s.Discriminator("q")
	assert.False(t, ok)

	ev := &event.Event{ID: "e1", Kind: event.KindAppData, Tags: event.Tags{{"d", "from-record"}}, Content: "5"}
	s.SetQueryResult("q", RecordFromEvent(ev))
	d, ok := s.Discriminator("q")
	require.True(t, ok)
	assert.Equal(t, "from-record", d)

	s.Bind("q", Binding{Kind: event.KindAppData, Discriminator: "declared"})
	d, _ = s.Discriminator("q")
	assert.Equal(t, "declared", d, "declared binding wins over the record tag")

	b, ok := s.Binding("q")
	require.True(t, ok)
	assert.Equal(t, event.KindAppData, b.Kind)
}

func TestRecord_TagValueFromDecodedJSON(t *testing.T) {
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(`{"tags":[["e","x"],["d","counter"]]}`), &rec))

	d, ok := rec.TagValue("d")
	require.True(t, ok)
	assert.Equal(t, "counter", d)

	_, ok = rec.TagValue("p")
	assert.False(t, ok)
}

func TestStore_OnChange(t *testing.T) {
	s := NewStore()
	s.RegisterSlot("s1", "q", "content")

	var seen []string
	cancel := s.OnChange(func(queryID string, rec Record) {
		// Slots are already updated when listeners run.
		seen = append(seen, queryID+"="+s.SlotValue("s1").String())
	})

	s.SetQueryResult("q", Record{"content": "1"})
	cancel()
	s.SetQueryResult("q", Record{"content": "2"})

	assert.Equal(t, []string{"q=1"}, seen)
}

func TestStore_ForgetAndReset(t *testing.T) {
	s := NewStore()
	s.RegisterSlot("s1", "q", "content")
	s.SetQueryResult("q", Record{"content": "x"})
	s.Bind("q", Binding{Kind: 1})

	s.Forget("q")
	_, ok := s.QueryResult("q")
	assert.False(t, ok)
	_, ok = s.Binding("q")
	assert.False(t, ok)
	assert.Equal(t, Unresolved, s.SlotValue("s1"))

	s.SetQueryResult("q", Record{"content": "y"})
	assert.Equal(t, "y", s.SlotValue("s1").String())

	s.Reset()
	assert.Empty(t, s.Queries())
	_, ok = s.Slot("s1")
	assert.False(t, ok)
}

func TestStore_QueryResultIsCopy(t *testing.T) {
	s := NewStore()
	in := Record{"content": "x"}
	s.SetQueryResult("q", in)
	in["content"] = "mutated"

	rec, _ := s.QueryResult("q")
	rec["content"] = "also mutated"

	assert.Equal(t, "x", s.Field("q", "content").Any())
}

func TestStore_TagsAreNotShared(t *testing.T) {
	s := NewStore()
	in := RecordFromEvent(&event.Event{Kind: 30078, Tags: event.Tags{{"d", "counter"}}})
	s.SetQueryResult("q", in)
	in[FieldTags].([][]string)[0][1] = "changed-by-caller"

	var seen Record
	cancel := s.OnChange(func(_ string, rec Record) { seen = rec })
	defer cancel()
	s.SetQueryResult("r", Record{FieldTags: []any{[]any{"d", "x"}}})
	seen[FieldTags].([]any)[0].([]any)[1] = "changed-by-listener"

	rec, ok := s.QueryResult("q")
	require.True(t, ok)
	rec[FieldTags].([][]string)[0][1] = "changed-by-reader"

	d, ok := s.Discriminator("q")
	require.True(t, ok)
	assert.Equal(t, "counter", d)
	d, ok = s.Discriminator("r")
	require.True(t, ok)
	assert.Equal(t, "x", d)

	typed := Record{FieldTags: event.Tags{{"d", "typed"}}}
	cp := typed.clone()
	cp[FieldTags].(event.Tags)[0][1] = "changed"
	assert.Equal(t, "typed", typed[FieldTags].(event.Tags)[0][1])
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(3)
		q := fmt.Sprintf("q%d", i%2)
		go func(i int) {
			defer wg.Done()
			s.SetQueryResult(q, Record{"content": i})
		}(i)
		go func(i int) {
			defer wg.Done()
			s.RegisterSlot(fmt.Sprintf("s%d", i), q, "content")
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = s.SlotValue(fmt.Sprintf("s%d", i))
			_, _ = s.QueryResult(q)
		}(i)
	}
	wg.Wait()

	for _, q := range []string{"q0", "q1"} {
		want := s.Field(q, "content")
		for _, slot := range s.Slots(q) {
			assert.Equal(t, want, slot.Value, "every slot agrees with its record")
		}
	}
}

func TestValue_Format(t *testing.T) {
	assert.Equal(t, "42", Resolved(float64(42)).String())
	assert.Equal(t, "0.5", Resolved(0.5).String())
	assert.Equal(t, "1700000000", Resolved(int64(1700000000)).String())
	assert.Equal(t, "true", Resolved(true).String())
	assert.Equal(t, `[["d","x"]]`, Resolved([][]string{{"d", "x"}}).String())
	assert.Equal(t, "", Unresolved.String())

	data, err := json.Marshal(Unresolved)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestRecordFromEvent(t *testing.T) {
	ev := &event.Event{ID: "id", PubKey: "pk", CreatedAt: 10, Kind: 30078, Tags: event.Tags{{"d", "c"}}, Content: "7"}
	rec := RecordFromEvent(ev)

	want := Record{
		"id": "id", "pubkey": "pk", "created_at": int64(10), "kind": 30078,
		"content": "7", "tags": [][]string{{"d", "c"}},
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}
