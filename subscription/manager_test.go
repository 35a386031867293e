package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/event"
	"github.com/c360/hypernote/testutil"
)

func TestManager_SubscribeDelivers(t *testing.T) {
	transport := testutil.NewFakeTransport()
	m := NewManager(transport)
	signer := testutil.NewSigner(t)

	var got []string
	h, err := m.Subscribe(context.Background(), "counter", event.Filter{Kinds: []int{event.KindAppData}}, func(_ string, ev *event.Event) {
		got = append(got, ev.Content)
	})
	require.NoError(t, err)
	assert.Equal(t, "counter", h.ID())

	for _, c := range []string{"1", "2", "2"} {
		require.True(t, transport.Deliver("counter", testutil.SignedEvent(t, signer, event.KindAppData, nil, c)))
	}
	assert.Equal(t, []string{"1", "2", "2"}, got, "arrival order, no deduplication")
}

func TestManager_ReplaceClosesPrior(t *testing.T) {
	transport := testutil.NewFakeTransport()
	m := NewManager(transport)
	signer := testutil.NewSigner(t)
	ctx := context.Background()

	first, second := 0, 0
	_, err := m.Subscribe(ctx, "q", event.Filter{Kinds: []int{1}}, func(string, *event.Event) { first++ })
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "q", event.Filter{Kinds: []int{1}}, func(string, *event.Event) { second++ })
	require.NoError(t, err)

	assert.Equal(t, []string{"subscribe:q", "close:q", "subscribe:q"}, transport.GetOps())
	assert.Equal(t, 1, transport.OpenCount())

	// A relay that still routes to the old subscription must not reach the old callback.
	transport.DeliverAll("q", testutil.SignedEvent(t, signer, 1, nil, "x"))
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestManager_StaleHandleCloseIsNoop(t *testing.T) {
	transport := testutil.NewFakeTransport()
	m := NewManager(transport)
	ctx := context.Background()

	old, err := m.Subscribe(ctx, "q", event.Filter{Kinds: []int{1}}, nil)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "q", event.Filter{Kinds: []int{1}}, nil)
	require.NoError(t, err)

	old.Close()
	assert.True(t, m.Has("q"), "closing a replaced handle leaves its successor alone")
}

func TestManager_CloseAndCloseAll(t *testing.T) {
	transport := testutil.NewFakeTransport()
	m := NewManager(transport)
	ctx := context.Background()

	_, err := m.StartBackground(ctx)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "a", event.Filter{Kinds: []int{1}}, nil)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "b", event.Filter{Kinds: []int{1}}, nil)
	require.NoError(t, err)

	assert.True(t, m.Close("a"))
	assert.False(t, m.Close("a"))

	active := m.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "b", active[0].ID)
	assert.Equal(t, BackgroundID, active[1].ID)

	m.CloseAll()
	assert.Empty(t, m.Active())
	assert.Equal(t, 0, transport.OpenCount(), "background monitor closed too")

	_, err = m.Subscribe(ctx, "c", event.Filter{}, nil)
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestManager_BackgroundFilter(t *testing.T) {
	transport := testutil.NewFakeTransport()
	m := NewManager(transport)

	h, err := m.StartBackground(context.Background())
	require.NoError(t, err)

	f := h.Filter()
	assert.ElementsMatch(t, []int{event.KindToolRequest, event.KindToolResult, event.KindStatus}, f.Kinds)
	require.NotNil(t, f.Since)
	assert.Positive(t, *f.Since)

	sub := transport.Subscription(BackgroundID)
	require.NotNil(t, sub)
	require.Len(t, sub.Filters, 1)
}

func TestManager_RejectsEmptyID(t *testing.T) {
	m := NewManager(testutil.NewFakeTransport())
	_, err := m.Subscribe(context.Background(), "", event.Filter{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
