package call

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/event"
	"github.com/c360/hypernote/notify"
	"github.com/c360/hypernote/query"
	"github.com/c360/hypernote/subscription"
	"github.com/c360/hypernote/testutil"
)

type fixture struct {
	transport *testutil.FakeTransport
	store     *query.Store
	signer    *event.KeySigner
	server    *event.KeySigner
	notes     *notify.Recorder
	c         *Correlator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		transport: testutil.NewFakeTransport(),
		store:     query.NewStore(),
		signer:    testutil.NewSigner(t),
		server:    testutil.NewSigner(t),
		notes:     notify.NewRecorder(0),
	}
	opts = append([]Option{WithNotifier(f.notes)}, opts...)
	f.c = NewCorrelator(subscription.NewManager(f.transport), f.transport, f.store, f.signer, opts...)
	require.NoError(t, f.c.Start(context.Background()))
	t.Cleanup(func() { _ = f.c.Stop(time.Second) })
	return f
}

func (f *fixture) reply(t *testing.T, pc *PendingCall, kind int, content string) {
	t.Helper()
	ev := testutil.SignedEvent(t, f.server, kind, event.Tags{{"e", pc.ID}}, content)
	require.True(t, f.transport.Deliver(pc.SubscriptionID, ev))
}

func (f *fixture) messages() []string {
	var out []string
	for _, e := range f.notes.Entries() {
		out = append(out, e.Level.String()+": "+e.Message)
	}
	return out
}

func TestCall_SubscribesBeforePublish(t *testing.T) {
	f := newFixture(t)

	pc, err := f.c.Call(context.Background(), "increment", json.RawMessage(`{"a": 1}`), "#counter")
	require.NoError(t, err)

	assert.Equal(t, []string{"subscribe:" + pc.SubscriptionID, "publish:5910"}, f.transport.GetOps())
	assert.Equal(t, "event-"+pc.ID[:8], pc.SubscriptionID)
	assert.Equal(t, StateSubmitted, pc.State())

	sub := f.transport.Subscription(pc.SubscriptionID)
	require.NotNil(t, sub)
	require.Len(t, sub.Filters, 1)
	filter := sub.Filters[0]
	assert.ElementsMatch(t, event.CallProtocolKinds, filter.Kinds)
	assert.Equal(t, []string{pc.ID}, filter.Tags["e"])
	require.NotNil(t, filter.Since)

	published := f.transport.GetPublished()
	require.Len(t, published, 1)
	req := published[0]
	assert.Equal(t, pc.ID, req.ID)
	assert.Equal(t, event.KindToolRequest, req.Kind)
	assert.Equal(t, event.ToolCategory, req.Tags.Value("c"))
	assert.Equal(t, f.signer.PublicKey(), req.Tags.Value("p"))
	require.NoError(t, event.Verify(req))

	var body Request
	require.NoError(t, json.Unmarshal([]byte(req.Content), &body))
	assert.Equal(t, "increment", body.Name)
	assert.JSONEq(t, `{"a": 1}`, string(body.Parameters))
	assert.InDelta(t, float64(time.Now().Unix()), body.Timestamp, 5)
}

func TestCall_ResultRepublishesIntoBoundFeed(t *testing.T) {
	f := newFixture(t)
	f.store.Bind("counter", query.Binding{Kind: event.KindAppData, Discriminator: "counter"})

	pc, err := f.c.Call(context.Background(), "increment", nil, "#counter")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(pc.Args))

	f.reply(t, pc, event.KindToolRequest, "")
	assert.Equal(t, StateAcknowledged, pc.State())
	f.reply(t, pc, event.KindStatus, "working")
	assert.Equal(t, StateAcknowledged, pc.State(), "status keeps the call open")

	f.reply(t, pc, event.KindToolResult, testutil.ResultContent(t, false, "", "5"))
	assert.Equal(t, StateResolved, pc.State())
	result, err := pc.Result()
	require.NoError(t, err)
	assert.Equal(t, "5", result, "first non-empty text item")

	require.Eventually(t, func() bool { return len(f.transport.GetPublished()) == 2 }, 2*time.Second, 10*time.Millisecond)
	out := f.transport.GetPublished()[1]
	assert.Equal(t, event.KindAppData, out.Kind)
	assert.Equal(t, event.Tags{{"d", "counter"}}, out.Tags)
	assert.Equal(t, "5", out.Content)

	assert.Nil(t, f.transport.Subscription(pc.SubscriptionID), "correlation subscription closed")
	assert.Empty(t, f.c.Pending())
	got, ok := f.c.Get(pc.ID)
	require.True(t, ok, "finished calls stay queryable")
	assert.Equal(t, StateResolved, got.State())

	assert.Equal(t, []string{
		"info: Tool execution event received",
		"info: Status event received",
		"success: Result event received",
	}, f.messages())
}

func TestCall_DiscriminatorFromRecord(t *testing.T) {
	f := newFixture(t)
	rec := query.RecordFromEvent(&event.Event{ID: "x", Kind: 30001, Tags: event.Tags{{"d", "score"}}, Content: "1"})
	f.store.SetQueryResult("score", rec)

	pc, err := f.c.Call(context.Background(), "bump", nil, "score")
	require.NoError(t, err)
	f.reply(t, pc, event.KindToolResult, testutil.ResultContent(t, false, "2"))

	require.Eventually(t, func() bool { return len(f.transport.GetPublished()) == 2 }, 2*time.Second, 10*time.Millisecond)
	out := f.transport.GetPublished()[1]
	assert.Equal(t, 30001, out.Kind)
	assert.Equal(t, "score", out.Tags.Value("d"))
}

func TestCall_IgnoresOwnEcho(t *testing.T) {
	f := newFixture(t)

	pc, err := f.c.Call(context.Background(), "noop", nil, "")
	require.NoError(t, err)

	published := f.transport.GetPublished()
	require.True(t, f.transport.Deliver(pc.SubscriptionID, published[0]))
	own := testutil.SignedEvent(t, f.signer, event.KindToolRequest, event.Tags{{"e", pc.ID}}, "")
	require.True(t, f.transport.Deliver(pc.SubscriptionID, own))

	assert.Equal(t, StateSubmitted, pc.State())
	assert.Empty(t, f.notes.Entries())
}

func TestCall_OwnEchoKeptWhenDisabled(t *testing.T) {
	f := newFixture(t, WithIgnoreOwnEcho(false))

	pc, err := f.c.Call(context.Background(), "noop", nil, "")
	require.NoError(t, err)

	own := testutil.SignedEvent(t, f.signer, event.KindToolRequest, event.Tags{{"e", pc.ID}}, "")
	f.transport.Deliver(pc.SubscriptionID, own)
	assert.Equal(t, StateAcknowledged, pc.State())
}

func TestCall_UnresolvableTargetStillResolves(t *testing.T) {
	f := newFixture(t)

	pc, err := f.c.Call(context.Background(), "increment", nil, "#missing")
	require.NoError(t, err)
	f.reply(t, pc, event.KindToolResult, testutil.ResultContent(t, false, "7"))

	assert.Equal(t, StateResolved, pc.State())
	assert.Len(t, f.transport.GetPublished(), 1, "nothing republished")

	entries := f.notes.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, notify.LevelError, entries[len(entries)-1].Level)
}

func TestCall_MissingDiscriminator(t *testing.T) {
	f := newFixture(t)
	f.store.SetQueryResult("plain", query.Record{"content": "x", "kind": 1})

	pc, err := f.c.Call(context.Background(), "f", nil, "plain")
	require.NoError(t, err)
	f.reply(t, pc, event.KindToolResult, testutil.ResultContent(t, false, "y"))

	assert.Equal(t, StateResolved, pc.State())
	assert.Len(t, f.transport.GetPublished(), 1)
}

func TestCall_PublishFailure(t *testing.T) {
	f := newFixture(t)
	f.transport.PublishFunc = func(context.Context, *event.Event) error { return testutil.ErrMockRejected }
	f.store.SetQueryResult("counter", query.Record{"content": "1"})

	pc, err := f.c.Call(context.Background(), "increment", nil, "#counter")
	require.Error(t, err)
	assert.ErrorIs(t, err, testutil.ErrMockRejected)
	assert.Nil(t, pc)

	ops := f.transport.GetOps()
	require.Len(t, ops, 3)
	assert.Equal(t, "publish:5910", ops[1])
	assert.Contains(t, ops[2], "close:event-")
	assert.Equal(t, 0, f.transport.OpenCount())
	assert.Empty(t, f.c.Pending())
	assert.Equal(t, "1", f.store.Field("counter", "content").String(), "store untouched")
}

func TestCall_MalformedResult(t *testing.T) {
	f := newFixture(t)

	pc, err := f.c.Call(context.Background(), "f", nil, "")
	require.NoError(t, err)
	f.reply(t, pc, event.KindToolResult, "not json")

	assert.Equal(t, StateResolvedWithError, pc.State())
	_, err = pc.Result()
	assert.ErrorIs(t, err, errors.ErrMalformedResponse)
}

func TestCall_RemoteError(t *testing.T) {
	f := newFixture(t)
	f.store.Bind("q", query.Binding{Discriminator: "q"})

	pc, err := f.c.Call(context.Background(), "f", nil, "q")
	require.NoError(t, err)
	f.reply(t, pc, event.KindToolResult, testutil.ResultContent(t, true, "boom"))

	assert.Equal(t, StateResolvedWithError, pc.State())
	result, err := pc.Result()
	assert.Equal(t, "boom", result)
	assert.Error(t, err)
	assert.Len(t, f.transport.GetPublished(), 1, "error results are not republished")
}

func TestCall_Timeout(t *testing.T) {
	f := newFixture(t, WithTimeout(50*time.Millisecond))

	pc, err := f.c.Call(context.Background(), "slow", nil, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = pc.Wait(ctx)
	assert.ErrorIs(t, err, errors.ErrCallTimeout)
	assert.Equal(t, StateTimedOut, pc.State())
	assert.Equal(t, 0, f.transport.OpenCount())
}

func TestCall_Cancel(t *testing.T) {
	f := newFixture(t)

	pc, err := f.c.Call(context.Background(), "f", nil, "")
	require.NoError(t, err)
	require.Len(t, f.c.Pending(), 1)

	assert.True(t, f.c.Cancel(pc.ID))
	assert.False(t, f.c.Cancel(pc.ID))
	assert.Equal(t, StateCancelled, pc.State())
	assert.Equal(t, 0, f.transport.OpenCount())

	// A late result does not reopen the call.
	f.transport.DeliverAll(pc.SubscriptionID, testutil.SignedEvent(t, f.server, event.KindToolResult,
		event.Tags{{"e", pc.ID}}, testutil.ResultContent(t, false, "late")))
	assert.Equal(t, StateCancelled, pc.State())
}

func TestCall_InvalidInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.Call(context.Background(), "", nil, "")
	assert.True(t, errors.IsInvalid(err))

	_, err = f.c.Call(context.Background(), "f", json.RawMessage(`{bad`), "")
	assert.ErrorIs(t, err, errors.ErrInvalidArguments)
	assert.Empty(t, f.transport.GetOps())
}

func TestPublish_SignsWithoutCorrelation(t *testing.T) {
	f := newFixture(t)

	ev, err := f.c.Publish(context.Background(), 1, event.Tags{{"t", "x"}}, "hello")
	require.NoError(t, err)
	assert.Equal(t, f.signer.PublicKey(), ev.PubKey)
	require.NoError(t, event.Verify(ev))
	assert.Equal(t, []string{"publish:1"}, f.transport.GetOps())
	assert.Nil(t, f.transport.Subscription("event-"+ev.ID[:8]))
	assert.Zero(t, f.transport.OpenCount())
	assert.Empty(t, f.c.Pending())
}

func TestDecodeResponse(t *testing.T) {
	signer := testutil.NewSigner(t)

	resp, err := DecodeResponse(testutil.SignedEvent(t, signer, event.KindStatus, event.Tags{{"status", "processing", "half way"}}, ""))
	require.NoError(t, err)
	status := resp.(*StatusResponse)
	assert.Equal(t, "processing", status.Status)
	assert.Equal(t, "half way", status.Detail)

	_, err = DecodeResponse(testutil.SignedEvent(t, signer, event.KindToolResult, nil, `{"isError": false}`))
	assert.ErrorIs(t, err, errors.ErrMalformedResponse)

	_, err = DecodeResponse(testutil.SignedEvent(t, signer, 1, nil, ""))
	assert.ErrorIs(t, err, errors.ErrMalformedResponse)

	resp, err = DecodeResponse(testutil.SignedEvent(t, signer, event.KindToolResult, nil, `{"content": []}`))
	require.NoError(t, err)
	_, ok := resp.(*ResultResponse).FirstText()
	assert.False(t, ok)
}

func TestState(t *testing.T) {
	assert.False(t, StateSubmitted.Final())
	assert.False(t, StateAcknowledged.Final())
	for _, s := range []State{StateResolved, StateResolvedWithError, StateTimedOut, StateCancelled, StateFailed} {
		assert.True(t, s.Final(), s.String())
	}
	assert.Equal(t, "resolved-with-error", StateResolvedWithError.String())
}
