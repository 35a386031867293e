package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/event"
	"github.com/c360/hypernote/health"
	"github.com/c360/hypernote/metric"
	"github.com/c360/hypernote/relay"
	"github.com/c360/hypernote/testutil"
)

const deadRelay = "ws://127.0.0.1:1"

func newPool(t *testing.T, urls []string, opts ...relay.Option) *relay.Pool {
	t.Helper()
	opts = append([]relay.Option{relay.WithConnectTimeout(time.Second)}, opts...)
	pool, err := relay.NewPool(urls, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.CloseAll(context.Background()) })
	return pool
}

type eventSink struct {
	mu     sync.Mutex
	events []*event.Event
	eose   int
}

func (s *eventSink) handler() relay.Handler {
	return relay.Handler{
		OnEvent: func(_ string, ev *event.Event) {
			s.mu.Lock()
			s.events = append(s.events, ev)
			s.mu.Unlock()
		},
		OnEOSE: func(string) {
			s.mu.Lock()
			s.eose++
			s.mu.Unlock()
		},
	}
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSink) eoseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eose
}

func TestNewPool_RequiresRelays(t *testing.T) {
	_, err := relay.NewPool(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestPool_EnsureAndStatus(t *testing.T) {
	fake := testutil.NewFakeRelay(t)
	monitor := health.NewMonitor()
	registry := metric.NewMetricsRegistry()
	pool := newPool(t, []string{fake.URL(), deadRelay},
		relay.WithHealthMonitor(monitor), relay.WithMetrics(registry))

	ctx := context.Background()
	require.NoError(t, pool.Ensure(ctx, fake.URL()))
	require.NoError(t, pool.Ensure(ctx, fake.URL()), "ensure is idempotent")

	err := pool.Ensure(ctx, deadRelay)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	assert.True(t, pool.Status(fake.URL()))
	assert.False(t, pool.Status(deadRelay))
	assert.Equal(t, 1, pool.Connected())

	statuses := pool.Statuses()
	assert.Equal(t, relay.StatusConnected, statuses[fake.URL()])
	assert.Equal(t, relay.StatusDisconnected, statuses[deadRelay])

	assert.True(t, monitor.AggregateHealth("relays").IsDegraded())
}

func TestPool_PublishFirstSuccessWins(t *testing.T) {
	fake := testutil.NewFakeRelay(t)
	pool := newPool(t, []string{deadRelay, fake.URL()})
	signer := testutil.NewSigner(t)

	ev := testutil.SignedEvent(t, signer, event.KindAppData, event.Tags{{"d", "counter"}}, "1")
	require.NoError(t, pool.Publish(context.Background(), ev))

	require.Len(t, fake.Events(), 1)
	assert.Equal(t, ev.ID, fake.Events()[0].ID)
}

func TestPool_PublishAllRejected(t *testing.T) {
	fake := testutil.NewFakeRelay(t)
	fake.Reject("blocked: test")
	pool := newPool(t, []string{fake.URL(), deadRelay})
	signer := testutil.NewSigner(t)

	ev := testutil.SignedEvent(t, signer, event.KindAppData, nil, "x")
	err := pool.Publish(context.Background(), ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoRelayAccepted)
	assert.ErrorIs(t, err, errors.ErrEventRejected)
	assert.Contains(t, err.Error(), "blocked: test")
	assert.Empty(t, fake.Events())
}

func TestPool_SubscribeReceivesStoredAndLiveEvents(t *testing.T) {
	fake := testutil.NewFakeRelay(t)
	pool := newPool(t, []string{fake.URL()})
	signer := testutil.NewSigner(t)
	ctx := context.Background()

	stored := testutil.SignedEvent(t, signer, event.KindAppData, event.Tags{{"d", "counter"}}, "1")
	fake.Inject(stored)
	require.NoError(t, pool.Ensure(ctx, fake.URL()))

	sink := &eventSink{}
	filter := event.Filter{Kinds: []int{event.KindAppData}}.WithTag("d", "counter")
	closer, err := pool.Subscribe(ctx, "counter", []event.Filter{filter}, sink.handler())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() == 1 && sink.eoseCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	live := testutil.SignedEvent(t, signer, event.KindAppData, event.Tags{{"d", "counter"}}, "2")
	require.NoError(t, pool.Publish(ctx, live))
	require.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	other := testutil.SignedEvent(t, signer, event.KindAppData, event.Tags{{"d", "other"}}, "3")
	require.NoError(t, pool.Publish(ctx, other))

	closer.Close()
	closer.Close()
	require.Eventually(t, func() bool { return fake.ActiveSubscriptions() == 0 }, 2*time.Second, 10*time.Millisecond)

	fake.Inject(testutil.SignedEvent(t, signer, event.KindAppData, event.Tags{{"d", "counter"}}, "4"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sink.count(), "closed subscription receives nothing")
}

func TestPool_SubscribeRejectsInvalidFilter(t *testing.T) {
	pool := newPool(t, []string{deadRelay})

	_, err := pool.Subscribe(context.Background(), "bad", []event.Filter{{Kinds: []int{-5}}}, relay.Handler{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidFilter)

	_, err = pool.Subscribe(context.Background(), "none", nil, relay.Handler{})
	assert.ErrorIs(t, err, errors.ErrInvalidFilter)
}

func TestPool_DropsUnverifiedEvents(t *testing.T) {
	fake := testutil.NewFakeRelay(t)
	pool := newPool(t, []string{fake.URL()})
	signer := testutil.NewSigner(t)
	ctx := context.Background()
	require.NoError(t, pool.Ensure(ctx, fake.URL()))

	sink := &eventSink{}
	_, err := pool.Subscribe(ctx, "all", []event.Filter{{Kinds: []int{1}}}, sink.handler())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sink.eoseCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	forged := testutil.SignedEvent(t, signer, 1, nil, "original")
	forged.Content = "forged"
	fake.Inject(forged)
	fake.Inject(testutil.SignedEvent(t, signer, 1, nil, "genuine"))

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestPool_ReconnectResubscribes(t *testing.T) {
	fake := testutil.NewFakeRelay(t)
	pool := newPool(t, []string{fake.URL()}, relay.WithReconnectInterval(50*time.Millisecond))
	signer := testutil.NewSigner(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))
	require.ErrorIs(t, pool.Start(ctx), errors.ErrAlreadyStarted)
	require.Eventually(t, func() bool { return pool.Status(fake.URL()) }, 2*time.Second, 10*time.Millisecond)

	sink := &eventSink{}
	_, err := pool.Subscribe(ctx, "watch", []event.Filter{{Kinds: []int{event.KindStatus}}}, sink.handler())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fake.Requests()) == 1 }, 2*time.Second, 10*time.Millisecond)

	fake.DropConnections()
	require.Eventually(t, func() bool { return !pool.Status(fake.URL()) }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return pool.Status(fake.URL()) }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return len(fake.Requests()) == 2 }, 2*time.Second, 10*time.Millisecond)

	fake.Inject(testutil.SignedEvent(t, signer, event.KindStatus, nil, "processing"))
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPool_CloseAll(t *testing.T) {
	fake := testutil.NewFakeRelay(t)
	pool := newPool(t, []string{fake.URL()})
	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool { return pool.Status(fake.URL()) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pool.CloseAll(ctx))
	assert.False(t, pool.Status(fake.URL()))
	assert.NoError(t, pool.CloseAll(ctx), "second close is a no-op")

	_, err := pool.Subscribe(ctx, "late", []event.Filter{{Kinds: []int{1}}}, relay.Handler{})
	assert.ErrorIs(t, err, errors.ErrClosed)
	assert.ErrorIs(t, pool.Publish(ctx, &event.Event{}), errors.ErrClosed)
}

// slowRelay completes the websocket handshake only after delay and counts
// connections whose server side has ended
func slowRelay(t *testing.T, delay time.Duration) (url string, ended *atomic.Int32) {
	t.Helper()
	ended = &atomic.Int32{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ended.Add(1)
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), ended
}

func TestPool_CloseAllDuringDial(t *testing.T) {
	url, ended := slowRelay(t, 200*time.Millisecond)
	pool := newPool(t, []string{url})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- pool.Ensure(ctx, url) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, pool.CloseAll(ctx))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errors.ErrClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("ensure did not return")
	}
	assert.False(t, pool.Status(url))
	assert.Equal(t, 0, pool.Connected())
	assert.Eventually(t, func() bool { return ended.Load() == 1 }, 2*time.Second, 10*time.Millisecond,
		"connection dialled during close is torn down")
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "connected", relay.StatusConnected.String())
	assert.Equal(t, "connecting", relay.StatusConnecting.String())
	assert.Equal(t, "disconnected", relay.StatusDisconnected.String())
	assert.Equal(t, "unknown", relay.ConnectionStatus(42).String())
}
