package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/c360/hypernote/event"
)

// FakeRelay is an in-process relay. It stores published events, answers
// REQ with stored matches followed by EOSE, forwards new events to matching
// subscriptions and honours CLOSE.
type FakeRelay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	events []*event.Event
	conns  map[*relayClient]struct{}
	reqs   []string
	reject string
}

type relayClient struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subs    map[string][]event.Filter
}

func (c *relayClient) write(frame []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, frame)
}

// NewFakeRelay starts a relay that is shut down when the test ends
func NewFakeRelay(t testing.TB) *FakeRelay {
	t.Helper()

	r := &FakeRelay{conns: make(map[*relayClient]struct{})}
	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.Close)
	return r
}

// URL returns the ws:// address of the relay
func (r *FakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

// Reject makes every following publish fail with reason. An empty reason
// accepts again.
func (r *FakeRelay) Reject(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reject = reason
}

// Events returns the stored events in arrival order
func (r *FakeRelay) Events() []*event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*event.Event(nil), r.events...)
}

// Requests returns the wire ids of every REQ received, in order
func (r *FakeRelay) Requests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reqs...)
}

// ActiveSubscriptions counts open subscriptions across all clients
func (r *FakeRelay) ActiveSubscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for c := range r.conns {
		n += len(c.subs)
	}
	return n
}

// Inject stores ev as if another client had published it and forwards it to
// matching subscriptions
func (r *FakeRelay) Inject(ev *event.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.broadcast(ev)
}

// DropConnections closes every client connection without closing the server
func (r *FakeRelay) DropConnections() {
	r.mu.Lock()
	conns := make([]*relayClient, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[*relayClient]struct{})
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Close stops the server and drops every connection
func (r *FakeRelay) Close() {
	r.DropConnections()
	r.server.Close()
}

func (r *FakeRelay) serve(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	client := &relayClient{ws: ws, subs: make(map[string][]event.Filter)}

	r.mu.Lock()
	r.conns[client] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, client)
		r.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := event.ParseClientMessage(data)
		if err != nil {
			continue
		}

		switch m := msg.(type) {
		case *event.PublishMessage:
			r.handlePublish(client, m.Event)
		case *event.ReqMessage:
			r.handleReq(client, m)
		case *event.CloseMessage:
			r.mu.Lock()
			delete(client.subs, m.SubscriptionID)
			r.mu.Unlock()
		}
	}
}

func (r *FakeRelay) handlePublish(client *relayClient, ev *event.Event) {
	r.mu.Lock()
	reason := r.reject
	r.mu.Unlock()

	if reason == "" {
		if err := event.Verify(ev); err != nil {
			reason = "invalid: " + err.Error()
		}
	}
	if reason != "" {
		frame, _ := event.EncodeOK(ev.ID, false, reason)
		client.write(frame)
		return
	}

	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	frame, _ := event.EncodeOK(ev.ID, true, "")
	client.write(frame)
	r.broadcast(ev)
}

func (r *FakeRelay) handleReq(client *relayClient, m *event.ReqMessage) {
	r.mu.Lock()
	client.subs[m.SubscriptionID] = m.Filters
	r.reqs = append(r.reqs, m.SubscriptionID)
	stored := append([]*event.Event(nil), r.events...)
	r.mu.Unlock()

	for _, ev := range stored {
		if matchesAny(m.Filters, ev) {
			frame, _ := event.EncodeRelayEvent(m.SubscriptionID, ev)
			client.write(frame)
		}
	}
	frame, _ := event.EncodeEOSE(m.SubscriptionID)
	client.write(frame)
}

func (r *FakeRelay) broadcast(ev *event.Event) {
	type delivery struct {
		client *relayClient
		subID  string
	}

	r.mu.Lock()
	var out []delivery
	for c := range r.conns {
		for id, filters := range c.subs {
			if matchesAny(filters, ev) {
				out = append(out, delivery{client: c, subID: id})
			}
		}
	}
	r.mu.Unlock()

	for _, d := range out {
		frame, _ := event.EncodeRelayEvent(d.subID, ev)
		d.client.write(frame)
	}
}

func matchesAny(filters []event.Filter, ev *event.Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}
