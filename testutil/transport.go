// Package testutil provides fakes for the relay transport: an in-memory
// Transport that records call order and an in-process websocket relay.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/c360/hypernote/event"
	"github.com/c360/hypernote/relay"
)

// Common test errors
var (
	ErrMockRejected = errors.New("mock relay rejected event")
)

// FakeSubscription is one Subscribe call recorded by FakeTransport
type FakeSubscription struct {
	ID      string
	Filters []event.Filter
	Handler relay.Handler
	Closed  bool
}

// FakeTransport implements relay.Transport in memory. Every Subscribe,
// Publish and Close is appended to Ops so tests can assert ordering.
type FakeTransport struct {
	mu sync.Mutex

	// PublishFunc, when set, decides the outcome of Publish
	PublishFunc func(ctx context.Context, ev *event.Event) error

	Ops       []string
	Subs      []*FakeSubscription
	Published []*event.Event
	Connected map[string]bool
}

// NewFakeTransport creates a transport where every publish succeeds
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{Connected: map[string]bool{}}
}

// Subscribe records the subscription and returns a closer that marks it closed
func (f *FakeTransport) Subscribe(_ context.Context, id string, filters []event.Filter, h relay.Handler) (relay.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &FakeSubscription{ID: id, Filters: filters, Handler: h}
	f.Subs = append(f.Subs, sub)
	f.Ops = append(f.Ops, "subscribe:"+id)
	return &fakeCloser{transport: f, sub: sub}, nil
}

// Publish records the event, then applies PublishFunc
func (f *FakeTransport) Publish(ctx context.Context, ev *event.Event) error {
	f.mu.Lock()
	f.Ops = append(f.Ops, fmt.Sprintf("publish:%d", ev.Kind))
	fn := f.PublishFunc
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, ev); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.Published = append(f.Published, ev)
	f.mu.Unlock()
	return nil
}

// Status reports the connectivity set in Connected
func (f *FakeTransport) Status(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected[url]
}

// Deliver sends ev to the newest open subscription with the given id and
// reports whether one was found. Closed subscriptions never receive events.
func (f *FakeTransport) Deliver(id string, ev *event.Event) bool {
	sub := f.Subscription(id)
	if sub == nil || sub.Handler.OnEvent == nil {
		return false
	}
	sub.Handler.OnEvent("wss://fake", ev)
	return true
}

// DeliverAll sends ev to every subscription ever opened under id, closed or
// not, as a misbehaving relay might.
func (f *FakeTransport) DeliverAll(id string, ev *event.Event) {
	f.mu.Lock()
	var subs []*FakeSubscription
	for _, s := range f.Subs {
		if s.ID == id {
			subs = append(subs, s)
		}
	}
	f.mu.Unlock()

	for _, s := range subs {
		if s.Handler.OnEvent != nil {
			s.Handler.OnEvent("wss://fake", ev)
		}
	}
}

// Subscription returns the newest open subscription with id, or nil
func (f *FakeTransport) Subscription(id string) *FakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.Subs) - 1; i >= 0; i-- {
		if f.Subs[i].ID == id && !f.Subs[i].Closed {
			return f.Subs[i]
		}
	}
	return nil
}

// GetOps returns a copy of the recorded operations
func (f *FakeTransport) GetOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Ops...)
}

// GetPublished returns a copy of the published events
func (f *FakeTransport) GetPublished() []*event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*event.Event(nil), f.Published...)
}

// OpenCount returns the number of subscriptions not yet closed
func (f *FakeTransport) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, s := range f.Subs {
		if !s.Closed {
			n++
		}
	}
	return n
}

type fakeCloser struct {
	transport *FakeTransport
	sub       *FakeSubscription
}

func (c *fakeCloser) Close() {
	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()

	if c.sub.Closed {
		return
	}
	c.sub.Closed = true
	c.transport.Ops = append(c.transport.Ops, "close:"+c.sub.ID)
}
