// Package subscription keeps at most one live relay subscription per
// caller-supplied id and runs the background monitor for call traffic.
package subscription

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/event"
	"github.com/c360/hypernote/metric"
	"github.com/c360/hypernote/relay"
)

// BackgroundID is the reserved id of the call-traffic monitor
const BackgroundID = "background-monitor"

// EventFunc receives matching events in arrival order
type EventFunc func(relayURL string, ev *event.Event)

// Manager opens, replaces and closes named subscriptions on a transport
type Manager struct {
	transport relay.Transport
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu     sync.Mutex
	subs   map[string]*Handle
	closed bool
}

// Handle is one live subscription
type Handle struct {
	id      string
	filter  event.Filter
	created time.Time
	manager *Manager
	closer  relay.Closer
}

// ID returns the subscription id
func (h *Handle) ID() string {
	return h.id
}

// Filter returns the filter the subscription was opened with
func (h *Handle) Filter() event.Filter {
	return h.filter
}

// Close closes the subscription if it is still the live one for its id
func (h *Handle) Close() {
	h.manager.closeHandle(h)
}

// Info describes a live subscription
type Info struct {
	ID      string    `json:"id"`
	Filter  string    `json:"filter"`
	Created time.Time `json:"created"`
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics reports the number of live subscriptions
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a manager over transport
func NewManager(transport relay.Transport, opts ...Option) *Manager {
	m := &Manager{
		transport: transport,
		logger:    slog.Default(),
		subs:      make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe opens a subscription under id. A live subscription with the
// same id is closed and removed first, so onEvent of the replaced
// subscription is never called again. Events are not deduplicated.
func (m *Manager) Subscribe(ctx context.Context, id string, filter event.Filter, onEvent EventFunc) (*Handle, error) {
	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrSubscriptionFailed, "Manager", "Subscribe", "validate id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.ErrClosed
	}

	if prior, ok := m.subs[id]; ok {
		delete(m.subs, id)
		prior.closer.Close()
		m.logger.Debug("Replaced subscription", "sub_id", id)
	}

	h := &Handle{id: id, filter: filter, created: time.Now(), manager: m}
	logger := m.logger.With("sub_id", id)

	handler := relay.Handler{
		OnEvent: func(url string, ev *event.Event) {
			if !m.isCurrent(h) {
				return
			}
			if onEvent != nil {
				onEvent(url, ev)
			}
		},
		OnEOSE: func(url string) {
			logger.Debug("End of stored events", "relay", url)
		},
		OnClosed: func(url, reason string) {
			logger.Warn("Subscription closed by relay", "relay", url, "reason", reason)
		},
	}

	closer, err := m.transport.Subscribe(ctx, id, []event.Filter{filter}, handler)
	if err != nil {
		m.metrics.SetSubscriptionsActive(len(m.subs))
		return nil, errors.Wrap(err, "Manager", "Subscribe", "open subscription")
	}
	h.closer = closer
	m.subs[id] = h
	m.metrics.SetSubscriptionsActive(len(m.subs))

	logger.Debug("Subscribed", "filter", filter.String())
	return h, nil
}

func (m *Manager) isCurrent(h *Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[h.id] == h
}

func (m *Manager) closeHandle(h *Handle) {
	m.mu.Lock()
	current := m.subs[h.id] == h
	if current {
		delete(m.subs, h.id)
		m.metrics.SetSubscriptionsActive(len(m.subs))
	}
	m.mu.Unlock()

	if current {
		h.closer.Close()
	}
}

// Close closes and removes the subscription with id. It reports whether one existed.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	h, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
		m.metrics.SetSubscriptionsActive(len(m.subs))
	}
	m.mu.Unlock()

	if ok {
		h.closer.Close()
		m.logger.Debug("Closed subscription", "sub_id", id)
	}
	return ok
}

// CloseAll closes every tracked subscription, the background monitor
// included. Later Subscribe calls fail with ErrClosed.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*Handle)
	m.closed = true
	m.mu.Unlock()

	for _, h := range subs {
		h.closer.Close()
	}
	m.metrics.SetSubscriptionsActive(0)
	m.logger.Debug("Closed all subscriptions", "count", len(subs))
}

// Active lists live subscriptions sorted by id
func (m *Manager) Active() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.subs))
	for id, h := range m.subs {
		out = append(out, Info{ID: id, Filter: h.filter.String(), Created: h.created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Has reports whether id has a live subscription
func (m *Manager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[id]
	return ok
}

// StartBackground subscribes to every call-protocol kind from now on and
// logs what it sees. It does not feed the query store.
func (m *Manager) StartBackground(ctx context.Context) (*Handle, error) {
	filter := event.Filter{Kinds: append([]int(nil), event.CallProtocolKinds...)}.WithSince(time.Now().Unix())
	return m.Subscribe(ctx, BackgroundID, filter, func(url string, ev *event.Event) {
		m.logger.Info("Observed call traffic",
			"relay", url,
			"kind", ev.Kind,
			"event_id", ev.ShortID(),
			"request", ev.Tags.Value("e"),
		)
	})
}
