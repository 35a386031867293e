// Package relay maintains websocket connections to a fixed set of relays.
// It publishes signed events with first-success-wins semantics and routes
// subscription traffic from every relay to per-subscription handlers.
package relay

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/event"
	"github.com/c360/hypernote/health"
	"github.com/c360/hypernote/metric"
	"github.com/c360/hypernote/pkg/retry"
	"github.com/c360/hypernote/pkg/worker"
)

// ConnectionStatus represents the state of one relay connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Handler receives subscription traffic. Any field may be nil. Callbacks for
// one subscription never run concurrently.
type Handler struct {
	OnEvent  func(relay string, ev *event.Event)
	OnEOSE   func(relay string)
	OnClosed func(relay, reason string)
}

// Closer ends a subscription
type Closer interface {
	Close()
}

// Transport is the part of the pool the subscription manager and the call
// correlator depend on.
type Transport interface {
	Subscribe(ctx context.Context, id string, filters []event.Filter, h Handler) (Closer, error)
	Publish(ctx context.Context, ev *event.Event) error
	Status(url string) bool
}

// Pool manages a fixed set of relay connections
type Pool struct {
	urls   []string
	relays map[string]*relayState

	logger            *slog.Logger
	dialer            *websocket.Dialer
	connectTimeout    time.Duration
	reconnectInterval time.Duration
	publishTimeout    time.Duration
	verify            bool

	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	health   *health.Monitor

	subsMu sync.RWMutex
	subs   map[string]*poolSub
	subSeq atomic.Uint64

	reconnect *worker.Pool[string]
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	closed      atomic.Bool
}

type relayState struct {
	url    string
	status atomic.Int32

	// connectMu serializes connection attempts to this relay
	connectMu sync.Mutex
	mu        sync.RWMutex
	conn      *Conn
}

func (r *relayState) current() *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn
}

type poolSub struct {
	wireID  string
	id      string
	filters []event.Filter
	handler Handler
	closed  atomic.Bool
	mu      sync.Mutex
}

// NewPool creates a pool for the given relay URLs. Duplicates are ignored.
func NewPool(urls []string, opts ...Option) (*Pool, error) {
	if len(urls) == 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: no relays", errors.ErrInvalidConfig), "Pool", "NewPool", "validate relays")
	}

	p := &Pool{
		relays:            make(map[string]*relayState, len(urls)),
		subs:              make(map[string]*poolSub),
		logger:            slog.Default(),
		connectTimeout:    DefaultConnectTimeout,
		reconnectInterval: DefaultReconnectInterval,
		publishTimeout:    DefaultPublishTimeout,
		verify:            true,
	}
	for _, url := range urls {
		if _, dup := p.relays[url]; dup {
			continue
		}
		p.urls = append(p.urls, url)
		p.relays[url] = &relayState{url: url}
	}

	for _, opt := range opts {
		opt(p)
	}

	workerOpts := []worker.Option[string]{
		worker.WithErrorHandler(func(url string, err error) {
			p.logger.Warn("Relay reconnect failed", "relay", url, "error", err)
		}),
	}
	if p.registry != nil {
		workerOpts = append(workerOpts, worker.WithMetricsRegistry[string](p.registry, "relay_reconnect"))
	}
	p.reconnect = worker.NewPool(len(p.urls), len(p.urls), func(ctx context.Context, url string) error {
		return p.Ensure(ctx, url)
	}, workerOpts...)

	return p, nil
}

// URLs returns the configured relays in configuration order
func (p *Pool) URLs() []string {
	return append([]string(nil), p.urls...)
}

// Start connects to every relay in the background and launches the
// reconnect scan. It never fails because a relay is down.
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return errors.ErrAlreadyStarted
	}
	if p.closed.Load() {
		return errors.ErrClosed
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if err := p.reconnect.Start(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "Pool", "Start", "start reconnect workers")
	}

	for _, url := range p.urls {
		p.wg.Add(1)
		go func(url string) {
			defer p.wg.Done()
			err := retry.Do(runCtx, retry.Startup(), func() error {
				return p.Ensure(runCtx, url)
			})
			if err != nil {
				p.logger.Warn("Initial relay connection failed, will retry", "relay", url, "error", err)
			}
		}(url)
	}

	p.wg.Add(1)
	go p.reconnectLoop(runCtx)

	p.started = true
	return nil
}

func (p *Pool) reconnectLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, url := range p.urls {
				if ConnectionStatus(p.relays[url].status.Load()) != StatusDisconnected {
					continue
				}
				if err := p.reconnect.Submit(url); err != nil && !stderrors.Is(err, worker.ErrQueueFull) {
					p.logger.Debug("Reconnect not scheduled", "relay", url, "error", err)
				}
			}
		}
	}
}

// Ensure connects to url unless already connected. Concurrent calls for the
// same relay share one attempt. Failures leave the relay disconnected.
func (p *Pool) Ensure(ctx context.Context, url string) error {
	r, ok := p.relays[url]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("unknown relay %q", url), "Pool", "Ensure", "lookup relay")
	}
	if p.closed.Load() {
		return errors.ErrClosed
	}

	r.connectMu.Lock()
	defer r.connectMu.Unlock()

	if ConnectionStatus(r.status.Load()) == StatusConnected {
		return nil
	}
	r.status.Store(int32(StatusConnecting))

	conn, err := Dial(ctx, p.dialer, url, p.connectTimeout, p.logger, p.dispatch)
	p.metrics.RecordConnectAttempt(url, err)
	if err != nil {
		r.status.Store(int32(StatusDisconnected))
		p.markDown(url, err)
		return err
	}

	// CloseAll flips closed before it takes each r.mu, so checking under
	// r.mu either hands conn to CloseAll or refuses it here. The watcher
	// joins p.wg under the same lock, ahead of CloseAll's Wait.
	r.mu.Lock()
	if p.closed.Load() {
		r.mu.Unlock()
		_ = conn.Close()
		r.status.Store(int32(StatusDisconnected))
		return errors.ErrClosed
	}
	r.conn = conn
	r.status.Store(int32(StatusConnected))
	p.wg.Add(1)
	r.mu.Unlock()
	go p.watch(r, conn)

	p.logger.Info("Connected to relay", "relay", url)
	p.metrics.RecordRelayStatus(url, true)
	if p.health != nil {
		p.health.MarkConnected(url)
	}

	p.resubscribe(conn)
	return nil
}

// watch flips the relay to disconnected when its connection ends
func (p *Pool) watch(r *relayState, conn *Conn) {
	defer p.wg.Done()
	<-conn.Done()

	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
		r.status.Store(int32(StatusDisconnected))
	}
	r.mu.Unlock()

	if !p.closed.Load() {
		p.logger.Warn("Relay connection lost", "relay", r.url, "error", conn.Err())
		p.markDown(r.url, conn.Err())
	}
}

func (p *Pool) markDown(url string, err error) {
	p.metrics.RecordRelayStatus(url, false)
	if p.health != nil {
		p.health.MarkDisconnected(url, err)
	}
	if err != nil && !stderrors.Is(err, errors.ErrClosed) {
		p.logger.Debug("Relay marked disconnected", "relay", url, "error", err)
	}
}

// resubscribe replays the REQ of every live subscription on a fresh connection
func (p *Pool) resubscribe(conn *Conn) {
	p.subsMu.RLock()
	subs := make([]*poolSub, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.subsMu.RUnlock()

	for _, sub := range subs {
		if err := p.sendReq(conn, sub); err != nil {
			p.logger.Warn("Resubscribe failed", "relay", conn.URL(), "sub_id", sub.id, "error", err)
		}
	}
}

// Status reports whether url is currently connected
func (p *Pool) Status(url string) bool {
	r, ok := p.relays[url]
	if !ok {
		return false
	}
	return ConnectionStatus(r.status.Load()) == StatusConnected
}

// Statuses returns the connection state of every relay
func (p *Pool) Statuses() map[string]ConnectionStatus {
	out := make(map[string]ConnectionStatus, len(p.relays))
	for url, r := range p.relays {
		out[url] = ConnectionStatus(r.status.Load())
	}
	return out
}

// Connected returns the number of connected relays
func (p *Pool) Connected() int {
	n := 0
	for _, r := range p.relays {
		if ConnectionStatus(r.status.Load()) == StatusConnected {
			n++
		}
	}
	return n
}

// Subscribe sends a REQ for filters to every connected relay and to every
// relay that connects later, until the returned Closer is closed. id is the
// caller's logical id; each call gets its own wire id so traffic from a
// replaced subscription never reaches its successor.
func (p *Pool) Subscribe(_ context.Context, id string, filters []event.Filter, h Handler) (Closer, error) {
	if p.closed.Load() {
		return nil, errors.ErrClosed
	}
	if len(filters) == 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: no filters", errors.ErrInvalidFilter), "Pool", "Subscribe", "validate filters")
	}
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}

	sub := &poolSub{
		wireID:  wireID(id, p.subSeq.Add(1)),
		id:      id,
		filters: append([]event.Filter(nil), filters...),
		handler: h,
	}

	p.subsMu.Lock()
	p.subs[sub.wireID] = sub
	p.subsMu.Unlock()

	sent := 0
	for _, url := range p.urls {
		conn := p.relays[url].current()
		if conn == nil {
			continue
		}
		if err := p.sendReq(conn, sub); err != nil {
			p.logger.Warn("Subscription request failed", "relay", url, "sub_id", id, "error", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		p.logger.Debug("No relay connected, subscription pending", "sub_id", id)
	}

	return &subCloser{pool: p, sub: sub}, nil
}

func wireID(id string, seq uint64) string {
	suffix := ":" + strconv.FormatUint(seq, 36)
	if len(id)+len(suffix) > 64 {
		id = id[:64-len(suffix)]
	}
	return id + suffix
}

func (p *Pool) sendReq(conn *Conn, sub *poolSub) error {
	if sub.closed.Load() {
		return nil
	}
	frame, err := event.EncodeReq(sub.wireID, sub.filters...)
	if err != nil {
		return errors.WrapInvalid(err, "Pool", "sendReq", "encode request")
	}
	return conn.Send(frame)
}

type subCloser struct {
	pool *Pool
	sub  *poolSub
}

// Close removes the subscription and sends CLOSE to connected relays. It is
// safe to call from inside the subscription's own handler.
func (c *subCloser) Close() {
	if !c.sub.closed.CompareAndSwap(false, true) {
		return
	}

	c.pool.subsMu.Lock()
	delete(c.pool.subs, c.sub.wireID)
	c.pool.subsMu.Unlock()

	frame, err := event.EncodeClose(c.sub.wireID)
	if err != nil {
		return
	}
	for _, url := range c.pool.urls {
		if conn := c.pool.relays[url].current(); conn != nil {
			_ = conn.Send(frame)
		}
	}
}

// dispatch routes one relay frame to its subscription
func (p *Pool) dispatch(url string, msg event.RelayMessage) {
	var wire string
	switch m := msg.(type) {
	case *event.EventMessage:
		wire = m.SubscriptionID
	case *event.EOSEMessage:
		wire = m.SubscriptionID
	case *event.ClosedMessage:
		wire = m.SubscriptionID
	default:
		return
	}

	p.subsMu.RLock()
	sub, ok := p.subs[wire]
	p.subsMu.RUnlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed.Load() {
		return
	}

	switch m := msg.(type) {
	case *event.EventMessage:
		if !p.accept(sub, m.Event) {
			return
		}
		p.metrics.RecordEventReceived(m.Event.Kind)
		if sub.handler.OnEvent != nil {
			sub.handler.OnEvent(url, m.Event)
		}
	case *event.EOSEMessage:
		if sub.handler.OnEOSE != nil {
			sub.handler.OnEOSE(url)
		}
	case *event.ClosedMessage:
		p.logger.Info("Relay closed subscription", "relay", url, "sub_id", sub.id, "reason", m.Reason)
		if sub.handler.OnClosed != nil {
			sub.handler.OnClosed(url, m.Reason)
		}
	}
}

// accept drops events that fail verification or match none of the filters
func (p *Pool) accept(sub *poolSub, ev *event.Event) bool {
	if p.verify {
		if err := event.Verify(ev); err != nil {
			p.logger.Debug("Dropping unverifiable event", "sub_id", sub.id, "error", err)
			return false
		}
	}
	for _, f := range sub.filters {
		if f.Matches(ev) {
			return true
		}
	}
	p.logger.Debug("Dropping event outside subscription filter", "sub_id", sub.id, "kind", ev.Kind)
	return false
}

// Publish sends ev to every relay, connecting where needed, and returns as
// soon as one relay accepts it. When every relay fails the joined causes are
// returned wrapped in ErrNoRelayAccepted.
func (p *Pool) Publish(ctx context.Context, ev *event.Event) error {
	if p.closed.Load() {
		return errors.ErrClosed
	}

	// Remaining relays keep delivering after the first acceptance.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.publishTimeout)

	accepted := make(chan string, len(p.urls))
	var (
		errMu sync.Mutex
		errs  []error
	)

	var g errgroup.Group
	for _, url := range p.urls {
		g.Go(func() error {
			err := p.publishTo(pubCtx, url, ev)
			if err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
				return err
			}
			accepted <- url
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		cancel()
		close(done)
	}()

	select {
	case url := <-accepted:
		p.metrics.RecordPublish(true)
		p.logger.Debug("Event accepted", "relay", url, "kind", ev.Kind, "event_id", ev.ShortID())
		return nil
	case <-done:
		select {
		case <-accepted:
			p.metrics.RecordPublish(true)
			return nil
		default:
		}
	case <-ctx.Done():
		p.metrics.RecordPublish(false)
		return errors.WrapTransient(ctx.Err(), "Pool", "Publish", "publish event")
	}

	p.metrics.RecordPublish(false)
	errMu.Lock()
	joined := stderrors.Join(errs...)
	errMu.Unlock()
	p.logger.Error("No relay accepted event", "kind", ev.Kind, "event_id", ev.ShortID(), "error", joined)
	return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrNoRelayAccepted, joined), "Pool", "Publish", "publish event")
}

func (p *Pool) publishTo(ctx context.Context, url string, ev *event.Event) error {
	r := p.relays[url]
	if ConnectionStatus(r.status.Load()) != StatusConnected {
		if err := p.Ensure(ctx, url); err != nil {
			return err
		}
	}
	conn := r.current()
	if conn == nil {
		return errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrNotConnected, url), "Pool", "Publish", "lookup connection")
	}
	return conn.Publish(ctx, ev)
}

// CloseAll closes every subscription and connection and stops reconnecting.
// The pool cannot be restarted.
func (p *Pool) CloseAll(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.lifecycleMu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.lifecycleMu.Unlock()

	p.subsMu.Lock()
	subs := p.subs
	p.subs = make(map[string]*poolSub)
	p.subsMu.Unlock()

	for _, url := range p.urls {
		r := p.relays[url]
		r.mu.Lock()
		conn := r.conn
		r.conn = nil
		r.mu.Unlock()
		r.status.Store(int32(StatusDisconnected))
		p.metrics.RecordRelayStatus(url, false)

		if conn == nil {
			continue
		}
		for _, sub := range subs {
			if frame, err := event.EncodeClose(sub.wireID); err == nil {
				_ = conn.Send(frame)
			}
		}
		_ = conn.Close()
	}
	for _, sub := range subs {
		sub.closed.Store(true)
	}

	stopTimeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		stopTimeout = time.Until(deadline)
	}
	if err := p.reconnect.Stop(stopTimeout); err != nil {
		p.logger.Warn("Reconnect workers did not stop in time", "error", err)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Pool", "CloseAll", "wait for goroutines")
	}
}
