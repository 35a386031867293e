// Package natsclient connects to NATS with a circuit breaker and mirrors
// query store updates to subjects, so other services can follow live
// queries without speaking the relay protocol.
package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/metric"
)

// ConnectionStatus is the client's view of its NATS link
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

var statusNames = [...]string{"disconnected", "connecting", "connected", "reconnecting", "circuit_open"}

func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Status is a snapshot for diagnostics
type Status struct {
	Status          ConnectionStatus `json:"status"`
	FailureCount    int32            `json:"failure_count"`
	LastFailureTime time.Time        `json:"last_failure_time"`
	RTT             time.Duration    `json:"rtt"`
}

// dialSettings are handed to nats.Connect
type dialSettings struct {
	name          string
	username      string
	password      string
	token         string
	tls           *tls.Config
	timeout       time.Duration
	reconnectWait time.Duration
	maxReconnects int
}

func (d dialSettings) options() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(d.maxReconnects),
		nats.ReconnectWait(d.reconnectWait),
		nats.Timeout(d.timeout),
		nats.PingInterval(30 * time.Second),
		nats.DrainTimeout(drainTimeout),
	}
	switch {
	case d.token != "":
		opts = append(opts, nats.Token(d.token))
	case d.username != "":
		opts = append(opts, nats.UserInfo(d.username, d.password))
	}
	if d.name != "" {
		opts = append(opts, nats.Name(d.name))
	}
	if d.tls != nil {
		opts = append(opts, nats.Secure(d.tls))
	}
	return opts
}

const drainTimeout = 10 * time.Second

// Client owns one NATS connection. Connect refuses to dial while the
// circuit is open; it half-opens again after the breaker's backoff.
type Client struct {
	url     string
	dial    dialSettings
	breaker *breaker
	logger  *slog.Logger
	metrics *metric.Metrics

	status atomic.Int32
	closed atomic.Bool

	mu       sync.RWMutex
	conn     *nats.Conn
	subs     []*nats.Subscription
	onHealth func(bool)
}

// NewClient creates a disconnected client
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:     url,
		logger:  slog.Default(),
		breaker: newBreaker(5, time.Minute),
		dial: dialSettings{
			timeout:       5 * time.Second,
			reconnectWait: 2 * time.Second,
			maxReconnects: -1,
		},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "nats", "url", url)
	c.setStatus(StatusDisconnected)
	return c, nil
}

func (c *Client) URL() string { return c.url }

func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
	c.metrics.RecordNATSStatus(s == StatusConnected)
	open := 0
	if s == StatusCircuitOpen {
		open = 1
	}
	c.metrics.RecordCircuitBreakerState(open)
}

func (c *Client) IsHealthy() bool { return c.Status() == StatusConnected }

// Failures counts failures since the last successful connect
func (c *Client) Failures() int32 {
	total, _, _ := c.breaker.state()
	return total
}

// Backoff is how long the circuit will stay open on its next trip
func (c *Client) Backoff() time.Duration {
	_, backoff, _ := c.breaker.state()
	return backoff
}

func (c *Client) recordFailure() {
	tripped, wait := c.breaker.fail()
	if !tripped {
		return
	}
	if c.status.Swap(int32(StatusCircuitOpen)) == int32(StatusCircuitOpen) {
		c.logger.Warn("Circuit breaker still open", "backoff", c.Backoff())
		return
	}
	c.setStatus(StatusCircuitOpen)
	c.logger.Warn("Circuit breaker opened", "failures", c.Failures(), "open_for", wait)
	time.AfterFunc(wait, c.halfOpen)
}

func (c *Client) halfOpen() {
	if c.status.CompareAndSwap(int32(StatusCircuitOpen), int32(StatusDisconnected)) {
		c.setStatus(StatusDisconnected)
		c.logger.Debug("Circuit breaker half-open")
	}
}

func (c *Client) resetCircuit() {
	c.breaker.reset()
	c.halfOpen()
}

// GetStatus returns a diagnostics snapshot
func (c *Client) GetStatus() *Status {
	total, _, last := c.breaker.state()
	s := &Status{Status: c.Status(), FailureCount: total, LastFailureTime: last}
	if rtt, err := c.RTT(); err == nil {
		s.RTT = rtt
	}
	return s
}

// Connect dials the server, giving up when ctx ends
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrClosed, "Client", "Connect", "check state")
	}
	if c.Status() == StatusCircuitOpen {
		return errors.WrapTransient(ErrCircuitOpen, "Client", "Connect", "check circuit")
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS")

	opts := append(c.dial.options(),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ReconnectHandler(c.onReconnect),
		nats.ClosedHandler(c.onClosed),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Error("NATS error", "error", err)
		}),
	)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
	}
	if res.err != nil {
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
		}
		return errors.WrapTransient(ErrCircuitOpen, "Client", "Connect", "establish connection")
	}

	c.mu.Lock()
	c.conn = res.conn
	c.mu.Unlock()

	c.resetCircuit()
	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS")
	c.notifyHealth(true, false)
	return nil
}

// Close unsubscribes and drains the connection, bounded by ctx and the
// drain timeout. Calling it again is a no-op.
func (c *Client) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	conn, subs := c.conn, c.subs
	c.conn, c.subs = nil, nil
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}

	if conn != nil {
		limit := drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(deadline), 0))
		}
		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(limit):
			errs = append(errs, errors.WrapTransient(fmt.Errorf("drain timeout after %v", limit),
				"Client", "Close", "drain connection"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain connection"))
		}
		conn.Close()
	}

	c.dial.password, c.dial.token = "", ""
	c.setStatus(StatusDisconnected)

	if err := stderrors.Join(errs...); err != nil {
		c.logger.Error("NATS close errors", "error", err)
		return err
	}
	return nil
}

func (c *Client) connected() (*nats.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || !c.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// RTT measures the round trip to the server
func (c *Client) RTT() (time.Duration, error) {
	conn, err := c.connected()
	if err != nil {
		return 0, err
	}
	return conn.RTT()
}

// Subscribe hands each message on subject to handler. The handler's
// context is derived from ctx and ends after 30 seconds.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.Wrap(err, "Client", "Subscribe", "subscribe "+subject)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Publish sends data to subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}
	return conn.Publish(subject, data)
}

// OnHealthChange registers fn to hear about connection gains and losses
func (c *Client) OnHealthChange(fn func(bool)) {
	c.mu.Lock()
	c.onHealth = fn
	c.mu.Unlock()
}

func (c *Client) notifyHealth(healthy, async bool) {
	c.mu.RLock()
	fn := c.onHealth
	c.mu.RUnlock()
	switch {
	case fn == nil:
	case async:
		go fn(healthy)
	default:
		fn(healthy)
	}
}

func (c *Client) onDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)
	c.notifyHealth(false, true)
}

func (c *Client) onReconnect(_ *nats.Conn) {
	c.resetCircuit()
	c.setStatus(StatusConnected)
	c.logger.Info("NATS reconnected")
	c.notifyHealth(true, true)
}

func (c *Client) onClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	c.notifyHealth(false, true)
}
