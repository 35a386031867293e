// Package service assembles the engine from configuration and runs its
// lifecycle: relay pool, subscription manager, query store, correlator,
// document binder, the optional NATS mirror and the HTTP gateway.
package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/hypernote/call"
	"github.com/c360/hypernote/config"
	"github.com/c360/hypernote/document"
	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/event"
	httpgateway "github.com/c360/hypernote/gateway/http"
	"github.com/c360/hypernote/health"
	"github.com/c360/hypernote/metric"
	"github.com/c360/hypernote/natsclient"
	"github.com/c360/hypernote/notify"
	"github.com/c360/hypernote/pkg/tlsutil"
	"github.com/c360/hypernote/query"
	"github.com/c360/hypernote/relay"
	"github.com/c360/hypernote/subscription"
)

// Status represents the current status of the engine
type Status int

// Possible engine statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Info holds runtime information for the engine
type Info struct {
	Name         string        `json:"name"`
	Status       string        `json:"status"`
	Uptime       time.Duration `json:"uptime"`
	StartTime    time.Time     `json:"start_time"`
	PublicKey    string        `json:"pubkey"`
	PendingCalls int           `json:"pending_calls"`
	HealthChecks int64         `json:"health_checks"`
}

// Option is a functional option for configuring an Engine
type Option func(*Engine)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTransport replaces the relay pool, for embedding and tests
func WithTransport(transport relay.Transport) Option {
	return func(e *Engine) {
		e.transport = transport
	}
}

// WithSigner replaces the key derived from configuration
func WithSigner(signer *event.KeySigner) Option {
	return func(e *Engine) {
		e.signer = signer
	}
}

// WithNotifier sets the sink for user-facing notifications
func WithNotifier(sink notify.Sink) Option {
	return func(e *Engine) {
		e.notifier = sink
	}
}

// WithoutGateway skips the HTTP gateway
func WithoutGateway() Option {
	return func(e *Engine) {
		e.noGateway = true
	}
}

// WithHealthInterval sets how often aggregate health is re-evaluated
func WithHealthInterval(interval time.Duration) Option {
	return func(e *Engine) {
		e.healthInterval = interval
	}
}

// OnHealthChange sets a callback for health state changes
func OnHealthChange(fn func(health.Status)) Option {
	return func(e *Engine) {
		e.onHealthChange = fn
	}
}

// Engine owns every engine component. Nothing is process-global; two engines
// in one process are independent.
type Engine struct {
	name   string
	config *config.Config
	logger *slog.Logger

	registry *metric.MetricsRegistry
	monitor  *health.Monitor
	notifier notify.Sink
	recorder *notify.Recorder
	signer   *event.KeySigner

	clientTLS *tls.Config

	transport  relay.Transport
	pool       *relay.Pool
	subs       *subscription.Manager
	store      *query.Store
	correlator *call.Correlator
	binder     *document.Binder

	nats    *natsclient.Client
	mirror  *natsclient.Mirror
	gateway *httpgateway.Gateway

	noGateway bool

	status       atomic.Value // Status
	startTime    atomic.Value // time.Time
	healthChecks atomic.Int64
	lastHealth   atomic.Value // string

	healthInterval time.Duration
	onHealthChange func(health.Status)

	done      chan struct{}
	waitGroup sync.WaitGroup
	mu        sync.Mutex
}

// NewEngine validates cfg and builds every component without connecting
func NewEngine(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Engine", "NewEngine", "config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		name:           "hypernote",
		config:         cfg,
		logger:         slog.Default(),
		registry:       metric.NewMetricsRegistry(),
		monitor:        health.NewMonitor(),
		healthInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("service", e.name)
	e.status.Store(StatusStopped)
	e.startTime.Store(time.Time{})
	e.lastHealth.Store("")

	if e.notifier == nil {
		e.notifier = notify.NewLogSink(e.logger)
	}
	recorder, err := notify.NewMeteredRecorder(200, e.registry)
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "NewEngine", "create notification recorder")
	}
	e.recorder = recorder
	e.notifier = notify.Multi{e.notifier, recorder}

	if e.signer == nil {
		signer, err := signerFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		if cfg.SecretKey == "" {
			e.logger.Warn("No secret key configured, using an ephemeral key", "pubkey", signer.PublicKey())
		}
		e.signer = signer
	}

	core := e.registry.CoreMetrics()

	clientTLS, err := tlsutil.LoadClientConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	e.clientTLS = clientTLS

	if e.transport == nil {
		poolOpts := []relay.Option{
			relay.WithLogger(e.logger),
			relay.WithConnectTimeout(cfg.ConnectTimeout),
			relay.WithReconnectInterval(cfg.ReconnectInterval),
			relay.WithPublishTimeout(cfg.PublishTimeout),
			relay.WithMetrics(e.registry),
			relay.WithHealthMonitor(e.monitor),
		}
		if clientTLS != nil {
			poolOpts = append(poolOpts, relay.WithDialer(&websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: cfg.ConnectTimeout,
				TLSClientConfig:  clientTLS,
			}))
		}
		pool, err := relay.NewPool(cfg.Relays, poolOpts...)
		if err != nil {
			return nil, errors.Wrap(err, "Engine", "NewEngine", "create relay pool")
		}
		e.pool = pool
		e.transport = pool
	}

	e.subs = subscription.NewManager(e.transport,
		subscription.WithLogger(e.logger),
		subscription.WithMetrics(core))
	e.store = query.NewStore(query.WithLogger(e.logger), query.WithMetrics(core))
	e.correlator = call.NewCorrelator(e.subs, e.transport, e.store, e.signer,
		call.WithLogger(e.logger),
		call.WithMetrics(core),
		call.WithNotifier(e.notifier),
		call.WithTimeout(cfg.CallTimeout),
		call.WithIgnoreOwnEcho(cfg.IgnoreOwnEcho),
		call.WithRepublishWorkers(2, e.registry),
	)
	e.binder = document.NewBinder(e.subs, e.store, e.correlator,
		document.WithLogger(e.logger),
		document.WithNotifier(e.notifier))

	if cfg.NATS.URL != "" {
		if err := e.buildNATS(core); err != nil {
			return nil, err
		}
	}

	if !e.noGateway {
		if err := e.buildGateway(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func signerFromConfig(cfg *config.Config) (*event.KeySigner, error) {
	if cfg.SecretKey == "" {
		signer, err := event.GenerateKeySigner()
		if err != nil {
			return nil, errors.WrapFatal(err, "Engine", "NewEngine", "generate key")
		}
		return signer, nil
	}
	signer, err := event.NewKeySigner(cfg.SecretKey)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Engine", "NewEngine", "load secret key")
	}
	return signer, nil
}

func (e *Engine) buildNATS(core *metric.Metrics) error {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(e.logger),
		natsclient.WithMetrics(core),
		natsclient.WithName(e.name),
		natsclient.WithTLS(e.clientTLS),
		natsclient.WithTimeout(e.config.ConnectTimeout),
		natsclient.WithReconnect(e.config.ReconnectInterval, -1),
		natsclient.WithAuth(e.config.NATS.Username, e.config.NATS.Password, e.config.NATS.Token),
	}

	client, err := natsclient.NewClient(e.config.NATS.URL, opts...)
	if err != nil {
		return errors.Wrap(err, "Engine", "NewEngine", "create NATS client")
	}
	client.OnHealthChange(func(healthy bool) {
		e.logger.Info("NATS health changed", "healthy", healthy)
	})

	mirrorOpts := []natsclient.MirrorOption{natsclient.WithMirrorLogger(e.logger)}
	if e.config.NATS.AcceptCalls {
		mirrorOpts = append(mirrorOpts, natsclient.WithCaller(e.correlator))
	}
	e.nats = client
	e.mirror = natsclient.NewMirror(client, e.store, e.config.NATS.SubjectPrefix, mirrorOpts...)
	return nil
}

func (e *Engine) buildGateway() error {
	deps := httpgateway.Dependencies{
		Calls:         e.correlator,
		Queries:       e.store,
		Subscriptions: e.subs,
		Notifications: e.recorder,
		Health:        e.monitor,
		Metrics:       e.registry.Handler(),
		Logger:        e.logger,
	}
	if e.pool != nil {
		deps.Relays = e.pool
	}

	serverTLS, err := tlsutil.LoadServerConfig(e.config.HTTP.TLS)
	if err != nil {
		return err
	}

	gwConfig := httpgateway.DefaultConfig()
	gwConfig.Addr = e.config.HTTP.Addr
	gwConfig.TLS = serverTLS
	gwConfig.RateLimit = e.config.HTTP.RateLimit
	gwConfig.RateBurst = e.config.HTTP.RateBurst
	if len(e.config.HTTP.CORSOrigins) > 0 {
		gwConfig.EnableCORS = true
		gwConfig.CORSOrigins = append([]string(nil), e.config.HTTP.CORSOrigins...)
	}
	gw, err := httpgateway.NewGateway(gwConfig, deps)
	if err != nil {
		return errors.Wrap(err, "Engine", "NewEngine", "create HTTP gateway")
	}
	e.gateway = gw
	return nil
}

// Name returns the engine name
func (e *Engine) Name() string {
	return e.name
}

// Status returns the current lifecycle status
func (e *Engine) Status() Status {
	return e.status.Load().(Status)
}

// Correlator returns the call correlator
func (e *Engine) Correlator() *call.Correlator { return e.correlator }

// Store returns the query store
func (e *Engine) Store() *query.Store { return e.store }

// Binder returns the document binder
func (e *Engine) Binder() *document.Binder { return e.binder }

// Notifications returns the recorder holding recent user notifications
func (e *Engine) Notifications() *notify.Recorder { return e.recorder }

// Subscriptions returns the subscription manager
func (e *Engine) Subscriptions() *subscription.Manager { return e.subs }

// Pool returns the relay pool, nil when a transport was injected
func (e *Engine) Pool() *relay.Pool { return e.pool }

// Signer returns the signing key
func (e *Engine) Signer() *event.KeySigner { return e.signer }

// Registry returns the metrics registry
func (e *Engine) Registry() *metric.MetricsRegistry { return e.registry }

// Gateway returns the HTTP gateway, nil when disabled
func (e *Engine) Gateway() *httpgateway.Gateway { return e.gateway }

// Start connects to the relays, opens the background monitor and starts the
// correlator, the NATS mirror and the gateway. Relays that are down do not
// fail Start; an unreachable NATS server is logged and skipped.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	currentStatus := e.Status()
	if currentStatus == StatusRunning || currentStatus == StatusStarting {
		return nil
	}
	e.status.Store(StatusStarting)
	e.done = make(chan struct{})

	if e.pool != nil {
		if err := e.pool.Start(ctx); err != nil {
			e.status.Store(StatusStopped)
			return errors.Wrap(err, "Engine", "Start", "start relay pool")
		}
	}
	if err := e.correlator.Start(ctx); err != nil {
		e.status.Store(StatusStopped)
		return errors.Wrap(err, "Engine", "Start", "start correlator")
	}
	if _, err := e.subs.StartBackground(ctx); err != nil {
		e.logger.Warn("Background monitor not started", "error", err)
	}

	if e.nats != nil {
		if err := e.nats.Connect(ctx); err != nil {
			e.logger.Warn("NATS unavailable, query mirroring disabled", "url", e.nats.URL(), "error", err)
		} else if err := e.mirror.Start(ctx); err != nil {
			e.logger.Warn("NATS mirror not started", "error", err)
		}
	}

	if e.gateway != nil {
		if err := e.gateway.Start(ctx); err != nil {
			e.status.Store(StatusStopped)
			return errors.Wrap(err, "Engine", "Start", "start HTTP gateway")
		}
	}

	e.startTime.Store(time.Now())

	if e.healthInterval > 0 {
		e.waitGroup.Add(1)
		go e.healthMonitor(time.NewTicker(e.healthInterval))
	}
	e.waitGroup.Add(1)
	go e.contextMonitor(ctx)

	e.status.Store(StatusRunning)
	e.logger.Info("Engine started", "pubkey", e.signer.PublicKey(), "relays", len(e.config.Relays))
	return nil
}

// Stop closes every subscription, cancels open calls and disconnects
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	currentStatus := e.Status()
	if currentStatus == StatusStopped || currentStatus == StatusStopping {
		return nil
	}
	e.status.Store(StatusStopping)

	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-e.done:
	default:
		close(e.done)
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.gateway != nil {
		keep(e.gateway.Stop(timeout))
	}
	if e.mirror != nil {
		e.mirror.Stop()
	}
	if e.nats != nil {
		keep(e.nats.Close(ctx))
	}
	keep(e.correlator.Stop(timeout))
	e.subs.CloseAll()
	if e.pool != nil {
		keep(e.pool.CloseAll(ctx))
	}

	waited := make(chan struct{})
	go func() {
		e.waitGroup.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		e.logger.Warn("Engine stop timed out waiting for monitors")
	}

	e.status.Store(StatusStopped)
	e.logger.Info("Engine stopped")
	if firstErr != nil {
		return errors.Wrap(firstErr, "Engine", "Stop", "shutdown")
	}
	return nil
}

// Health returns the aggregate relay health of the engine
func (e *Engine) Health() health.Status {
	switch status := e.Status(); status {
	case StatusRunning:
		return e.monitor.AggregateHealth(e.name)
	case StatusStarting, StatusStopping:
		return health.NewDegraded(e.name, fmt.Sprintf("Engine is %s", status))
	default:
		return health.NewUnhealthy(e.name, "Engine is stopped")
	}
}

// GetStatus returns runtime information
func (e *Engine) GetStatus() Info {
	startTime := e.startTime.Load().(time.Time)

	uptime := time.Duration(0)
	if !startTime.IsZero() && e.Status() == StatusRunning {
		uptime = time.Since(startTime)
	}

	return Info{
		Name:         e.name,
		Status:       e.Status().String(),
		Uptime:       uptime,
		StartTime:    startTime,
		PublicKey:    e.signer.PublicKey(),
		PendingCalls: len(e.correlator.Pending()),
		HealthChecks: e.healthChecks.Load(),
	}
}

func (e *Engine) healthMonitor(ticker *time.Ticker) {
	defer e.waitGroup.Done()
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.performHealthCheck()
		}
	}
}

// performHealthCheck logs and reports aggregate status transitions
func (e *Engine) performHealthCheck() {
	e.healthChecks.Add(1)

	status := e.monitor.AggregateHealth(e.name)
	previous := e.lastHealth.Swap(status.Status).(string)
	if previous == status.Status {
		return
	}

	e.logger.Info("Engine health changed", "from", previous, "to", status.Status, "message", status.Message)
	if e.onHealthChange != nil {
		go e.onHealthChange(status)
	}
}

// contextMonitor stops the engine when the parent context is cancelled
func (e *Engine) contextMonitor(ctx context.Context) {
	defer e.waitGroup.Done()

	select {
	case <-ctx.Done():
		go func() {
			if err := e.Stop(5 * time.Second); err != nil {
				e.logger.Warn("Engine stop after context cancel failed", "error", err)
			}
		}()
	case <-e.done:
	}
}
