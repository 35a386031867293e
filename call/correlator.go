// Package call publishes function-call requests and correlates the
// execution, status and result events that reference them. A resolved
// result can be republished into the feed of a bound query.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/event"
	"github.com/c360/hypernote/metric"
	"github.com/c360/hypernote/notify"
	"github.com/c360/hypernote/pkg/worker"
	"github.com/c360/hypernote/query"
	"github.com/c360/hypernote/relay"
	"github.com/c360/hypernote/subscription"
)

// Defaults
const (
	DefaultTimeout    = 2 * time.Minute
	DefaultHistoryTTL = 10 * time.Minute
	DefaultHistoryMax = 1000
)

// Request is the content of a function-call request event
type Request struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
	Timestamp  float64         `json:"timestamp"`
}

type republishJob struct {
	callID        string
	queryID       string
	kind          int
	discriminator string
	content       string
}

// Correlator owns the pending-call table. Pending calls expire after the
// configured timeout; finished calls stay queryable for a while after.
type Correlator struct {
	subs      *subscription.Manager
	transport relay.Transport
	store     *query.Store
	signer    event.Signer

	logger        *slog.Logger
	metrics       *metric.Metrics
	notifier      notify.Sink
	timeout       time.Duration
	ignoreOwnEcho bool

	registry *metric.MetricsRegistry
	workers  int

	pending     *ttlcache.Cache[string, *PendingCall]
	history     *ttlcache.Cache[string, *PendingCall]
	republisher *worker.Pool[republishJob]

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

// Option configures a Correlator
type Option func(*Correlator)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records call outcomes and durations
func WithMetrics(metrics *metric.Metrics) Option {
	return func(c *Correlator) {
		c.metrics = metrics
	}
}

// WithNotifier sets the sink for user-facing notifications
func WithNotifier(sink notify.Sink) Option {
	return func(c *Correlator) {
		if sink != nil {
			c.notifier = sink
		}
	}
}

// WithTimeout sets how long a call may stay open. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d >= 0 {
			c.timeout = d
		}
	}
}

// WithIgnoreOwnEcho drops request-kind events signed by our own key
func WithIgnoreOwnEcho(ignore bool) Option {
	return func(c *Correlator) {
		c.ignoreOwnEcho = ignore
	}
}

// WithRepublishWorkers sizes the republish worker pool and registers its
// metrics on registry when non-nil
func WithRepublishWorkers(n int, registry *metric.MetricsRegistry) Option {
	return func(c *Correlator) {
		c.workers = n
		c.registry = registry
	}
}

// NewCorrelator creates a correlator. Start must be called before Call.
func NewCorrelator(subs *subscription.Manager, transport relay.Transport, store *query.Store, signer event.Signer, opts ...Option) *Correlator {
	c := &Correlator{
		subs:          subs,
		transport:     transport,
		store:         store,
		signer:        signer,
		logger:        slog.Default(),
		notifier:      notify.Discard,
		timeout:       DefaultTimeout,
		ignoreOwnEcho: true,
		workers:       2,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "call-correlator")

	ttl := c.timeout
	if ttl == 0 {
		ttl = ttlcache.NoTTL
	}
	c.pending = ttlcache.New[string, *PendingCall](
		ttlcache.WithTTL[string, *PendingCall](ttl),
		ttlcache.WithDisableTouchOnHit[string, *PendingCall](),
	)
	c.pending.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *PendingCall]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		// Eviction callbacks may run under the cache lock.
		go c.expire(item.Value())
	})

	c.history = ttlcache.New[string, *PendingCall](
		ttlcache.WithTTL[string, *PendingCall](DefaultHistoryTTL),
		ttlcache.WithCapacity[string, *PendingCall](DefaultHistoryMax),
	)

	poolOpts := []worker.Option[republishJob]{
		worker.WithErrorHandler[republishJob](c.republishFailed),
	}
	if c.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[republishJob](c.registry, "republish"))
	}
	c.republisher = worker.NewPool(c.workers, 64, c.republish, poolOpts...)

	return c
}

// Start runs expiry and the republish workers until Stop
func (c *Correlator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Correlator", "Start", "check state")
	}
	if err := c.republisher.Start(ctx); err != nil {
		return errors.Wrap(err, "Correlator", "Start", "start republish workers")
	}
	go c.pending.Start()
	go c.history.Start()
	c.started = true
	return nil
}

// Stop cancels every open call and stops the workers
func (c *Correlator) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	if !c.started || c.stopped {
		c.lifecycleMu.Unlock()
		return nil
	}
	c.stopped = true
	c.lifecycleMu.Unlock()

	for _, item := range c.pending.Items() {
		c.finish(item.Value(), StateCancelled, "", errors.ErrCallCancelled)
	}
	c.pending.Stop()
	c.history.Stop()

	if err := c.republisher.Stop(timeout); err != nil {
		return errors.Wrap(err, "Correlator", "Stop", "stop republish workers")
	}
	return nil
}

// Call publishes a request for fn with JSON args. The correlation
// subscription is open before the request is published. target names the
// query ("#id" or "id") whose feed receives the result; empty for none.
// On publish failure the subscription is closed, the call is marked failed
// and the store is untouched.
func (c *Correlator) Call(ctx context.Context, fn string, args json.RawMessage, target string) (*PendingCall, error) {
	if c.signer == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Correlator", "Call", "signer required")
	}
	if strings.TrimSpace(fn) == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: function name required", errors.ErrInvalidArguments),
			"Correlator", "Call", "validate function")
	}
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidArguments, args),
			"Correlator", "Call", "validate arguments")
	}

	content, err := json.Marshal(Request{
		Name:       fn,
		Parameters: args,
		Timestamp:  float64(time.Now().UnixMilli()) / 1000,
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Correlator", "Call", "encode request")
	}

	tags := event.Tags{
		{"c", event.ToolCategory},
		{"p", c.signer.PublicKey()},
	}
	req := event.New(event.KindToolRequest, tags, string(content))
	if err := c.signer.Sign(req); err != nil {
		return nil, errors.Wrap(err, "Correlator", "Call", "sign request")
	}

	pc := newPendingCall(req.ID, fn, args, target)
	logger := c.logger.With("call_id", req.ShortID(), "function", fn)
	c.pending.Set(pc.ID, pc, ttlcache.DefaultTTL)

	filter := event.Filter{Kinds: append([]int(nil), event.CallProtocolKinds...)}.
		WithSince(time.Now().Unix()).
		WithTag("e", req.ID)
	handle, err := c.subs.Subscribe(ctx, pc.SubscriptionID, filter, func(url string, ev *event.Event) {
		c.handle(pc, url, ev)
	})
	if err != nil {
		c.finish(pc, StateFailed, "", err)
		return nil, errors.Wrap(err, "Correlator", "Call", "open correlation subscription")
	}
	pc.setTeardown(handle.Close)

	if err := c.transport.Publish(ctx, req); err != nil {
		c.finish(pc, StateFailed, "", err)
		c.notifier.Notify(notify.LevelError, fmt.Sprintf("Failed to call %s: %v", fn, err))
		logger.Error("Publish request failed", "error", err)
		return nil, errors.Wrap(err, "Correlator", "Call", "publish request")
	}

	logger.Info("Call submitted", "subscription", pc.SubscriptionID, "target", target)
	return pc, nil
}

// Publish signs and publishes an event built from kind, tags and content
func (c *Correlator) Publish(ctx context.Context, kind int, tags event.Tags, content string) (*event.Event, error) {
	if c.signer == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Correlator", "Publish", "signer required")
	}
	ev := event.New(kind, tags, content)
	if err := c.signer.Sign(ev); err != nil {
		return nil, errors.Wrap(err, "Correlator", "Publish", "sign event")
	}
	if err := c.transport.Publish(ctx, ev); err != nil {
		return nil, errors.Wrap(err, "Correlator", "Publish", "publish event")
	}
	c.logger.Debug("Published event", "kind", kind, "event_id", ev.ShortID())
	return ev, nil
}

// Cancel finishes an open call as cancelled and closes its subscription.
// It reports whether an open call was found.
func (c *Correlator) Cancel(callID string) bool {
	item := c.pending.Get(callID)
	if item == nil {
		return false
	}
	return c.finish(item.Value(), StateCancelled, "", errors.ErrCallCancelled)
}

// Get returns an open or recently finished call
func (c *Correlator) Get(callID string) (*PendingCall, bool) {
	if item := c.pending.Get(callID); item != nil {
		return item.Value(), true
	}
	if item := c.history.Get(callID); item != nil {
		return item.Value(), true
	}
	return nil, false
}

// Pending lists open calls, oldest first
func (c *Correlator) Pending() []Snapshot {
	items := c.pending.Items()
	out := make([]Snapshot, 0, len(items))
	for _, item := range items {
		out = append(out, item.Value().Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (c *Correlator) handle(pc *PendingCall, url string, ev *event.Event) {
	if pc.State().Final() {
		return
	}
	logger := c.logger.With("call_id", event.ShortIDOf(pc.ID), "relay", url, "kind", ev.Kind)

	if ev.Kind == event.KindToolRequest && c.isEcho(pc, ev) {
		logger.Debug("Ignoring echo of own request", "event_id", ev.ShortID())
		return
	}

	resp, err := DecodeResponse(ev)
	if err != nil {
		if ev.Kind == event.KindToolResult {
			logger.Error("Malformed result", "error", err)
			c.notifier.Notify(notify.LevelError, fmt.Sprintf("Malformed result for %s", pc.Function))
			c.finish(pc, StateResolvedWithError, "", err)
			return
		}
		logger.Debug("Ignoring unexpected event", "error", err)
		return
	}

	switch r := resp.(type) {
	case *ExecutionResponse:
		pc.acknowledge()
		c.notifier.Notify(notify.LevelInfo, "Tool execution event received")
		logger.Debug("Execution started")

	case *StatusResponse:
		pc.acknowledge()
		c.notifier.Notify(notify.LevelInfo, "Status event received")
		logger.Debug("Status update", "status", r.Status, "detail", r.Detail)

	case *ResultResponse:
		c.notifier.Notify(notify.LevelSuccess, "Result event received")
		c.resolve(pc, r, logger)
	}
}

func (c *Correlator) isEcho(pc *PendingCall, ev *event.Event) bool {
	if ev.ID == pc.ID {
		return true
	}
	return c.ignoreOwnEcho && c.signer != nil && ev.PubKey == c.signer.PublicKey()
}

func (c *Correlator) resolve(pc *PendingCall, r *ResultResponse, logger *slog.Logger) {
	text, ok := r.FirstText()
	if !ok {
		err := errors.WrapInvalid(fmt.Errorf("%w: result has no text", errors.ErrMalformedResponse),
			"Correlator", "resolve", "read result text")
		logger.Error("Result without text", "error", err)
		c.finish(pc, StateResolvedWithError, "", err)
		return
	}
	if r.IsError {
		logger.Warn("Call reported an error", "result", text)
		c.notifier.Notify(notify.LevelError, fmt.Sprintf("%s failed: %s", pc.Function, text))
		c.finish(pc, StateResolvedWithError, text, fmt.Errorf("remote error: %s", text))
		return
	}

	if !c.finish(pc, StateResolved, text, nil) {
		return
	}
	logger.Info("Call resolved", "elapsed", time.Since(pc.Created))

	if pc.Target == "" {
		return
	}
	job, err := c.republishTarget(pc, text)
	if err != nil {
		logger.Error("Cannot republish result", "target", pc.Target, "error", err)
		c.notifier.Notify(notify.LevelError, fmt.Sprintf("Cannot update %s: %v", pc.Target, err))
		return
	}
	if err := c.republisher.Submit(job); err != nil {
		logger.Error("Republish not queued", "target", pc.Target, "error", err)
		c.notifier.Notify(notify.LevelError, fmt.Sprintf("Cannot update %s: %v", pc.Target, err))
	}
}

// republishTarget resolves the feed of target: the bound kind, else the kind
// of the latest record, else application data, with its discriminator
func (c *Correlator) republishTarget(pc *PendingCall, text string) (republishJob, error) {
	queryID := strings.TrimPrefix(pc.Target, "#")
	binding, bound := c.store.Binding(queryID)
	rec, hasRecord := c.store.QueryResult(queryID)
	if !bound && !hasRecord {
		return republishJob{}, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownTarget, pc.Target),
			"Correlator", "republishTarget", "resolve target")
	}

	disc, ok := c.store.Discriminator(queryID)
	if !ok || disc == "" {
		return republishJob{}, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrNoDiscriminator, pc.Target),
			"Correlator", "republishTarget", "resolve discriminator")
	}

	kind := binding.Kind
	if kind == 0 && hasRecord {
		kind = kindOf(rec.Field(query.FieldKind).Any())
	}
	if kind == 0 {
		kind = event.KindAppData
	}

	return republishJob{
		callID:        pc.ID,
		queryID:       queryID,
		kind:          kind,
		discriminator: disc,
		content:       text,
	}, nil
}

func kindOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func (c *Correlator) republish(ctx context.Context, job republishJob) error {
	ev, err := c.Publish(ctx, job.kind, event.Tags{{"d", job.discriminator}}, job.content)
	if err != nil {
		return err
	}
	c.logger.Info("Republished result",
		"call_id", event.ShortIDOf(job.callID),
		"query_id", job.queryID,
		"kind", job.kind,
		"event_id", ev.ShortID(),
	)
	return nil
}

func (c *Correlator) republishFailed(job republishJob, err error) {
	c.logger.Error("Republish failed", "call_id", event.ShortIDOf(job.callID), "query_id", job.queryID, "error", err)
	c.notifier.Notify(notify.LevelError, fmt.Sprintf("Failed to update #%s: %v", job.queryID, err))
}

func (c *Correlator) expire(pc *PendingCall) {
	if c.finish(pc, StateTimedOut, "", errors.ErrCallTimeout) {
		c.logger.Warn("Call timed out", "call_id", event.ShortIDOf(pc.ID), "function", pc.Function, "timeout", c.timeout)
		c.notifier.Notify(notify.LevelWarn, fmt.Sprintf("%s timed out", pc.Function))
	}
}

// finish moves pc to a final state, removes it from the pending table and
// keeps it in history. It reports whether this call made the transition.
func (c *Correlator) finish(pc *PendingCall, state State, result string, err error) bool {
	if !pc.finish(state, result, err) {
		return false
	}
	c.pending.Delete(pc.ID)
	c.history.Set(pc.ID, pc, ttlcache.DefaultTTL)
	c.metrics.RecordCall(state.String(), time.Since(pc.Created))
	return true
}
