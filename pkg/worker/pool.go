// Package worker provides a bounded worker pool. The relay pool uses it for
// reconnect attempts and the call correlator for result republishing, so
// neither blocks a relay read loop.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/hypernote/metric"
)

// Lifecycle and admission errors
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrQueueFull          = errors.New("worker pool queue full")
	ErrNilProcessor       = errors.New("worker pool processor is nil")
	ErrStopTimeout        = errors.New("worker pool stop timed out")
)

// Pool runs a fixed number of workers over a buffered queue of jobs of type T.
// Submit never blocks; a full queue rejects the job.
type Pool[T any] struct {
	workers   int
	queueSize int
	process   func(context.Context, T) error
	onError   func(T, error)

	jobs    chan T
	wg      sync.WaitGroup
	metrics *poolMetrics

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	registry *metric.MetricsRegistry
	name     string
}

// Option configures a pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports pool metrics labelled pool=name
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.name = name
	}
}

// WithErrorHandler is called with every job whose processor returned an error
func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(p *Pool[T]) {
		p.onError = fn
	}
}

// NewPool creates a pool with workers goroutines and a queue of queueSize.
// Zero sizes fall back to 4 workers and 64 slots. It panics on a nil processor.
func NewPool[T any](workers, queueSize int, process func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if process == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		process:   process,
		jobs:      make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry != nil && p.name != "" {
		p.metrics = newPoolMetrics(p.registry, p.name)
	}
	return p
}

// Start launches the workers. They exit when ctx is cancelled or Stop drains the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	p.started = true

	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.run(ctx)
	}
	return nil
}

// Submit enqueues work without blocking
func (p *Pool[T]) Submit(work T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case !p.started:
		return ErrPoolNotStarted
	case p.stopped:
		return ErrPoolStopped
	}

	select {
	case p.jobs <- work:
		p.submitted.Add(1)
		p.metrics.submit(len(p.jobs))
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.drop()
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to timeout for queued jobs to finish
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// PoolStats is a snapshot of pool counters
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current pool counters
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.jobs),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.jobs:
			if !ok {
				return
			}
			p.handle(ctx, work)
		}
	}
}

func (p *Pool[T]) handle(ctx context.Context, work T) {
	start := time.Now()
	err := p.process(ctx, work)
	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
		if p.onError != nil {
			p.onError(work, err)
		}
	}
	p.metrics.done(err, time.Since(start), len(p.jobs))
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	submitted  prometheus.Counter
	dropped    prometheus.Counter
	duration   *prometheus.HistogramVec
}

func newPoolMetrics(registry *metric.MetricsRegistry, name string) *poolMetrics {
	labels := prometheus.Labels{"pool": name}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hypernote", Subsystem: "worker", Name: "queue_depth",
			Help: "Jobs waiting in the worker queue", ConstLabels: labels,
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hypernote", Subsystem: "worker", Name: "submitted_total",
			Help: "Jobs accepted by the worker queue", ConstLabels: labels,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hypernote", Subsystem: "worker", Name: "dropped_total",
			Help: "Jobs rejected because the queue was full", ConstLabels: labels,
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hypernote", Subsystem: "worker", Name: "job_duration_seconds",
			Help:        "Job processing time by outcome",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			ConstLabels: labels,
		}, []string{"status"}),
	}

	// A duplicate name leaves the pool working but unobserved.
	owner := "worker." + name
	_ = registry.RegisterGauge(owner, "queue_depth", m.queueDepth)
	_ = registry.RegisterCounter(owner, "submitted_total", m.submitted)
	_ = registry.RegisterCounter(owner, "dropped_total", m.dropped)
	_ = registry.RegisterHistogramVec(owner, "job_duration_seconds", m.duration)
	return m
}

func (m *poolMetrics) submit(depth int) {
	if m == nil {
		return
	}
	m.submitted.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *poolMetrics) drop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *poolMetrics) done(err error, elapsed time.Duration, depth int) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.duration.WithLabelValues(status).Observe(elapsed.Seconds())
	m.queueDepth.Set(float64(depth))
}
