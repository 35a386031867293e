package metric

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/hypernote/errors"
)

// MetricsRegistry owns the process Prometheus registry. Engine metrics and
// Go runtime collectors are registered up front; packages add their own
// collectors keyed by owner and name.
type MetricsRegistry struct {
	prom    *prometheus.Registry
	Metrics *Metrics

	mu    sync.Mutex
	owned map[string]prometheus.Collector
}

func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:    prometheus.NewRegistry(),
		Metrics: NewMetrics(),
		owned:   make(map[string]prometheus.Collector),
	}
	r.prom.MustRegister(r.Metrics.all()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (m *Metrics) all() []prometheus.Collector {
	return []prometheus.Collector{
		m.RelayConnected, m.RelayConnectAttempts,
		m.EventsReceived, m.EventsPublished,
		m.SubscriptionsActive, m.SlotsRegistered,
		m.CallsTotal, m.CallDuration,
		m.NATSConnected, m.NATSCircuitBreaker,
	}
}

func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// CoreMetrics is nil-safe so callers can pass an absent registry through
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.Metrics
}

// Handler serves /metrics, OpenMetrics when the scraper asks for it
func (r *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (r *MetricsRegistry) RegisterCounter(owner, name string, c prometheus.Counter) error {
	return r.register("RegisterCounter", owner, name, c)
}

func (r *MetricsRegistry) RegisterGauge(owner, name string, g prometheus.Gauge) error {
	return r.register("RegisterGauge", owner, name, g)
}

func (r *MetricsRegistry) RegisterHistogramVec(owner, name string, h *prometheus.HistogramVec) error {
	return r.register("RegisterHistogramVec", owner, name, h)
}

// register fails with an invalid error when owner already holds name or
// when Prometheus sees a conflicting descriptor
func (r *MetricsRegistry) register(method, owner, name string, c prometheus.Collector) error {
	key := owner + "." + name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.owned[key]; taken {
		return errors.WrapInvalid(fmt.Errorf("metric %s already registered", key),
			"MetricsRegistry", method, "duplicate metric registration")
	}

	err := r.prom.Register(c)
	var dup prometheus.AlreadyRegisteredError
	switch {
	case err == nil:
		r.owned[key] = c
		return nil
	case stderrors.As(err, &dup):
		return errors.WrapInvalid(err, "MetricsRegistry", method, "prometheus conflict for "+key)
	default:
		return errors.WrapFatal(err, "MetricsRegistry", method, "register with prometheus")
	}
}

// Unregister drops owner's collector named name, reporting whether it existed
func (r *MetricsRegistry) Unregister(owner, name string) bool {
	key := owner + "." + name

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.owned[key]
	if !ok || !r.prom.Unregister(c) {
		return false
	}
	delete(r.owned, key)
	return true
}
