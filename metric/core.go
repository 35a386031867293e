// Package metric owns the Prometheus registry and the engine-level metrics
// for relays, subscriptions, calls and slots.
package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hypernote"

// Metrics contains the engine metrics. All record methods are safe on a nil
// receiver so components can run without a registry.
type Metrics struct {
	// Relay metrics
	RelayConnected       *prometheus.GaugeVec
	RelayConnectAttempts *prometheus.CounterVec
	EventsReceived       *prometheus.CounterVec
	EventsPublished      *prometheus.CounterVec

	// Engine metrics
	SubscriptionsActive prometheus.Gauge
	CallsTotal          *prometheus.CounterVec
	CallDuration        prometheus.Histogram
	SlotsRegistered     prometheus.Gauge

	// NATS mirror metrics
	NATSConnected      prometheus.Gauge
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all engine metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RelayConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "connected",
				Help:      "Relay connection status (0=disconnected, 1=connected)",
			},
			[]string{"relay"},
		),

		RelayConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "connect_attempts_total",
				Help:      "Total number of relay connection attempts",
			},
			[]string{"relay", "result"},
		),

		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "received_total",
				Help:      "Total number of events received from relays",
			},
			[]string{"kind"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total number of publish attempts by outcome",
			},
			[]string{"result"},
		),

		SubscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "subscriptions",
				Name:      "active",
				Help:      "Number of live subscriptions",
			},
		),

		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "calls",
				Name:      "total",
				Help:      "Total number of tool calls by final state",
			},
			[]string{"state"},
		),

		CallDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "calls",
				Name:      "duration_seconds",
				Help:      "Time from request publish to final state",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		SlotsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "slots",
				Name:      "registered",
				Help:      "Number of registered display slots",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS mirror connection status (0=disconnected, 1=connected)",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// RecordRelayStatus updates the connection gauge for a relay
func (c *Metrics) RecordRelayStatus(relay string, connected bool) {
	if c == nil {
		return
	}
	c.RelayConnected.WithLabelValues(relay).Set(boolValue(connected))
}

// RecordConnectAttempt counts a connection attempt and its outcome
func (c *Metrics) RecordConnectAttempt(relay string, err error) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	c.RelayConnectAttempts.WithLabelValues(relay, result).Inc()
}

// RecordEventReceived counts an event delivered by a relay
func (c *Metrics) RecordEventReceived(kind int) {
	if c == nil {
		return
	}
	c.EventsReceived.WithLabelValues(strconv.Itoa(kind)).Inc()
}

// RecordPublish counts a publish attempt across the relay set
func (c *Metrics) RecordPublish(accepted bool) {
	if c == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	c.EventsPublished.WithLabelValues(result).Inc()
}

// SetSubscriptionsActive updates the live subscription gauge
func (c *Metrics) SetSubscriptionsActive(n int) {
	if c == nil {
		return
	}
	c.SubscriptionsActive.Set(float64(n))
}

// RecordCall counts a call reaching a final state
func (c *Metrics) RecordCall(state string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.CallsTotal.WithLabelValues(state).Inc()
	c.CallDuration.Observe(elapsed.Seconds())
}

// SetSlotsRegistered updates the slot gauge
func (c *Metrics) SetSlotsRegistered(n int) {
	if c == nil {
		return
	}
	c.SlotsRegistered.Set(float64(n))
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	c.NATSConnected.Set(boolValue(connected))
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	if c == nil {
		return
	}
	c.NATSCircuitBreaker.Set(float64(state))
}
