package relay

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/hypernote/health"
	"github.com/c360/hypernote/metric"
)

// Default timings
const (
	DefaultConnectTimeout    = 5 * time.Second
	DefaultReconnectInterval = 10 * time.Second
	DefaultPublishTimeout    = 10 * time.Second
)

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithConnectTimeout bounds each connection attempt
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.connectTimeout = d
		}
	}
}

// WithReconnectInterval sets the period of the reconnect scan
func WithReconnectInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.reconnectInterval = d
		}
	}
}

// WithPublishTimeout bounds how long Publish waits for relay acknowledgements
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.publishTimeout = d
		}
	}
}

// WithDialer overrides the websocket dialer
func WithDialer(dialer *websocket.Dialer) Option {
	return func(p *Pool) {
		p.dialer = dialer
	}
}

// WithMetrics records connection and publish metrics in the registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(p *Pool) {
		p.registry = registry
		p.metrics = registry.CoreMetrics()
	}
}

// WithHealthMonitor reports per-relay connectivity to monitor
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(p *Pool) {
		p.health = monitor
	}
}

// WithSignatureCheck controls whether inbound event signatures are verified
func WithSignatureCheck(enabled bool) Option {
	return func(p *Pool) {
		p.verify = enabled
	}
}
