package natsclient

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/hypernote/metric"
)

// ClientOption configures a Client. An option returning an error makes
// NewClient fail with an invalid-class error.
type ClientOption func(*Client) error

// WithLogger sets the structured logger; nil keeps slog.Default
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics reports connection and circuit state
func WithMetrics(metrics *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = metrics
		return nil
	}
}

// WithName identifies the connection on the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.dial.name = name
		return nil
	}
}

// WithAuth sets either a token or a username and password
func WithAuth(username, password, token string) ClientOption {
	return func(c *Client) error {
		if token != "" && username != "" {
			return fmt.Errorf("token and username are mutually exclusive")
		}
		if username == "" && password != "" {
			return fmt.Errorf("password without username")
		}
		c.dial.username, c.dial.password, c.dial.token = username, password, token
		return nil
	}
}

// WithTimeout bounds the initial dial
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.dial.timeout = d
		return nil
	}
}

// WithReconnect sets the wait between library reconnect attempts and their
// maximum count, -1 for unlimited
func WithReconnect(wait time.Duration, max int) ClientOption {
	return func(c *Client) error {
		if wait <= 0 {
			return fmt.Errorf("reconnect wait must be positive, got %s", wait)
		}
		c.dial.reconnectWait = wait
		c.dial.maxReconnects = max
		return nil
	}
}

// WithCircuitBreaker opens the circuit after threshold consecutive failures
// and caps the backoff at maxBackoff
func WithCircuitBreaker(threshold int32, maxBackoff time.Duration) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			return fmt.Errorf("circuit threshold must be at least 1, got %d", threshold)
		}
		if maxBackoff < time.Second {
			return fmt.Errorf("max backoff must be at least 1s, got %s", maxBackoff)
		}
		c.breaker = newBreaker(threshold, maxBackoff)
		return nil
	}
}

// WithTLS secures the connection with cfg; nil keeps the URL scheme default
func WithTLS(cfg *tls.Config) ClientOption {
	return func(c *Client) error {
		c.dial.tls = cfg
		return nil
	}
}
