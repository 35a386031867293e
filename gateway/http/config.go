package http

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/c360/hypernote/errors"
)

// Config configures the inspection and trigger gateway
type Config struct {
	Addr string `json:"addr" yaml:"addr"`

	EnableCORS bool `json:"enable_cors" yaml:"enable_cors"`

	// CORSOrigins is required when CORS is enabled
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`

	MaxRequestSize int64 `json:"max_request_size,omitempty" yaml:"max_request_size,omitempty"`

	// WaitTimeout bounds POST /calls?wait=true
	WaitTimeout time.Duration `json:"wait_timeout,omitempty" yaml:"wait_timeout,omitempty"`

	// RateLimit is requests per second allowed per client address; 0 disables it
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	RateBurst int     `json:"rate_burst,omitempty" yaml:"rate_burst,omitempty"`

	// TLS serves HTTPS when set
	TLS *tls.Config `json:"-" yaml:"-"`
}

// DefaultConfig returns a gateway listening on :8080 with CORS off
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		MaxRequestSize: 1024 * 1024,
		WaitTimeout:    30 * time.Second,
	}
}

// Validate checks the configuration and fills defaults for zero sizes
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"addr cannot be empty")
	}

	if c.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot be negative")
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = 1024 * 1024
	}
	if c.MaxRequestSize > 100*1024*1024 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot exceed 100MB")
	}

	if c.WaitTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("invalid wait_timeout: %s", c.WaitTimeout))
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = 30 * time.Second
	}

	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"rate_limit and rate_burst cannot be negative")
	}
	if c.RateLimit > 0 && c.RateBurst == 0 {
		c.RateBurst = int(c.RateLimit) + 1
	}

	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"enable_cors requires explicit cors_origins configuration (use [\"*\"] for development only)")
	}
	return nil
}
