// Package config loads the engine configuration from layered YAML files, an
// optional .env file and HYPERNOTE_* environment overrides.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/pkg/tlsutil"
)

// Defaults
const (
	DefaultConnectTimeout    = 5 * time.Second
	DefaultReconnectInterval = 10 * time.Second
	DefaultPublishTimeout    = 10 * time.Second
	DefaultCallTimeout       = 2 * time.Minute
	DefaultHTTPAddr          = ":8080"
	DefaultSubjectPrefix     = "hypernote"
)

// Config is the complete engine configuration
type Config struct {
	Relays            []string             `yaml:"relays" json:"relays"`
	SecretKey         string               `yaml:"secret_key,omitempty" json:"secret_key,omitempty"`
	ConnectTimeout    time.Duration        `yaml:"connect_timeout" json:"connect_timeout"`
	ReconnectInterval time.Duration        `yaml:"reconnect_interval" json:"reconnect_interval"`
	PublishTimeout    time.Duration        `yaml:"publish_timeout" json:"publish_timeout"`
	CallTimeout       time.Duration        `yaml:"call_timeout" json:"call_timeout"`
	IgnoreOwnEcho     bool                 `yaml:"ignore_own_echo" json:"ignore_own_echo"`
	TLS               tlsutil.ClientConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
	HTTP              HTTPConfig           `yaml:"http" json:"http"`
	NATS              NATSConfig           `yaml:"nats" json:"nats"`
	Log               LogConfig            `yaml:"log" json:"log"`
}

// HTTPConfig configures the inspection gateway
type HTTPConfig struct {
	Addr        string               `yaml:"addr" json:"addr"`
	CORSOrigins []string             `yaml:"cors_origins,omitempty" json:"cors_origins,omitempty"`
	TLS         tlsutil.ServerConfig `yaml:"tls,omitempty" json:"tls,omitempty"`

	// RateLimit is requests per second per client address; 0 disables it
	RateLimit float64 `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	RateBurst int     `yaml:"rate_burst,omitempty" json:"rate_burst,omitempty"`
}

// NATSConfig configures the optional NATS mirror. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url,omitempty" json:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty" json:"subject_prefix,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	Token         string `yaml:"token,omitempty" json:"token,omitempty"`
	AcceptCalls   bool   `yaml:"accept_calls,omitempty" json:"accept_calls,omitempty"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used before any layer is applied
func Default() *Config {
	return &Config{
		ConnectTimeout:    DefaultConnectTimeout,
		ReconnectInterval: DefaultReconnectInterval,
		PublishTimeout:    DefaultPublishTimeout,
		CallTimeout:       DefaultCallTimeout,
		IgnoreOwnEcho:     true,
		HTTP:              HTTPConfig{Addr: DefaultHTTPAddr},
		NATS:              NATSConfig{SubjectPrefix: DefaultSubjectPrefix},
		Log:               LogConfig{Level: "info", Format: "json"},
	}
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	clone.Relays = append([]string(nil), c.Relays...)
	clone.TLS.CAFiles = append([]string(nil), c.TLS.CAFiles...)
	clone.HTTP.CORSOrigins = append([]string(nil), c.HTTP.CORSOrigins...)
	clone.HTTP.TLS.ClientCAFiles = append([]string(nil), c.HTTP.TLS.ClientCAFiles...)
	clone.HTTP.TLS.AllowedClientCNs = append([]string(nil), c.HTTP.TLS.AllowedClientCNs...)
	return &clone
}

// Validate checks relay URLs, the secret key, durations, logging and the
// NATS subject prefix
func (c *Config) Validate() error {
	if len(c.Relays) == 0 {
		return invalid("relays: at least one relay is required")
	}
	for _, raw := range c.Relays {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return invalid("relays: %q is not a ws:// or wss:// URL", raw)
		}
	}

	if c.SecretKey != "" {
		if len(c.SecretKey) != 64 {
			return invalid("secret_key: expected 64 hex characters")
		}
		if _, err := hex.DecodeString(c.SecretKey); err != nil {
			return invalid("secret_key: not hex")
		}
	}

	if c.ConnectTimeout <= 0 {
		return invalid("connect_timeout must be positive")
	}
	if c.ReconnectInterval <= 0 {
		return invalid("reconnect_interval must be positive")
	}
	if c.PublishTimeout < 0 || c.CallTimeout < 0 {
		return invalid("publish_timeout and call_timeout must not be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level: unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return invalid("log.format: unknown format %q", c.Log.Format)
	}

	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		return invalid("http: rate_limit and rate_burst cannot be negative")
	}
	if (c.HTTP.TLS.CertFile == "") != (c.HTTP.TLS.KeyFile == "") {
		return invalid("http.tls: cert_file and key_file must be set together")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return invalid("tls: cert_file and key_file must be set together")
	}

	if c.NATS.URL != "" && !isValidNATSSubjectPart(c.NATS.SubjectPrefix) {
		return invalid("nats.subject_prefix: %q is not a valid subject", c.NATS.SubjectPrefix)
	}
	if c.NATS.Token != "" && c.NATS.Username != "" {
		return invalid("nats: token and username are mutually exclusive")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "validate configuration")
}

func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// Redacted returns a copy with credentials masked
func (c *Config) Redacted() *Config {
	clone := c.Clone()
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&clone.SecretKey)
	mask(&clone.NATS.Password)
	mask(&clone.NATS.Token)
	return clone
}

// String returns a JSON representation with credentials masked
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// SaveToFile writes the configuration as YAML with owner-only permissions
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "encode yaml")
	}
	return writeLayer(path, data)
}
