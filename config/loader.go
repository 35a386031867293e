package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/c360/hypernote/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "HYPERNOTE"

// Loader applies YAML layers over the defaults, then the environment
type Loader struct {
	layers     []string
	envFiles   []string
	validation bool
	envPrefix  string
}

// NewLoader creates a loader that reads .env if present
func NewLoader() *Loader {
	return &Loader{
		envFiles:   []string{".env"},
		validation: true,
		envPrefix:  EnvPrefix,
	}
}

// AddLayer adds a configuration file; later layers override earlier ones
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// SetEnvFiles replaces the .env files loaded before overrides are read.
// Missing files are skipped. Variables already set are never overwritten.
func (l *Loader) SetEnvFiles(paths ...string) {
	l.envFiles = paths
}

// EnableValidation enables or disables validation after loading
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		data, err := readLayer(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "read "+path)
		}
		// Decoding onto the current value keeps fields the layer omits.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, path, err),
				"Loader", "Load", "decode yaml")
		}
	}

	for _, path := range l.envFiles {
		if err := godotenv.Load(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load env file "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) env(key string) (string, bool, error) {
	name := l.envPrefix + "_" + key
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := checkEnvValue(name, val); err != nil {
		return "", false, errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "read "+name)
	}
	return val, true, nil
}

// applyEnvOverrides reads HYPERNOTE_* variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"SECRET_KEY":          &cfg.SecretKey,
		"HTTP_ADDR":           &cfg.HTTP.Addr,
		"LOG_LEVEL":           &cfg.Log.Level,
		"LOG_FORMAT":          &cfg.Log.Format,
		"NATS_URL":            &cfg.NATS.URL,
		"NATS_SUBJECT_PREFIX": &cfg.NATS.SubjectPrefix,
		"NATS_USERNAME":       &cfg.NATS.Username,
		"NATS_PASSWORD":       &cfg.NATS.Password,
		"NATS_TOKEN":          &cfg.NATS.Token,
	}
	for key, dst := range strs {
		val, ok, err := l.env(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = val
		}
	}

	if val, ok, err := l.env("RELAYS"); err != nil {
		return err
	} else if ok {
		cfg.Relays = nil
		for _, r := range strings.Split(val, ",") {
			if r = strings.TrimSpace(r); r != "" {
				cfg.Relays = append(cfg.Relays, r)
			}
		}
	}

	durations := map[string]*time.Duration{
		"CONNECT_TIMEOUT":    &cfg.ConnectTimeout,
		"RECONNECT_INTERVAL": &cfg.ReconnectInterval,
		"PUBLISH_TIMEOUT":    &cfg.PublishTimeout,
		"CALL_TIMEOUT":       &cfg.CallTimeout,
	}
	for key, dst := range durations {
		val, ok, err := l.env(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s_%s: %v", errors.ErrInvalidConfig, l.envPrefix, key, err),
				"Loader", "applyEnvOverrides", "parse duration")
		}
		*dst = d
	}

	bools := map[string]*bool{
		"IGNORE_OWN_ECHO":   &cfg.IgnoreOwnEcho,
		"NATS_ACCEPT_CALLS": &cfg.NATS.AcceptCalls,
	}
	for key, dst := range bools {
		val, ok, err := l.env(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s_%s: %v", errors.ErrInvalidConfig, l.envPrefix, key, err),
				"Loader", "applyEnvOverrides", "parse bool")
		}
		*dst = b
	}
	return nil
}
