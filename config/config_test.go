package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hypernote/errors"
)

const secret = "1111111111111111111111111111111111111111111111111111111111111111"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func newLoader() *Loader {
	l := NewLoader()
	l.SetEnvFiles()
	return l
}

func TestLoad_DefaultsAndLayers(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", `
relays:
  - wss://relay.one
  - wss://relay.two
call_timeout: 30s
log:
  level: debug
`)
	override := writeFile(t, dir, "override.yml", `
relays: [ws://localhost:7777]
ignore_own_echo: false
`)

	l := newLoader()
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"ws://localhost:7777"}, cfg.Relays)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, DefaultReconnectInterval, cfg.ReconnectInterval)
	assert.False(t, cfg.IgnoreOwnEcho)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTP.Addr)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "c.yaml", "relays: [wss://relay.one]\n")

	t.Setenv("HYPERNOTE_RELAYS", " wss://a.example , wss://b.example ")
	t.Setenv("HYPERNOTE_SECRET_KEY", secret)
	t.Setenv("HYPERNOTE_CALL_TIMEOUT", "0s")
	t.Setenv("HYPERNOTE_NATS_ACCEPT_CALLS", "true")

	cfg, err := newLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.Relays)
	assert.Equal(t, secret, cfg.SecretKey)
	assert.Zero(t, cfg.CallTimeout, "zero disables the call timeout")
	assert.True(t, cfg.NATS.AcceptCalls)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("HYPERNOTE_RELAYS", "wss://a.example")
	t.Setenv("HYPERNOTE_CONNECT_TIMEOUT", "soon")

	_, err := newLoader().Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, "test.env", "HYPERNOTE_RELAYS=wss://from.env\nHYPERNOTE_LOG_FORMAT=text\n")
	t.Cleanup(func() {
		os.Unsetenv("HYPERNOTE_RELAYS")
		os.Unsetenv("HYPERNOTE_LOG_FORMAT")
	})

	l := NewLoader()
	l.SetEnvFiles(filepath.Join(dir, "missing.env"), envFile)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://from.env"}, cfg.Relays)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_FileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := newLoader().LoadFile(filepath.Join(dir, "config.toml"))
	assert.True(t, errors.IsInvalid(err))

	bad := writeFile(t, dir, "bad.yaml", "relays: {not: [a list\n")
	_, err = newLoader().LoadFile(bad)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Relays = []string{"wss://relay.example"}
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no relays", func(c *Config) { c.Relays = nil }},
		{"http relay", func(c *Config) { c.Relays = []string{"https://relay.example"} }},
		{"no host", func(c *Config) { c.Relays = []string{"wss://"} }},
		{"short key", func(c *Config) { c.SecretKey = "abcd" }},
		{"non hex key", func(c *Config) { c.SecretKey = strings.Repeat("z", 64) }},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }},
		{"negative call timeout", func(c *Config) { c.CallTimeout = -time.Second }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"subject prefix", func(c *Config) { c.NATS.URL = "nats://x"; c.NATS.SubjectPrefix = "a.*" }},
		{"gateway cert without key", func(c *Config) { c.HTTP.TLS.CertFile = "cert.pem" }},
		{"client key without cert", func(c *Config) { c.TLS.KeyFile = "key.pem" }},
		{"negative rate limit", func(c *Config) { c.HTTP.RateLimit = -1 }},
		{"nats token and user", func(c *Config) { c.NATS.Token = "t"; c.NATS.Username = "u" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.SecretKey = secret
	cfg.NATS.Token = "tok"

	out := cfg.String()
	assert.NotContains(t, out, secret)
	assert.NotContains(t, out, `"tok"`)
	assert.Equal(t, secret, cfg.SecretKey, "original untouched")
}

func TestSafeConfig(t *testing.T) {
	cfg := Default()
	cfg.Relays = []string{"wss://relay.example"}
	sc := NewSafeConfig(cfg)

	got := sc.Get()
	got.Relays[0] = "mutated"
	assert.Equal(t, "wss://relay.example", sc.Get().Relays[0])

	assert.Error(t, sc.Update(Default()), "invalid config rejected")
	assert.Error(t, sc.Update(nil))

	next := cfg.Clone()
	next.Relays = []string{"wss://other.example"}
	require.NoError(t, sc.Update(next))
	assert.Equal(t, "wss://other.example", sc.Get().Relays[0])
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Relays = []string{"wss://relay.example"}
	cfg.CallTimeout = 45 * time.Second

	path := filepath.Join(dir, "saved.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := newLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
