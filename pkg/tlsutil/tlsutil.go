// Package tlsutil builds tls.Config values for relay and NATS clients and
// for the HTTP gateway from file-based settings.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"

	"github.com/c360/hypernote/errors"
)

// ClientConfig configures outbound TLS. The system CA bundle is always
// trusted; CAFiles are additional roots.
type ClientConfig struct {
	CAFiles            []string `yaml:"ca_files,omitempty" json:"ca_files,omitempty"`
	CertFile           string   `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile            string   `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
	MinVersion         string   `yaml:"min_version,omitempty" json:"min_version,omitempty"`
}

// IsZero reports whether no client setting is configured
func (c ClientConfig) IsZero() bool {
	return len(c.CAFiles) == 0 && c.CertFile == "" && c.KeyFile == "" &&
		!c.InsecureSkipVerify && c.MinVersion == ""
}

// ServerConfig configures the gateway listener. TLS is enabled when a
// certificate is set; ClientCAFiles turn on client certificate checks.
type ServerConfig struct {
	CertFile          string   `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile           string   `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	MinVersion        string   `yaml:"min_version,omitempty" json:"min_version,omitempty"`
	ClientCAFiles     []string `yaml:"client_ca_files,omitempty" json:"client_ca_files,omitempty"`
	RequireClientCert bool     `yaml:"require_client_cert,omitempty" json:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `yaml:"allowed_client_cns,omitempty" json:"allowed_client_cns,omitempty"`
}

// Enabled reports whether the server should listen with TLS
func (c ServerConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// LoadServerConfig builds the gateway listener config, nil when disabled.
// File errors are fatal: a listener configured for TLS never falls back
// to plain HTTP.
func LoadServerConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	fail := func(err error, action string) (*tls.Config, error) {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerConfig", action)
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return fail(err, "load certificate")
	}
	out := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: parseTLSVersion(cfg.MinVersion)}
	if len(cfg.ClientCAFiles) == 0 {
		return out, nil
	}

	if out.ClientCAs, err = loadPool(x509.NewCertPool(), cfg.ClientCAFiles); err != nil {
		return fail(err, "load client CAs")
	}
	out.ClientAuth = tls.VerifyClientCertIfGiven
	if cfg.RequireClientCert {
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if cns := slices.Clone(cfg.AllowedClientCNs); len(cns) > 0 {
		out.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(chains, cns)
		}
	}
	return out, nil
}

// LoadClientConfig builds the dial config for relays and NATS. It returns
// nil for an empty cfg so the libraries keep their defaults. CAFiles extend
// the system roots.
func LoadClientConfig(cfg ClientConfig) (*tls.Config, error) {
	if cfg.IsZero() {
		return nil, nil
	}

	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}
	if roots, err = loadPool(roots, cfg.CAFiles); err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load CAs")
	}

	out := &tls.Config{
		RootCAs:            roots,
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CertFile == "" && cfg.KeyFile == "" {
		return out, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load client certificate")
	}
	out.Certificates = []tls.Certificate{cert}
	return out, nil
}

func loadPool(pool *x509.CertPool, files []string) (*x509.CertPool, error) {
	for _, name := range files {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", name, err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no PEM certificates in %s", name)
		}
	}
	return pool, nil
}

// verifyAllowedClientCN accepts the connection when the leaf certificate's
// common name is in allowed
func verifyAllowedClientCN(chains [][]*x509.Certificate, allowed []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}
	cn := chains[0][0].Subject.CommonName
	if !slices.Contains(allowed, cn) {
		return fmt.Errorf("client certificate CN %q not allowed", cn)
	}
	return nil
}

// parseTLSVersion maps "1.3" to TLS 1.3; everything else is TLS 1.2
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
