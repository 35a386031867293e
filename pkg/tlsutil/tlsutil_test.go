package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hypernote/errors"
)

// generateTestCert creates a self-signed certificate with the given CN
func generateTestCert(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   cn,
		},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

// setupTestFiles writes a cert, its key and the cert again as a CA bundle
func setupTestFiles(t *testing.T, cn string) (certFile, keyFile, caFile string) {
	t.Helper()

	tmpDir := t.TempDir()
	certPEM, keyPEM := generateTestCert(t, cn)

	certFile = filepath.Join(tmpDir, "cert.pem")
	keyFile = filepath.Join(tmpDir, "key.pem")
	caFile = filepath.Join(tmpDir, "ca.pem")

	require.NoError(t, os.WriteFile(certFile, certPEM, 0o644))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(caFile, certPEM, 0o644))
	return certFile, keyFile, caFile
}

func TestLoadServerConfig(t *testing.T) {
	certFile, keyFile, caFile := setupTestFiles(t, "localhost")

	tests := []struct {
		name       string
		cfg        ServerConfig
		wantNil    bool
		wantErr    bool
		wantAuth   tls.ClientAuthType
		minVersion uint16
	}{
		{
			name:    "disabled",
			wantNil: true,
		},
		{
			name:       "TLS 1.3",
			cfg:        ServerConfig{CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"},
			minVersion: tls.VersionTLS13,
		},
		{
			name:       "default version",
			cfg:        ServerConfig{CertFile: certFile, KeyFile: keyFile},
			minVersion: tls.VersionTLS12,
		},
		{
			name: "optional client certificates",
			cfg: ServerConfig{
				CertFile: certFile, KeyFile: keyFile,
				ClientCAFiles: []string{caFile},
			},
			wantAuth:   tls.VerifyClientCertIfGiven,
			minVersion: tls.VersionTLS12,
		},
		{
			name: "required client certificates",
			cfg: ServerConfig{
				CertFile: certFile, KeyFile: keyFile,
				ClientCAFiles: []string{caFile}, RequireClientCert: true,
			},
			wantAuth:   tls.RequireAndVerifyClientCert,
			minVersion: tls.VersionTLS12,
		},
		{
			name:    "missing cert file",
			cfg:     ServerConfig{CertFile: "/nonexistent/cert.pem", KeyFile: keyFile},
			wantErr: true,
		},
		{
			name: "missing client CA",
			cfg: ServerConfig{
				CertFile: certFile, KeyFile: keyFile,
				ClientCAFiles: []string{"/nonexistent/ca.pem"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadServerConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsFatal(err))
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cfg)
				return
			}
			require.NotNil(t, cfg)
			assert.Len(t, cfg.Certificates, 1)
			assert.Equal(t, tt.minVersion, cfg.MinVersion)
			assert.Equal(t, tt.wantAuth, cfg.ClientAuth)
		})
	}
}

func TestLoadServerConfig_CNWhitelist(t *testing.T) {
	certFile, keyFile, caFile := setupTestFiles(t, "localhost")

	cfg, err := LoadServerConfig(ServerConfig{
		CertFile: certFile, KeyFile: keyFile,
		ClientCAFiles: []string{caFile}, AllowedClientCNs: []string{"relay-bridge"},
	})
	require.NoError(t, err)
	require.NotNil(t, cfg.VerifyPeerCertificate)
}

func TestLoadClientConfig(t *testing.T) {
	certFile, keyFile, caFile := setupTestFiles(t, "client")

	cfg, err := LoadClientConfig(ClientConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg, "empty settings keep library defaults")

	cfg, err = LoadClientConfig(ClientConfig{CAFiles: []string{caFile}, MinVersion: "1.3"})
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Empty(t, cfg.Certificates)
	assert.False(t, cfg.InsecureSkipVerify)

	cfg, err = LoadClientConfig(ClientConfig{CertFile: certFile, KeyFile: keyFile, InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = LoadClientConfig(ClientConfig{CertFile: certFile})
	assert.Error(t, err, "certificate without key")

	badCA := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(badCA, []byte("not pem"), 0o644))
	_, err = LoadClientConfig(ClientConfig{CAFiles: []string{badCA}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no PEM certificates")
}

func TestVerifyAllowedClientCN(t *testing.T) {
	certPEM, _ := generateTestCert(t, "allowed-client")
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	chains := [][]*x509.Certificate{{cert}}

	assert.NoError(t, verifyAllowedClientCN(chains, []string{"allowed-client", "another-client"}))

	err = verifyAllowedClientCN(chains, []string{"someone-else"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")

	err = verifyAllowedClientCN(nil, []string{"allowed-client"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no verified certificate chains")
}

func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS13), parseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.0"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion(""))
}
