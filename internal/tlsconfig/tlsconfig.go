// Package tlsconfig builds client TLS material for the upstream connection.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Config holds TLS settings for the delivery transport. The zero value
// means default system verification.
type Config struct {
	// CAFile is the path to a CA bundle for server verification, for
	// self-hosted endpoints signed by a private CA.
	CAFile string
	// CertFile and KeyFile hold a client certificate pair for mTLS.
	CertFile string
	KeyFile  string
	// InsecureSkipVerify skips server certificate verification.
	InsecureSkipVerify bool
	// ServerName overrides the expected server name during verification.
	ServerName string
}

// New creates a *tls.Config from cfg. A zero cfg returns nil, which lets
// net/http use its defaults.
func New(cfg Config) (*tls.Config, error) {
	if cfg == (Config{}) {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.ServerName != "" {
		tlsConfig.ServerName = cfg.ServerName
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}
