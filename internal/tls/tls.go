// Package tls builds server TLS material for the agent's ingest listener.
// Client-side TLS for the delivery transport lives in tlsconfig.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ServerConfig holds TLS settings for the ingest listener. The zero value
// keeps the listener on plain HTTP.
type ServerConfig struct {
	// CertFile and KeyFile hold the server certificate pair.
	CertFile string
	KeyFile  string
	// ClientCAFile enables mTLS: clients must present a certificate signed
	// by this CA.
	ClientCAFile string
}

// NewServerConfig creates a *tls.Config from cfg. A zero cfg returns nil.
func NewServerConfig(cfg ServerConfig) (*tls.Config, error) {
	if cfg == (ServerConfig{}) {
		return nil, nil
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("server TLS requires both a certificate and a key file")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientCAFile != "" {
		caCert, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}
