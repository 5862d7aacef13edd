// Package transport sends record batches to the remote ingestion endpoint.
//
// The client is deliberately dumb: one POST per batch, success or a status
// code back, no retry logic. Retry and classification decisions belong to
// the delivery worker.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/net/http2"

	"github.com/courierlabs/event-courier/internal/compression"
	"github.com/courierlabs/event-courier/internal/logging"
	"github.com/courierlabs/event-courier/internal/tlsconfig"
)

// Config holds transport settings for one stream.
type Config struct {
	// Endpoint is the ingestion API URL. A missing scheme defaults to
	// https, a missing path defaults to /batch.
	Endpoint string
	// APIKey identifies the project; it is embedded in every envelope.
	APIKey string
	// Timeout bounds one send including connection setup. Defaults to 10s.
	Timeout time.Duration
	// Compression encodes request bodies (none or gzip).
	Compression compression.Type
	// TLS customizes server verification for self-hosted endpoints.
	TLS tlsconfig.Config
	// ForceAttemptHTTP2 negotiates HTTP/2 on https endpoints.
	ForceAttemptHTTP2 bool
	// UserAgent overrides the default request User-Agent.
	UserAgent string
	// Stream labels metrics ("events", "replay").
	Stream string

	// Connection pool tuning; zero values get defaults.
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// envelope is the wire format of one batch send.
type envelope struct {
	APIKey string            `json:"api_key"`
	SentAt string            `json:"sent_at"`
	Batch  []json.RawMessage `json:"batch"`
}

// Client posts batches to a single endpoint.
type Client struct {
	endpoint    string
	apiKey      string
	client      *http.Client
	compression compression.Type
	userAgent   string
	stream      string
}

// New builds a client for cfg. The endpoint is validated and normalized
// here so a bad URL fails at startup, not on the first flush.
func New(cfg Config) (*Client, error) {
	endpoint, err := normalizeEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "event-courier"
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 16
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 4
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}

	if strings.HasPrefix(endpoint, "https://") {
		tlsConfig, err := tlsconfig.New(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		transport.TLSClientConfig = tlsConfig
	}

	if cfg.ForceAttemptHTTP2 && transport.TLSClientConfig != nil {
		if h2, err := http2.ConfigureTransports(transport); err == nil && h2 != nil {
			h2.ReadIdleTimeout = 30 * time.Second
		}
	}

	return &Client{
		endpoint:    endpoint,
		apiKey:      cfg.APIKey,
		compression: cfg.Compression,
		userAgent:   cfg.UserAgent,
		stream:      cfg.Stream,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}, nil
}

// Send posts one batch of record bodies. It reports whether the endpoint
// accepted the batch, plus the HTTP status code. Transport-level failures
// (timeout, refused connection, DNS) return (false, 0). Send never panics;
// that is part of its contract with the worker.
func (c *Client) Send(ctx context.Context, bodies [][]byte) (ok bool, status int) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("send panic recovered", logging.F(
				"stream", c.stream,
				"panic", fmt.Sprint(r),
			))
			ok, status = false, 0
		}
	}()

	env := envelope{
		APIKey: c.apiKey,
		SentAt: time.Now().UTC().Format(time.RFC3339Nano),
		Batch:  make([]json.RawMessage, 0, len(bodies)),
	}
	for _, body := range bodies {
		env.Batch = append(env.Batch, json.RawMessage(body))
	}

	payload, err := json.Marshal(env)
	if err != nil {
		logging.Error("failed to marshal batch envelope", logging.F(
			"stream", c.stream,
			"error", err.Error(),
		))
		return false, 0
	}

	payload, err = compression.Compress(payload, c.compression)
	if err != nil {
		logging.Error("failed to compress batch", logging.F(
			"stream", c.stream,
			"error", err.Error(),
		))
		return false, 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		logging.Error("failed to build batch request", logging.F(
			"stream", c.stream,
			"error", err.Error(),
		))
		return false, 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if encoding := c.compression.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	transportRequestsTotal.WithLabelValues(c.stream).Inc()
	transportRequestBytesTotal.WithLabelValues(c.stream, string(c.compression)).Add(float64(len(payload)))

	start := time.Now()
	resp, err := c.client.Do(req)
	transportRequestDuration.WithLabelValues(c.stream).Observe(time.Since(start).Seconds())
	if err != nil {
		logging.Debug("batch request failed before a response", logging.F(
			"stream", c.stream,
			"error", err.Error(),
		))
		return false, 0
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// Endpoint returns the normalized endpoint URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// normalizeEndpoint fills in the default scheme and /batch path.
func normalizeEndpoint(endpoint string) (string, error) {
	if strings.TrimSpace(endpoint) == "" {
		return "", fmt.Errorf("transport endpoint is required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid transport endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("transport endpoint %q has no host", endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/batch"
	}
	return u.String(), nil
}
