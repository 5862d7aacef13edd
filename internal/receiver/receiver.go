// Package receiver is the agent's local ingest surface.
//
// SDKs post single events to it; the receiver parses, hands the event to the
// stream's courier and answers 202 before anything touches the network. The
// enqueue is the durability point, delivery happens in the background.
package receiver

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/courierlabs/event-courier/internal/auth"
	"github.com/courierlabs/event-courier/internal/compression"
	"github.com/courierlabs/event-courier/internal/logging"
	tlspkg "github.com/courierlabs/event-courier/internal/tls"
	"github.com/courierlabs/event-courier/pkg/courier"
)

// Enqueuer is the slice of the courier client the receiver drives.
type Enqueuer interface {
	Enqueue(e courier.Event)
	Flush()
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// MaxRequestBodySize limits one request body. Zero means no limit.
	MaxRequestBodySize int64
	// ReadHeaderTimeout bounds reading request headers. Defaults to 1m.
	ReadHeaderTimeout time.Duration
	// WriteTimeout bounds response writes. Defaults to 30s.
	WriteTimeout time.Duration
	// IdleTimeout bounds keep-alive waits. Defaults to 1m.
	IdleTimeout time.Duration
}

// Config holds the receiver configuration.
type Config struct {
	// Addr is the listen address.
	Addr string
	// Server holds HTTP server settings.
	Server ServerConfig
	// TLS serves the listener over HTTPS when set.
	TLS tlspkg.ServerConfig
	// Auth guards the endpoints when set.
	Auth auth.ServerConfig
}

// Receiver accepts events over HTTP and queues them for delivery.
type Receiver struct {
	server             *http.Server
	events             Enqueuer
	replay             Enqueuer
	addr               string
	tlsConfig          *tls.Config
	maxRequestBodySize int64
}

// New creates a receiver routing /v1/events to the events stream and
// /v1/snapshots to the replay stream.
func New(cfg Config, events, replay Enqueuer) *Receiver {
	r := &Receiver{
		events:             events,
		replay:             replay,
		addr:               cfg.Addr,
		maxRequestBodySize: cfg.Server.MaxRequestBodySize,
	}

	tlsConfig, err := tlspkg.NewServerConfig(cfg.TLS)
	if err != nil {
		logging.Error("failed to create TLS config for ingest receiver", logging.F("error", err.Error()))
	} else {
		r.tlsConfig = tlsConfig
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", r.handleEnqueue("events", events))
	mux.HandleFunc("/v1/snapshots", r.handleEnqueue("replay", replay))
	mux.HandleFunc("/v1/flush", r.handleFlush)
	handler := auth.Middleware(cfg.Auth, mux)

	readHeaderTimeout := cfg.Server.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 1 * time.Minute
	}
	writeTimeout := cfg.Server.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := cfg.Server.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 1 * time.Minute
	}

	r.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		TLSConfig:         r.tlsConfig,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	for _, stream := range []string{"events", "replay"} {
		receiverRequestsTotal.WithLabelValues(stream).Add(0)
		receiverRecordsAcceptedTotal.WithLabelValues(stream).Add(0)
		for _, reason := range []string{"content_type", "read", "too_large", "encoding", "decompress", "decode"} {
			receiverErrorsTotal.WithLabelValues(stream, reason).Add(0)
		}
	}

	return r
}

// handleEnqueue parses one JSON event from the body and queues it. The 202
// answer promises durability, not delivery.
func (r *Receiver) handleEnqueue(stream string, dest Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		receiverRequestsTotal.WithLabelValues(stream).Inc()

		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if ct := req.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
			receiverErrorsTotal.WithLabelValues(stream, "content_type").Inc()
			http.Error(w, "unsupported content type, expected application/json", http.StatusUnsupportedMediaType)
			return
		}

		var reader io.Reader = req.Body
		if r.maxRequestBodySize > 0 {
			reader = io.LimitReader(req.Body, r.maxRequestBodySize+1)
		}
		body, err := io.ReadAll(reader)
		if err != nil {
			receiverErrorsTotal.WithLabelValues(stream, "read").Inc()
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		req.Body.Close()
		if r.maxRequestBodySize > 0 && int64(len(body)) > r.maxRequestBodySize {
			receiverErrorsTotal.WithLabelValues(stream, "too_large").Inc()
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		if enc := req.Header.Get("Content-Encoding"); enc != "" {
			ctype, err := compression.ParseType(enc)
			if err != nil {
				receiverErrorsTotal.WithLabelValues(stream, "encoding").Inc()
				http.Error(w, "unsupported content encoding", http.StatusUnsupportedMediaType)
				return
			}
			body, err = compression.Decompress(body, ctype)
			if err != nil {
				receiverErrorsTotal.WithLabelValues(stream, "decompress").Inc()
				http.Error(w, "failed to decompress body", http.StatusBadRequest)
				return
			}
		}

		var e courier.Event
		if err := json.Unmarshal(body, &e); err != nil {
			receiverErrorsTotal.WithLabelValues(stream, "decode").Inc()
			logging.Debug("rejected malformed event", logging.F(
				"stream", stream,
				"error", err.Error(),
			))
			http.Error(w, "malformed event JSON", http.StatusBadRequest)
			return
		}

		dest.Enqueue(e)
		receiverRecordsAcceptedTotal.WithLabelValues(stream).Inc()
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleFlush nudges both streams. The response does not wait for delivery.
func (r *Receiver) handleFlush(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.events.Flush()
	r.replay.Flush()
	receiverFlushRequestsTotal.Inc()
	w.WriteHeader(http.StatusAccepted)
}

// Start blocks serving HTTP until the listener fails or Stop is called.
func (r *Receiver) Start() error {
	logging.Info("ingest receiver started", logging.F(
		"addr", r.addr,
		"tls", r.tlsConfig != nil,
	))
	if r.tlsConfig != nil {
		// The certificate is already in the server's TLSConfig.
		return r.server.ListenAndServeTLS("", "")
	}
	return r.server.ListenAndServe()
}

// Stop drains in-flight requests and closes the listener.
func (r *Receiver) Stop(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// HealthCheck returns nil if the listen port accepts connections.
func (r *Receiver) HealthCheck() error {
	conn, err := net.DialTimeout("tcp", r.addr, 1*time.Second)
	if err != nil {
		return fmt.Errorf("ingest receiver not reachable on %s: %w", r.addr, err)
	}
	conn.Close()
	return nil
}
