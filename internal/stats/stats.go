// Package stats serves the agent's operational endpoints: Prometheus
// metrics, health probes and a JSON snapshot of each stream's queue.
package stats

import (
	"context"
	"net/http"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courierlabs/event-courier/internal/health"
	"github.com/courierlabs/event-courier/internal/logging"
	"github.com/courierlabs/event-courier/pkg/courier"
)

// Source reports one stream's delivery state.
type Source interface {
	Stats() courier.Stats
}

// Config holds the stats server configuration.
type Config struct {
	// Addr is the listen address.
	Addr string
}

// Server exposes /metrics, /healthz, /readyz and /status.
type Server struct {
	server  *http.Server
	addr    string
	sources map[string]Source
}

// New creates the stats server. Streams appear in /status under their map
// key, sorted by name.
func New(cfg Config, checker *health.Checker, sources map[string]Source) *Server {
	s := &Server{
		addr:    cfg.Addr,
		sources: sources,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", checker.LiveHandler())
	mux.HandleFunc("/readyz", checker.ReadyHandler())
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 1 * time.Minute,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       1 * time.Minute,
	}

	return s
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	snapshot := make([]courier.Stats, 0, len(names))
	for _, name := range names {
		snapshot = append(snapshot, s.sources[name].Stats())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"streams":   snapshot,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	logging.Info("stats server started", logging.F("addr", s.addr))
	return s.server.ListenAndServe()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
