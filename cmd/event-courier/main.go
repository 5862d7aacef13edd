package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/courierlabs/event-courier/internal/auth"
	"github.com/courierlabs/event-courier/internal/compression"
	"github.com/courierlabs/event-courier/internal/config"
	"github.com/courierlabs/event-courier/internal/health"
	"github.com/courierlabs/event-courier/internal/logging"
	"github.com/courierlabs/event-courier/internal/receiver"
	"github.com/courierlabs/event-courier/internal/recordid"
	"github.com/courierlabs/event-courier/internal/stats"
	tlspkg "github.com/courierlabs/event-courier/internal/tls"
	"github.com/courierlabs/event-courier/internal/tlsconfig"
	"github.com/courierlabs/event-courier/pkg/courier"
)

func main() {
	cfg := config.ParseFlags()

	if cfg.ShowHelp {
		config.PrintUsage()
		os.Exit(0)
	}
	if cfg.ShowVersion {
		config.PrintVersion()
		os.Exit(0)
	}
	if cfg.ValidateConfigFile != "" {
		result := config.ValidateFile(cfg.ValidateConfigFile)
		fmt.Println(result.JSON())
		if !result.Valid {
			os.Exit(1)
		}
		os.Exit(0)
	}

	logging.SetMinLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetResource(map[string]string{
		"service.name":    "event-courier",
		"service.version": config.Version(),
	})

	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}

	applyMemoryLimit(cfg.MemoryLimitRatio)

	comp, err := compression.ParseType(cfg.Compression)
	if err != nil {
		logging.Fatal("invalid compression type", logging.F("error", err.Error()))
	}

	events, err := newCourier(cfg, comp, "events", cfg.EventsStream())
	if err != nil {
		logging.Fatal("failed to start events courier", logging.F("error", err.Error()))
	}
	replay, err := newCourier(cfg, comp, "replay", cfg.ReplayStream())
	if err != nil {
		events.Close()
		logging.Fatal("failed to start replay courier", logging.F("error", err.Error()))
	}

	instance := instanceID(events)

	checker := health.New()
	checker.RegisterReadiness("events_storage", health.StorageCheck(filepath.Join(cfg.DataDir, "events")))
	checker.RegisterReadiness("replay_storage", health.StorageCheck(filepath.Join(cfg.DataDir, "replay")))

	rcv := receiver.New(receiver.Config{
		Addr: cfg.ListenAddr,
		Server: receiver.ServerConfig{
			MaxRequestBodySize: cfg.ReceiverMaxRequestBodySize,
			ReadHeaderTimeout:  cfg.ReceiverReadHeaderTimeout,
			WriteTimeout:       cfg.ReceiverWriteTimeout,
			IdleTimeout:        cfg.ReceiverIdleTimeout,
		},
		TLS: tlspkg.ServerConfig{
			CertFile:     cfg.ReceiverTLSCertFile,
			KeyFile:      cfg.ReceiverTLSKeyFile,
			ClientCAFile: cfg.ReceiverTLSClientCAFile,
		},
		Auth: auth.ServerConfig{
			BearerToken:       cfg.ReceiverAuthBearerToken,
			BasicAuthUsername: cfg.ReceiverAuthBasicUsername,
			BasicAuthPassword: cfg.ReceiverAuthBasicPassword,
		},
	}, events, replay)

	statsServer := stats.New(stats.Config{Addr: cfg.StatsAddr}, checker, map[string]stats.Source{
		"events": events,
		"replay": replay,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rcv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ingest receiver: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := statsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("stats server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		checker.SetShuttingDown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rcv.Stop(shutdownCtx); err != nil {
			logging.Error("ingest receiver shutdown error", logging.F("error", err.Error()))
		}
		if err := statsServer.Stop(shutdownCtx); err != nil {
			logging.Error("stats server shutdown error", logging.F("error", err.Error()))
		}
		return nil
	})

	logging.Info("event-courier started", logging.F(
		"version", config.Version(),
		"instance", instance,
		"listen_addr", cfg.ListenAddr,
		"stats_addr", cfg.StatsAddr,
		"endpoint", cfg.Endpoint,
		"data_dir", cfg.DataDir,
	))

	err = g.Wait()

	logging.Info("shutting down")
	events.Close()
	replay.Close()

	if err != nil {
		logging.Fatal("terminated with error", logging.F("error", err.Error()))
	}
	logging.Info("shutdown complete")
}

// newCourier builds one stream's courier from the agent configuration.
func newCourier(cfg *config.Config, comp compression.Type, stream string, sc config.StreamConfig) (*courier.Courier, error) {
	return courier.New(courier.Config{
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		Stream:        stream,
		DataDir:       cfg.DataDir,
		MaxQueueSize:  sc.MaxQueueSize,
		MaxBatchSize:  sc.MaxBatchSize,
		FlushAt:       sc.FlushAt,
		FlushInterval: sc.FlushInterval,
		Timeout:       sc.Timeout,
		Compression:   comp,
		TLS: tlsconfig.Config{
			CAFile:             cfg.TLSCAFile,
			CertFile:           cfg.TLSCertFile,
			KeyFile:            cfg.TLSKeyFile,
			InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
			ServerName:         cfg.TLSServerName,
		},
		ForceHTTP2:          cfg.ForceHTTP2,
		UserAgent:           "event-courier/" + config.Version(),
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	})
}

// applyMemoryLimit sets GOMEMLIMIT from the container memory limit, falling
// back to system memory outside cgroups.
func applyMemoryLimit(ratio float64) {
	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(ratio),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroupHybrid,
				memlimit.FromSystem,
			),
		),
	)
	if err != nil {
		logging.Warn("failed to set memory limit", logging.F("error", err.Error()))
		return
	}
	logging.Info("memory limit set", logging.F("bytes", limit, "ratio", ratio))
}

// instanceID loads the persistent agent id, minting one on first run. The id
// survives restarts and queue clears so downstream can tell agents apart.
func instanceID(c *courier.Courier) string {
	if blob, err := c.LoadState("instance"); err == nil {
		var id string
		if jerr := json.Unmarshal(blob, &id); jerr == nil && id != "" {
			return id
		}
	}
	id := recordid.New()
	blob, err := json.Marshal(id)
	if err == nil {
		err = c.SaveState("instance", blob)
	}
	if err != nil {
		logging.Warn("failed to persist instance id", logging.F("error", err.Error()))
	}
	return id
}
