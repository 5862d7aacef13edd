package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// version is set at build time via ldflags
var version = "dev"

// Config holds the application configuration.
type Config struct {
	// Endpoint settings
	Endpoint string
	APIKey   string

	// Storage settings
	DataDir string

	// Receiver settings
	ListenAddr                 string
	ReceiverMaxRequestBodySize int64
	ReceiverReadHeaderTimeout  time.Duration
	ReceiverWriteTimeout       time.Duration
	ReceiverIdleTimeout        time.Duration

	// Receiver TLS settings
	ReceiverTLSCertFile     string
	ReceiverTLSKeyFile      string
	ReceiverTLSClientCAFile string

	// Receiver auth settings
	ReceiverAuthBearerToken   string
	ReceiverAuthBasicUsername string
	ReceiverAuthBasicPassword string

	// Stats settings
	StatsAddr string

	// Transport settings
	Compression         string
	ForceHTTP2          bool
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Transport TLS settings
	TLSCAFile             string
	TLSCertFile           string
	TLSKeyFile            string
	TLSInsecureSkipVerify bool
	TLSServerName         string

	// Events stream settings
	EventsMaxQueueSize  int
	EventsMaxBatchSize  int
	EventsFlushAt       int
	EventsFlushInterval time.Duration
	EventsTimeout       time.Duration

	// Replay stream settings
	ReplayMaxQueueSize  int
	ReplayMaxBatchSize  int
	ReplayFlushAt       int
	ReplayFlushInterval time.Duration
	ReplayTimeout       time.Duration

	// Memory limit settings
	MemoryLimitRatio float64 // Ratio of container memory to use for GOMEMLIMIT (default: 0.9)

	// Logging settings
	LogLevel string

	// Flags
	ValidateConfigFile string
	ShowHelp           bool
	ShowVersion        bool
}

// StreamConfig holds the delivery settings for one stream.
type StreamConfig struct {
	// MaxQueueSize bounds the records kept on disk; the oldest is evicted
	// when full.
	MaxQueueSize int
	// MaxBatchSize caps records per delivery request.
	MaxBatchSize int
	// FlushAt triggers a flush once the backlog reaches this many records.
	FlushAt int
	// FlushInterval is the period of the background flush ticker.
	FlushInterval time.Duration
	// Timeout is the per-request delivery timeout.
	Timeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",

		ListenAddr:                ":8787",
		ReceiverReadHeaderTimeout: 1 * time.Minute,
		ReceiverWriteTimeout:      30 * time.Second,
		ReceiverIdleTimeout:       1 * time.Minute,

		StatsAddr: ":9090",

		Compression:         "none",
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,

		EventsMaxQueueSize:  1000,
		EventsMaxBatchSize:  50,
		EventsFlushAt:       20,
		EventsFlushInterval: 30 * time.Second,
		EventsTimeout:       10 * time.Second,

		ReplayMaxQueueSize:  1000,
		ReplayMaxBatchSize:  50,
		ReplayFlushAt:       20,
		ReplayFlushInterval: 30 * time.Second,
		ReplayTimeout:       30 * time.Second,

		MemoryLimitRatio: 0.9,

		LogLevel: "info",
	}
}

// ParseFlags parses command line flags and returns the configuration.
func ParseFlags() *Config {
	cfg := DefaultConfig()

	// Config file flag
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to YAML configuration file")
	flag.StringVar(&cfg.ValidateConfigFile, "validate-config", "", "Validate a YAML configuration file and exit")

	// Endpoint flags
	flag.StringVar(&cfg.Endpoint, "endpoint", "", "Ingest endpoint (host or URL; path defaults to /batch)")
	flag.StringVar(&cfg.APIKey, "api-key", "", "Project API key sent with every batch")

	// Storage flags
	flag.StringVar(&cfg.DataDir, "data-dir", "./data", "Directory for queued records and state")

	// Receiver flags
	flag.StringVar(&cfg.ListenAddr, "listen", ":8787", "Ingest HTTP listen address")
	flag.Int64Var(&cfg.ReceiverMaxRequestBodySize, "receiver-max-body-size", 0, "Maximum request body size in bytes (0 = no limit)")
	flag.DurationVar(&cfg.ReceiverReadHeaderTimeout, "receiver-read-header-timeout", 1*time.Minute, "HTTP server read header timeout")
	flag.DurationVar(&cfg.ReceiverWriteTimeout, "receiver-write-timeout", 30*time.Second, "HTTP server write timeout")
	flag.DurationVar(&cfg.ReceiverIdleTimeout, "receiver-idle-timeout", 1*time.Minute, "HTTP server idle timeout")

	// Receiver TLS flags
	flag.StringVar(&cfg.ReceiverTLSCertFile, "receiver-tls-cert", "", "Path to server certificate for the ingest listener")
	flag.StringVar(&cfg.ReceiverTLSKeyFile, "receiver-tls-key", "", "Path to server private key for the ingest listener")
	flag.StringVar(&cfg.ReceiverTLSClientCAFile, "receiver-tls-client-ca", "", "Path to CA bundle for ingest client certificates (mTLS)")

	// Receiver auth flags
	flag.StringVar(&cfg.ReceiverAuthBearerToken, "receiver-auth-token", "", "Bearer token required on ingest requests")
	flag.StringVar(&cfg.ReceiverAuthBasicUsername, "receiver-basic-auth-user", "", "Basic auth username for ingest requests")
	flag.StringVar(&cfg.ReceiverAuthBasicPassword, "receiver-basic-auth-pass", "", "Basic auth password for ingest requests")

	// Stats flags
	flag.StringVar(&cfg.StatsAddr, "stats-addr", ":9090", "Stats/metrics HTTP endpoint address")

	// Transport flags
	flag.StringVar(&cfg.Compression, "compression", "none", "Request body compression: none or gzip")
	flag.BoolVar(&cfg.ForceHTTP2, "force-http2", false, "Enable HTTP/2 for the delivery client")
	flag.IntVar(&cfg.MaxIdleConns, "max-idle-conns", 16, "Maximum idle connections across all hosts")
	flag.IntVar(&cfg.MaxIdleConnsPerHost, "max-idle-conns-per-host", 4, "Maximum idle connections per host")
	flag.DurationVar(&cfg.IdleConnTimeout, "idle-conn-timeout", 90*time.Second, "Idle connection timeout")

	// Transport TLS flags
	flag.StringVar(&cfg.TLSCAFile, "tls-ca", "", "Path to CA certificate for server verification")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "Path to client certificate file (mTLS)")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "Path to client private key file (mTLS)")
	flag.BoolVar(&cfg.TLSInsecureSkipVerify, "tls-skip-verify", false, "Skip TLS certificate verification")
	flag.StringVar(&cfg.TLSServerName, "tls-server-name", "", "Override server name for TLS verification")

	// Events stream flags
	flag.IntVar(&cfg.EventsMaxQueueSize, "events-max-queue-size", 1000, "Maximum queued event records")
	flag.IntVar(&cfg.EventsMaxBatchSize, "events-max-batch-size", 50, "Maximum event records per delivery request")
	flag.IntVar(&cfg.EventsFlushAt, "events-flush-at", 20, "Queued event count that triggers a flush")
	flag.DurationVar(&cfg.EventsFlushInterval, "events-flush-interval", 30*time.Second, "Event flush ticker interval")
	flag.DurationVar(&cfg.EventsTimeout, "events-timeout", 10*time.Second, "Event delivery request timeout")

	// Replay stream flags
	flag.IntVar(&cfg.ReplayMaxQueueSize, "replay-max-queue-size", 1000, "Maximum queued replay records")
	flag.IntVar(&cfg.ReplayMaxBatchSize, "replay-max-batch-size", 50, "Maximum replay records per delivery request")
	flag.IntVar(&cfg.ReplayFlushAt, "replay-flush-at", 20, "Queued replay count that triggers a flush")
	flag.DurationVar(&cfg.ReplayFlushInterval, "replay-flush-interval", 30*time.Second, "Replay flush ticker interval")
	flag.DurationVar(&cfg.ReplayTimeout, "replay-timeout", 30*time.Second, "Replay delivery request timeout")

	// Memory limit flags
	flag.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", 0.9, "Ratio of container memory to use for GOMEMLIMIT (0.0-1.0)")

	// Logging flags
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Minimum log level: debug, info, warn, error")

	// Help and version
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help message")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version (shorthand)")

	flag.Usage = PrintUsage

	flag.Parse()

	// Load YAML config if specified
	if configFile != "" {
		yamlCfg, err := LoadYAML(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config file %s: %v\n", configFile, err)
			os.Exit(1)
		}
		cfg = yamlCfg.ToConfig()
	}

	// Apply CLI overrides for explicitly set flags
	applyFlagOverrides(cfg)

	return cfg
}

// applyFlagOverrides applies CLI flag values that were explicitly set.
func applyFlagOverrides(cfg *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "endpoint":
			cfg.Endpoint = f.Value.String()
		case "api-key":
			cfg.APIKey = f.Value.String()
		case "data-dir":
			cfg.DataDir = f.Value.String()
		case "listen":
			cfg.ListenAddr = f.Value.String()
		case "receiver-max-body-size":
			if v, ok := f.Value.(flag.Getter); ok {
				if i, ok := v.Get().(int64); ok {
					cfg.ReceiverMaxRequestBodySize = i
				}
			}
		case "receiver-read-header-timeout":
			if d, err := time.ParseDuration(f.Value.String()); err == nil {
				cfg.ReceiverReadHeaderTimeout = d
			}
		case "receiver-write-timeout":
			if d, err := time.ParseDuration(f.Value.String()); err == nil {
				cfg.ReceiverWriteTimeout = d
			}
		case "receiver-idle-timeout":
			if d, err := time.ParseDuration(f.Value.String()); err == nil {
				cfg.ReceiverIdleTimeout = d
			}
		case "receiver-tls-cert":
			cfg.ReceiverTLSCertFile = f.Value.String()
		case "receiver-tls-key":
			cfg.ReceiverTLSKeyFile = f.Value.String()
		case "receiver-tls-client-ca":
			cfg.ReceiverTLSClientCAFile = f.Value.String()
		case "receiver-auth-token":
			cfg.ReceiverAuthBearerToken = f.Value.String()
		case "receiver-basic-auth-user":
			cfg.ReceiverAuthBasicUsername = f.Value.String()
		case "receiver-basic-auth-pass":
			cfg.ReceiverAuthBasicPassword = f.Value.String()
		case "stats-addr":
			cfg.StatsAddr = f.Value.String()
		case "compression":
			cfg.Compression = f.Value.String()
		case "force-http2":
			cfg.ForceHTTP2 = f.Value.String() == "true"
		case "max-idle-conns":
			if v, ok := f.Value.(flag.Getter); ok {
				if i, ok := v.Get().(int); ok {
					cfg.MaxIdleConns = i
				}
			}
		case "max-idle-conns-per-host":
			if v, ok := f.Value.(flag.Getter); ok {
				if i, ok := v.Get().(int); ok {
					cfg.MaxIdleConnsPerHost = i
				}
			}
		case "idle-conn-timeout":
			if d, err := time.ParseDuration(f.Value.String()); err == nil {
				cfg.IdleConnTimeout = d
			}
		case "tls-ca":
			cfg.TLSCAFile = f.Value.String()
		case "tls-cert":
			cfg.TLSCertFile = f.Value.String()
		case "tls-key":
			cfg.TLSKeyFile = f.Value.String()
		case "tls-skip-verify":
			cfg.TLSInsecureSkipVerify = f.Value.String() == "true"
		case "tls-server-name":
			cfg.TLSServerName = f.Value.String()
		case "events-max-queue-size":
			if v, ok := f.Value.(flag.Getter); ok {
				if i, ok := v.Get().(int); ok {
					cfg.EventsMaxQueueSize = i
				}
			}
		case "events-max-batch-size":
			if v, ok := f.Value.(flag.Getter); ok {
				if i, ok := v.Get().(int); ok {
					cfg.EventsMaxBatchSize = i
				}
			}
		case "events-flush-at":
			if v, ok := f.Value.(flag.Getter); ok {
				if i, ok := v.Get().(int); ok {
					cfg.EventsFlushAt = i
				}
			}
		case "events-flush-interval":
			if d, err := time.ParseDuration(f.Value.String()); err == nil {
				cfg.EventsFlushInterval = d
			}
		case "events-timeout":
			if d, err := time.ParseDuration(f.Value.String()); err == nil {
				cfg.EventsTimeout = d
			}
		case "replay-max-queue-size":
			if v, ok := f.Value.(flag.Getter); ok {
				if i, ok := v.Get().(int); ok {
					cfg.ReplayMaxQueueSize = i
				}
			}
		case "replay-max-batch-size":
			if v, ok := f.Value.(flag.Getter); ok {
				if i, ok := v.Get().(int); ok {
					cfg.ReplayMaxBatchSize = i
				}
			}
		case "replay-flush-at":
			if v, ok := f.Value.(flag.Getter); ok {
				if i, ok := v.Get().(int); ok {
					cfg.ReplayFlushAt = i
				}
			}
		case "replay-flush-interval":
			if d, err := time.ParseDuration(f.Value.String()); err == nil {
				cfg.ReplayFlushInterval = d
			}
		case "replay-timeout":
			if d, err := time.ParseDuration(f.Value.String()); err == nil {
				cfg.ReplayTimeout = d
			}
		case "memory-limit-ratio":
			if v, ok := f.Value.(flag.Getter); ok {
				if fv, ok := v.Get().(float64); ok {
					cfg.MemoryLimitRatio = fv
				}
			}
		case "log-level":
			cfg.LogLevel = f.Value.String()
		case "help", "h":
			cfg.ShowHelp = f.Value.String() == "true"
		case "version", "v":
			cfg.ShowVersion = f.Value.String() == "true"
		}
	})
}

// EventsStream returns the delivery settings for the events stream.
func (c *Config) EventsStream() StreamConfig {
	return StreamConfig{
		MaxQueueSize:  c.EventsMaxQueueSize,
		MaxBatchSize:  c.EventsMaxBatchSize,
		FlushAt:       c.EventsFlushAt,
		FlushInterval: c.EventsFlushInterval,
		Timeout:       c.EventsTimeout,
	}
}

// ReplayStream returns the delivery settings for the replay stream.
func (c *Config) ReplayStream() StreamConfig {
	return StreamConfig{
		MaxQueueSize:  c.ReplayMaxQueueSize,
		MaxBatchSize:  c.ReplayMaxBatchSize,
		FlushAt:       c.ReplayFlushAt,
		FlushInterval: c.ReplayFlushInterval,
		Timeout:       c.ReplayTimeout,
	}
}

// PrintUsage prints the command help text.
func PrintUsage() {
	fmt.Fprintf(os.Stderr, `event-courier - durable batching courier for analytics events

USAGE:
    event-courier [OPTIONS]

DESCRIPTION:
    Accepts events over HTTP, persists them to a disk-backed queue, and
    delivers them to an ingest endpoint in batches with retry backoff.
    Events and session replay snapshots ship on independent streams.

OPTIONS:
    Configuration:
        -config <path>                   Path to YAML configuration file
                                         CLI flags override config file values
        -validate-config <path>          Validate a YAML configuration file and exit

    Endpoint:
        -endpoint <addr>                 Ingest endpoint (host or URL; path defaults to /batch)
        -api-key <key>                   Project API key sent with every batch

    Storage:
        -data-dir <path>                 Directory for queued records and state (default: "./data")

    Receiver:
        -listen <addr>                   Ingest HTTP listen address (default: ":8787")
        -receiver-max-body-size <n>      Maximum request body size in bytes (0 = no limit)
        -receiver-read-header-timeout    HTTP server read header timeout (default: 1m)
        -receiver-write-timeout <dur>    HTTP server write timeout (default: 30s)
        -receiver-idle-timeout <dur>     HTTP server idle timeout (default: 1m)

    Receiver TLS:
        -receiver-tls-cert <path>        Path to server certificate for the ingest listener
        -receiver-tls-key <path>         Path to server private key for the ingest listener
        -receiver-tls-client-ca <path>   Path to CA bundle for ingest client certificates (mTLS)

    Receiver auth:
        -receiver-auth-token <token>     Bearer token required on ingest requests
        -receiver-basic-auth-user <user> Basic auth username for ingest requests
        -receiver-basic-auth-pass <pass> Basic auth password for ingest requests

    Stats:
        -stats-addr <addr>               Stats/metrics HTTP endpoint address (default: ":9090")

    Transport:
        -compression <type>              Request body compression: none or gzip (default: none)
        -force-http2                     Enable HTTP/2 for the delivery client (default: false)
        -max-idle-conns <n>              Maximum idle connections across all hosts (default: 16)
        -max-idle-conns-per-host <n>     Maximum idle connections per host (default: 4)
        -idle-conn-timeout <dur>         Idle connection timeout (default: 90s)

    Transport TLS:
        -tls-ca <path>                   Path to CA certificate for server verification
        -tls-cert <path>                 Path to client certificate file (mTLS)
        -tls-key <path>                  Path to client private key file (mTLS)
        -tls-skip-verify                 Skip TLS certificate verification (default: false)
        -tls-server-name <name>          Override server name for TLS verification

    Events stream:
        -events-max-queue-size <n>       Maximum queued event records (default: 1000)
        -events-max-batch-size <n>       Maximum event records per request (default: 50)
        -events-flush-at <n>             Queued event count that triggers a flush (default: 20)
        -events-flush-interval <dur>     Event flush ticker interval (default: 30s)
        -events-timeout <dur>            Event delivery request timeout (default: 10s)

    Replay stream:
        -replay-max-queue-size <n>       Maximum queued replay records (default: 1000)
        -replay-max-batch-size <n>       Maximum replay records per request (default: 50)
        -replay-flush-at <n>             Queued replay count that triggers a flush (default: 20)
        -replay-flush-interval <dur>     Replay flush ticker interval (default: 30s)
        -replay-timeout <dur>            Replay delivery request timeout (default: 30s)

    Memory:
        -memory-limit-ratio <ratio>      Ratio of container memory for GOMEMLIMIT (default: 0.9)

    Logging:
        -log-level <level>               Minimum log level: debug, info, warn, error (default: info)

    Other:
        -h, -help                        Show this help message
        -v, -version                     Show version

EXAMPLES:
    # Ship to an ingest endpoint with defaults
    event-courier -endpoint https://ingest.example.com -api-key phx_abc123

    # Run from a config file with a CLI override
    event-courier -config courier.yaml -events-flush-interval 10s

    # Check a config file without starting
    event-courier -validate-config courier.yaml
`)
}

// PrintVersion prints the version and exits.
func PrintVersion() {
	fmt.Printf("event-courier version %s\n", version)
}

// Version returns the build version string.
func Version() string {
	return version
}
