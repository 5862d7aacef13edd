package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Receiver  ReceiverYAMLConfig  `yaml:"receiver"`
	Stats     StatsYAMLConfig     `yaml:"stats"`
	Transport TransportYAMLConfig `yaml:"transport"`
	Events    StreamYAMLConfig    `yaml:"events"`
	Replay    StreamYAMLConfig    `yaml:"replay"`
	Memory    MemoryYAMLConfig    `yaml:"memory"`
}

// ReceiverYAMLConfig holds ingest HTTP server settings.
type ReceiverYAMLConfig struct {
	Address            string                 `yaml:"address"`
	MaxRequestBodySize ByteSize               `yaml:"max_request_body_size"`
	ReadHeaderTimeout  Duration               `yaml:"read_header_timeout"`
	WriteTimeout       Duration               `yaml:"write_timeout"`
	IdleTimeout        Duration               `yaml:"idle_timeout"`
	TLS                ServerTLSYAMLConfig    `yaml:"tls"`
	Auth               ReceiverAuthYAMLConfig `yaml:"auth"`
}

// ServerTLSYAMLConfig holds TLS settings for the ingest listener.
type ServerTLSYAMLConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
}

// ReceiverAuthYAMLConfig holds auth settings for the ingest listener.
type ReceiverAuthYAMLConfig struct {
	BearerToken   string `yaml:"bearer_token"`
	BasicUsername string `yaml:"basic_username"`
	BasicPassword string `yaml:"basic_password"`
}

// StatsYAMLConfig holds the stats endpoint settings.
type StatsYAMLConfig struct {
	Address string `yaml:"address"`
}

// TransportYAMLConfig holds delivery client settings.
type TransportYAMLConfig struct {
	Compression         string        `yaml:"compression"`
	ForceHTTP2          *bool         `yaml:"force_http2"`
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     Duration      `yaml:"idle_conn_timeout"`
	TLS                 TLSYAMLConfig `yaml:"tls"`
}

// TLSYAMLConfig holds client TLS settings.
type TLSYAMLConfig struct {
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SkipVerify bool   `yaml:"skip_verify"`
	ServerName string `yaml:"server_name"`
}

// StreamYAMLConfig holds per-stream delivery settings.
type StreamYAMLConfig struct {
	MaxQueueSize  int      `yaml:"max_queue_size"`
	MaxBatchSize  int      `yaml:"max_batch_size"`
	FlushAt       int      `yaml:"flush_at"`
	FlushInterval Duration `yaml:"flush_interval"`
	Timeout       Duration `yaml:"timeout"`
}

// MemoryYAMLConfig holds memory limit configuration.
type MemoryYAMLConfig struct {
	// LimitRatio is the ratio of container memory to use for GOMEMLIMIT (0.0-1.0)
	LimitRatio float64 `yaml:"limit_ratio"`
}

// LoadYAML reads and parses a YAML configuration file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg YAMLConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// ToConfig converts the YAML configuration to a Config, filling unset
// fields from the defaults.
func (y *YAMLConfig) ToConfig() *Config {
	cfg := DefaultConfig()

	if y.Endpoint != "" {
		cfg.Endpoint = y.Endpoint
	}
	if y.APIKey != "" {
		cfg.APIKey = y.APIKey
	}
	if y.DataDir != "" {
		cfg.DataDir = y.DataDir
	}
	if y.LogLevel != "" {
		cfg.LogLevel = y.LogLevel
	}

	if y.Receiver.Address != "" {
		cfg.ListenAddr = y.Receiver.Address
	}
	if y.Receiver.MaxRequestBodySize != 0 {
		cfg.ReceiverMaxRequestBodySize = int64(y.Receiver.MaxRequestBodySize)
	}
	if y.Receiver.ReadHeaderTimeout != 0 {
		cfg.ReceiverReadHeaderTimeout = time.Duration(y.Receiver.ReadHeaderTimeout)
	}
	if y.Receiver.WriteTimeout != 0 {
		cfg.ReceiverWriteTimeout = time.Duration(y.Receiver.WriteTimeout)
	}
	if y.Receiver.IdleTimeout != 0 {
		cfg.ReceiverIdleTimeout = time.Duration(y.Receiver.IdleTimeout)
	}
	cfg.ReceiverTLSCertFile = y.Receiver.TLS.CertFile
	cfg.ReceiverTLSKeyFile = y.Receiver.TLS.KeyFile
	cfg.ReceiverTLSClientCAFile = y.Receiver.TLS.ClientCAFile
	cfg.ReceiverAuthBearerToken = y.Receiver.Auth.BearerToken
	cfg.ReceiverAuthBasicUsername = y.Receiver.Auth.BasicUsername
	cfg.ReceiverAuthBasicPassword = y.Receiver.Auth.BasicPassword

	if y.Stats.Address != "" {
		cfg.StatsAddr = y.Stats.Address
	}

	if y.Transport.Compression != "" {
		cfg.Compression = y.Transport.Compression
	}
	if y.Transport.ForceHTTP2 != nil {
		cfg.ForceHTTP2 = *y.Transport.ForceHTTP2
	}
	if y.Transport.MaxIdleConns != 0 {
		cfg.MaxIdleConns = y.Transport.MaxIdleConns
	}
	if y.Transport.MaxIdleConnsPerHost != 0 {
		cfg.MaxIdleConnsPerHost = y.Transport.MaxIdleConnsPerHost
	}
	if y.Transport.IdleConnTimeout != 0 {
		cfg.IdleConnTimeout = time.Duration(y.Transport.IdleConnTimeout)
	}
	cfg.TLSCAFile = y.Transport.TLS.CAFile
	cfg.TLSCertFile = y.Transport.TLS.CertFile
	cfg.TLSKeyFile = y.Transport.TLS.KeyFile
	cfg.TLSInsecureSkipVerify = y.Transport.TLS.SkipVerify
	cfg.TLSServerName = y.Transport.TLS.ServerName

	applyStream(&y.Events,
		&cfg.EventsMaxQueueSize, &cfg.EventsMaxBatchSize, &cfg.EventsFlushAt,
		&cfg.EventsFlushInterval, &cfg.EventsTimeout)
	applyStream(&y.Replay,
		&cfg.ReplayMaxQueueSize, &cfg.ReplayMaxBatchSize, &cfg.ReplayFlushAt,
		&cfg.ReplayFlushInterval, &cfg.ReplayTimeout)

	if y.Memory.LimitRatio != 0 {
		cfg.MemoryLimitRatio = y.Memory.LimitRatio
	}

	return cfg
}

// applyStream copies the set fields of a stream block over the defaults.
func applyStream(s *StreamYAMLConfig, maxQueue, maxBatch, flushAt *int, interval, timeout *time.Duration) {
	if s.MaxQueueSize != 0 {
		*maxQueue = s.MaxQueueSize
	}
	if s.MaxBatchSize != 0 {
		*maxBatch = s.MaxBatchSize
	}
	if s.FlushAt != 0 {
		*flushAt = s.FlushAt
	}
	if s.FlushInterval != 0 {
		*interval = time.Duration(s.FlushInterval)
	}
	if s.Timeout != 0 {
		*timeout = time.Duration(s.Timeout)
	}
}

// Duration is a wrapper for time.Duration that supports YAML string values
// like "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is a wrapper for int64 that supports human-readable YAML values.
// Accepted formats: raw integer (bytes), or suffixed: Ki, Mi, Gi, Ti.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	// Try integer first
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	// Try string with unit suffix
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for ByteSize.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return int64(b), nil
}

// byteSuffixes maps unit suffixes to multipliers, largest first so that
// prefix matching is unambiguous.
var byteSuffixes = []struct {
	name string
	mult int64
}{
	{"Ti", 1 << 40},
	{"Gi", 1 << 30},
	{"Mi", 1 << 20},
	{"Ki", 1 << 10},
}

// ParseByteSize parses a human-readable byte size string. Plain integers
// are treated as bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	for _, suf := range byteSuffixes {
		if strings.HasSuffix(s, suf.name) {
			num := strings.TrimSpace(strings.TrimSuffix(s, suf.name))
			v, err := strconv.ParseInt(num, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
			}
			return v * suf.mult, nil
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return v, nil
}
