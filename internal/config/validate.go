package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/courierlabs/event-courier/internal/compression"
)

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError indicates a configuration error that prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates a potential issue that won't prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult holds the complete validation output.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file,omitempty"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as formatted JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

// Validate checks the configuration and returns the first startup-blocking
// problem found.
func (c *Config) Validate() error {
	for _, issue := range c.issues() {
		if issue.Severity == SeverityError {
			return fmt.Errorf("%s: %s", issue.Field, issue.Message)
		}
	}
	return nil
}

// issues collects every validation finding for the configuration.
func (c *Config) issues() []ValidationIssue {
	var issues []ValidationIssue

	errorf := func(field, format string, args ...interface{}) {
		issues = append(issues, ValidationIssue{
			Severity: SeverityError,
			Field:    field,
			Message:  fmt.Sprintf(format, args...),
		})
	}
	warnf := func(field, format string, args ...interface{}) {
		issues = append(issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    field,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if c.Endpoint == "" {
		errorf("endpoint", "ingest endpoint is required")
	}
	if c.APIKey == "" {
		warnf("api_key", "no API key configured; batches will carry an empty api_key")
	}
	if c.DataDir == "" {
		errorf("data_dir", "data directory is required")
	}

	if _, err := compression.ParseType(c.Compression); err != nil {
		errorf("transport.compression", "%v", err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		warnf("log_level", "unknown level %q, falling back to info", c.LogLevel)
	}
	if c.MemoryLimitRatio <= 0 || c.MemoryLimitRatio > 1 {
		errorf("memory.limit_ratio", "must be in (0.0, 1.0], got %v", c.MemoryLimitRatio)
	}
	if c.TLSInsecureSkipVerify {
		warnf("transport.tls.skip_verify", "certificate verification is disabled")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errorf("transport.tls", "cert_file and key_file must be set together")
	}
	if (c.ReceiverTLSCertFile == "") != (c.ReceiverTLSKeyFile == "") {
		errorf("receiver.tls", "cert_file and key_file must be set together")
	}
	if c.ReceiverTLSClientCAFile != "" && c.ReceiverTLSCertFile == "" {
		errorf("receiver.tls", "client_ca_file requires cert_file and key_file")
	}
	if (c.ReceiverAuthBasicUsername == "") != (c.ReceiverAuthBasicPassword == "") {
		warnf("receiver.auth", "basic auth needs both username and password; partial credentials are ignored")
	}
	if c.ReceiverAuthBearerToken != "" && c.ReceiverAuthBasicUsername != "" {
		warnf("receiver.auth", "both bearer token and basic auth configured; bearer token takes precedence")
	}

	issues = append(issues, streamIssues("events", c.EventsStream())...)
	issues = append(issues, streamIssues("replay", c.ReplayStream())...)

	return issues
}

// streamIssues validates one stream's delivery settings.
func streamIssues(name string, s StreamConfig) []ValidationIssue {
	var issues []ValidationIssue

	check := func(field string, v int) {
		if v < 1 {
			issues = append(issues, ValidationIssue{
				Severity: SeverityError,
				Field:    name + "." + field,
				Message:  fmt.Sprintf("must be >= 1, got %d", v),
			})
		}
	}
	check("max_queue_size", s.MaxQueueSize)
	check("max_batch_size", s.MaxBatchSize)
	check("flush_at", s.FlushAt)

	if s.FlushInterval < time.Second {
		issues = append(issues, ValidationIssue{
			Severity: SeverityError,
			Field:    name + ".flush_interval",
			Message:  fmt.Sprintf("must be at least 1s, got %v", s.FlushInterval),
		})
	}
	if s.Timeout <= 0 {
		issues = append(issues, ValidationIssue{
			Severity: SeverityError,
			Field:    name + ".timeout",
			Message:  fmt.Sprintf("must be positive, got %v", s.Timeout),
		})
	}

	if s.FlushAt > s.MaxQueueSize {
		issues = append(issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    name + ".flush_at",
			Message:  fmt.Sprintf("flush threshold %d exceeds queue capacity %d; only the ticker will flush", s.FlushAt, s.MaxQueueSize),
		})
	}
	if s.MaxBatchSize > s.MaxQueueSize {
		issues = append(issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    name + ".max_batch_size",
			Message:  fmt.Sprintf("batch size %d exceeds queue capacity %d", s.MaxBatchSize, s.MaxQueueSize),
		})
	}

	return issues
}

// ValidateFile loads a YAML config file and validates it, returning
// structured results for the -validate-config command.
func ValidateFile(path string) *ValidationResult {
	result := &ValidationResult{
		Valid: true,
		File:  path,
	}

	fail := func(field, format string, args ...interface{}) {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityError,
			Field:    field,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	info, err := os.Stat(path)
	if err != nil {
		fail("file", "cannot access file: %v", err)
		return result
	}
	if info.IsDir() {
		fail("file", "path is a directory, expected a file")
		return result
	}

	yamlCfg, err := LoadYAML(path)
	if err != nil {
		fail("yaml", "%v", err)
		return result
	}

	result.Issues = append(result.Issues, yamlCfg.ToConfig().issues()...)
	for _, issue := range result.Issues {
		if issue.Severity == SeverityError {
			result.Valid = false
			break
		}
	}
	return result
}
