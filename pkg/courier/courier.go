// Package courier is the embeddable client for shipping analytics events.
//
// A Courier owns one durable stream: Enqueue persists the event to disk and
// returns immediately, a background worker batches and delivers whatever is
// queued. Events survive process restarts; a new Courier on the same data
// directory picks up where the previous one stopped.
package courier

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/courierlabs/event-courier/internal/compression"
	"github.com/courierlabs/event-courier/internal/delivery"
	"github.com/courierlabs/event-courier/internal/logging"
	"github.com/courierlabs/event-courier/internal/queue"
	"github.com/courierlabs/event-courier/internal/recordid"
	"github.com/courierlabs/event-courier/internal/storage"
	"github.com/courierlabs/event-courier/internal/tlsconfig"
	"github.com/courierlabs/event-courier/internal/transport"
)

// Event is one analytics event in the ingestion wire format.
type Event struct {
	// UUID identifies the event for server-side deduplication. Left empty,
	// Enqueue fills it with the record id.
	UUID string `json:"uuid"`
	// Event names what happened ("user signed up", "$snapshot").
	Event string `json:"event"`
	// DistinctID ties the event to a person or device.
	DistinctID string `json:"distinct_id"`
	// Timestamp records when the event happened. Left zero, Enqueue stamps
	// the enqueue time.
	Timestamp time.Time `json:"timestamp"`
	// Properties carries arbitrary event payload.
	Properties map[string]interface{} `json:"properties"`
}

// Serializer turns an Event into the stored record body. The body must be a
// valid JSON object; it is embedded verbatim in batch envelopes.
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
}

type jsonSerializer struct{}

func (jsonSerializer) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Config holds the settings for one Courier. Zero values get defaults; only
// Endpoint is required.
type Config struct {
	// Endpoint is the ingestion API URL.
	Endpoint string
	// APIKey identifies the project.
	APIKey string
	// Stream names this queue ("events", "replay"). Streams on the same
	// DataDir are isolated from each other. Defaults to "events".
	Stream string
	// DataDir is the root directory for queued records and state. Defaults
	// to "./data".
	DataDir string

	// MaxQueueSize bounds how many records wait on disk; the oldest are
	// evicted beyond it. Defaults to 1000.
	MaxQueueSize int
	// MaxBatchSize caps records per send. Defaults to 50.
	MaxBatchSize int
	// FlushAt triggers a delivery once this many records are queued.
	// Defaults to 20.
	FlushAt int
	// FlushInterval triggers a delivery on a timer regardless of queue
	// depth. Defaults to 30s.
	FlushInterval time.Duration

	// Timeout bounds one send. Defaults to 10s.
	Timeout time.Duration
	// Compression encodes request bodies (none or gzip).
	Compression compression.Type
	// TLS customizes server verification for self-hosted endpoints.
	TLS tlsconfig.Config
	// ForceHTTP2 negotiates HTTP/2 on https endpoints.
	ForceHTTP2 bool
	// UserAgent overrides the default request User-Agent.
	UserAgent string

	// Connection pool tuning; zero values get defaults.
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// Option customizes a Courier beyond Config.
type Option func(*Courier)

// WithTransport replaces the HTTP client with a custom sender. The Endpoint,
// Timeout and TLS settings in Config are ignored when set.
func WithTransport(sender delivery.Sender) Option {
	return func(c *Courier) { c.sender = sender }
}

// WithSerializer replaces the default JSON serializer.
func WithSerializer(s Serializer) Option {
	return func(c *Courier) { c.serializer = s }
}

// WithClock replaces the wall clock. Timestamps and backoff deadlines come
// from it.
func WithClock(now func() time.Time) Option {
	return func(c *Courier) { c.now = now }
}

// WithReachability gates deliveries on a connectivity check.
func WithReachability(check func() bool) Option {
	return func(c *Courier) { c.reachable = check }
}

// Courier is a durable, batching event shipper for one stream.
type Courier struct {
	stream     string
	serializer Serializer
	now        func() time.Time
	reachable  func() bool

	store  *storage.Store
	queue  *queue.Queue
	sender delivery.Sender
	client *transport.Client
	worker *delivery.Worker

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New opens the stream's storage, starts the delivery worker and, when
// records were left over from a previous run, nudges an immediate flush.
func New(cfg Config, opts ...Option) (*Courier, error) {
	if cfg.Stream == "" {
		cfg.Stream = "events"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.FlushAt <= 0 {
		cfg.FlushAt = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}

	c := &Courier{
		stream:     cfg.Stream,
		serializer: jsonSerializer{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	queueDir := filepath.Join(cfg.DataDir, cfg.Stream, "queue")
	stateDir := filepath.Join(cfg.DataDir, cfg.Stream, "state")
	store, err := storage.Open(queueDir, stateDir, cfg.Stream)
	if err != nil {
		return nil, err
	}
	c.store = store
	c.queue = queue.New(store, cfg.MaxQueueSize, cfg.Stream)

	if c.sender == nil {
		client, err := transport.New(transport.Config{
			Endpoint:            cfg.Endpoint,
			APIKey:              cfg.APIKey,
			Timeout:             cfg.Timeout,
			Compression:         cfg.Compression,
			TLS:                 cfg.TLS,
			ForceAttemptHTTP2:   cfg.ForceHTTP2,
			UserAgent:           cfg.UserAgent,
			Stream:              cfg.Stream,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.IdleConnTimeout,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		c.sender = client
		c.client = client
	}

	workerOpts := []delivery.Option{delivery.WithClock(c.now)}
	if c.reachable != nil {
		workerOpts = append(workerOpts, delivery.WithReachability(c.reachable))
	}
	c.worker = delivery.New(delivery.Config{
		MaxBatchSize:  cfg.MaxBatchSize,
		FlushAt:       cfg.FlushAt,
		FlushInterval: cfg.FlushInterval,
		Stream:        cfg.Stream,
	}, c.queue, c.sender, workerOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.worker.Start(ctx)

	if leftover := c.queue.Count(); leftover > 0 {
		logging.Info("resuming undelivered records", logging.F(
			"stream", cfg.Stream,
			"count", leftover,
		))
		c.worker.Flush()
	}

	eventsCapturedTotal.WithLabelValues(cfg.Stream).Add(0)
	serializeFailuresTotal.WithLabelValues(cfg.Stream).Add(0)
	return c, nil
}

// Enqueue persists one event and returns. The event id and timestamp are
// filled in when empty. Serialization failures drop the event; delivery
// failures are retried by the worker. Enqueue never blocks on the network.
func (c *Courier) Enqueue(e Event) {
	id := recordid.New()
	if e.UUID == "" {
		e.UUID = id
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now().UTC()
	}
	if e.Properties == nil {
		e.Properties = map[string]interface{}{}
	}

	body, err := c.serializer.Marshal(e)
	if err != nil {
		serializeFailuresTotal.WithLabelValues(c.stream).Inc()
		logging.Error("failed to serialize event, dropping", logging.F(
			"stream", c.stream,
			"event", e.Event,
			"error", err.Error(),
		))
		return
	}

	count := c.queue.Enqueue(id, body)
	eventsCapturedTotal.WithLabelValues(c.stream).Inc()
	c.worker.Added(count)
}

// Flush requests a delivery cycle without waiting for it.
func (c *Courier) Flush() {
	c.worker.Flush()
}

// Count returns the number of records awaiting delivery.
func (c *Courier) Count() int {
	return c.queue.Count()
}

// Stats is a point-in-time snapshot of one stream's delivery state.
type Stats struct {
	Stream       string `json:"stream"`
	Queued       int    `json:"queued"`
	MaxBatchSize int    `json:"max_batch_size"`
	FlushAt      int    `json:"flush_at"`
}

// Stats reports queue depth and the current batch limits. The limits start
// at the configured values and only move when the endpoint rejects a batch
// as too large.
func (c *Courier) Stats() Stats {
	maxBatch, flushAt := c.worker.BatchLimits()
	return Stats{
		Stream:       c.stream,
		Queued:       c.queue.Count(),
		MaxBatchSize: maxBatch,
		FlushAt:      flushAt,
	}
}

// Clear drops every queued record without delivering it.
func (c *Courier) Clear() {
	c.queue.Clear()
}

// SaveState persists a small named blob next to the queue. State survives
// Clear and restarts.
func (c *Courier) SaveState(key string, blob []byte) error {
	return c.store.SaveState(key, blob)
}

// LoadState reads a blob written by SaveState.
func (c *Courier) LoadState(key string) ([]byte, error) {
	return c.store.LoadState(key)
}

// DeleteState removes a stored blob.
func (c *Courier) DeleteState(key string) error {
	return c.store.DeleteState(key)
}

// Close stops the worker and releases storage. Undelivered records stay on
// disk for the next run; Close does not attempt a final send. Safe to call
// more than once.
func (c *Courier) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.worker.Wait()
		if c.client != nil {
			c.client.CloseIdleConnections()
		}
		c.store.Close()
	})
}
