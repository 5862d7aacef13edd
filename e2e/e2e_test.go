package e2e

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/courierlabs/event-courier/internal/compression"
	"github.com/courierlabs/event-courier/internal/receiver"
	"github.com/courierlabs/event-courier/internal/recordid"
	"github.com/courierlabs/event-courier/pkg/courier"
)

// TestE2E_FullPipeline_HTTP tests the complete flow: HTTP client -> receiver -> courier -> transport -> backend
func TestE2E_FullPipeline_HTTP(t *testing.T) {
	backend := startMockIngestBackend(t)
	a := startAgent(t, backend.URL(),
		courier.Config{FlushAt: 3, MaxBatchSize: 10},
		courier.Config{FlushAt: 2, MaxBatchSize: 10})

	for i := 0; i < 3; i++ {
		postEvent(t, a.base, "/v1/events", courier.Event{
			Event:      fmt.Sprintf("page viewed %d", i),
			DistinctID: "user-1",
			Properties: map[string]interface{}{"path": "/pricing"},
		})
	}

	waitFor(t, 5*time.Second, func() bool { return backend.recordCount() >= 3 },
		"backend did not receive the event batch")

	envs := backend.received()
	if len(envs) != 1 {
		t.Fatalf("backend received %d envelopes, expected 1", len(envs))
	}
	env := envs[0]
	if env.APIKey != "phx_e2e" {
		t.Errorf("api_key = %q, expected phx_e2e", env.APIKey)
	}
	if _, err := time.Parse(time.RFC3339Nano, env.SentAt); err != nil {
		t.Errorf("sent_at %q is not a timestamp: %v", env.SentAt, err)
	}
	if len(env.Batch) != 3 {
		t.Fatalf("envelope carried %d records, expected 3", len(env.Batch))
	}
	for _, rec := range env.Batch {
		if !recordid.Valid(rec.UUID) {
			t.Errorf("record uuid %q is not a valid id", rec.UUID)
		}
		if rec.DistinctID != "user-1" {
			t.Errorf("distinct_id = %q, expected user-1", rec.DistinctID)
		}
		if rec.Timestamp.IsZero() {
			t.Error("record timestamp was not filled")
		}
		if rec.Properties["path"] != "/pricing" {
			t.Errorf("properties[path] = %v, expected /pricing", rec.Properties["path"])
		}
	}

	t.Log("E2E full pipeline test passed")
}

// TestE2E_ReplayStreamIndependent tests that snapshots ship on the replay
// stream without disturbing the events backlog.
func TestE2E_ReplayStreamIndependent(t *testing.T) {
	backend := startMockIngestBackend(t)
	a := startAgent(t, backend.URL(),
		courier.Config{FlushAt: 100},
		courier.Config{FlushAt: 2})

	postEvent(t, a.base, "/v1/events", courier.Event{Event: "button clicked"})
	for i := 0; i < 2; i++ {
		postEvent(t, a.base, "/v1/snapshots", courier.Event{
			Event:      "$snapshot",
			DistinctID: "user-2",
			Properties: map[string]interface{}{"chunk": float64(i)},
		})
	}

	waitFor(t, 5*time.Second, func() bool { return backend.recordCount() >= 2 },
		"backend did not receive the snapshot batch")

	for _, env := range backend.received() {
		for _, rec := range env.Batch {
			if rec.Event != "$snapshot" {
				t.Errorf("delivered record %q, only snapshots should have shipped", rec.Event)
			}
		}
	}
	if got := a.events.Count(); got != 1 {
		t.Errorf("events backlog = %d, the un-flushed event should still be queued", got)
	}

	t.Log("E2E replay stream test passed")
}

// TestE2E_ManualFlushDrainsBacklog tests the /v1/flush endpoint.
func TestE2E_ManualFlushDrainsBacklog(t *testing.T) {
	backend := startMockIngestBackend(t)
	a := startAgent(t, backend.URL(),
		courier.Config{FlushAt: 100, MaxBatchSize: 10},
		courier.Config{FlushAt: 100})

	for i := 0; i < 5; i++ {
		postEvent(t, a.base, "/v1/events", courier.Event{
			Event:      fmt.Sprintf("checkout step %d", i),
			DistinctID: "user-3",
		})
	}
	if got := a.events.Count(); got != 5 {
		t.Fatalf("backlog = %d before flush, expected 5", got)
	}

	postFlush(t, a.base)

	waitFor(t, 5*time.Second, func() bool { return backend.recordCount() >= 5 },
		"manual flush did not deliver the backlog")
	if envs := backend.received(); len(envs) != 1 {
		t.Errorf("backend received %d envelopes, expected one batch of 5", len(envs))
	}

	t.Log("E2E manual flush test passed")
}

// TestE2E_OutageRecovery tests that records survive an endpoint outage and
// deliver after the backoff pause expires.
func TestE2E_OutageRecovery(t *testing.T) {
	backend := startMockIngestBackend(t)
	a := startAgent(t, backend.URL(),
		courier.Config{FlushAt: 3, MaxBatchSize: 10},
		courier.Config{})

	backend.setStatus(http.StatusServiceUnavailable)

	for i := 0; i < 3; i++ {
		postEvent(t, a.base, "/v1/events", courier.Event{
			Event: fmt.Sprintf("order placed %d", i),
		})
	}

	waitFor(t, 5*time.Second, func() bool { return backend.attemptCount() >= 1 },
		"no delivery attempt reached the backend")
	if got := backend.recordCount(); got != 0 {
		t.Fatalf("backend accepted %d records during the outage", got)
	}
	if got := a.events.Count(); got != 3 {
		t.Fatalf("backlog = %d after failed attempt, records must stay queued", got)
	}

	backend.setStatus(http.StatusOK)

	// The worker pauses ~5s after one failure; nudge it until the pause
	// expires and the backlog drains.
	deadline := time.Now().Add(10 * time.Second)
	for backend.recordCount() < 3 && time.Now().Before(deadline) {
		postFlush(t, a.base)
		time.Sleep(250 * time.Millisecond)
	}
	if got := backend.recordCount(); got != 3 {
		t.Fatalf("backend received %d records after recovery, expected 3", got)
	}
	if got := a.events.Count(); got != 0 {
		t.Errorf("backlog = %d after recovery, expected empty", got)
	}

	t.Log("E2E outage recovery test passed")
}

// TestE2E_GzipIngestAndDelivery tests gzip on both hops: a compressed client
// body into the receiver and a compressed batch toward the backend.
func TestE2E_GzipIngestAndDelivery(t *testing.T) {
	backend := startMockIngestBackend(t)
	a := startAgent(t, backend.URL(),
		courier.Config{FlushAt: 2, Compression: compression.TypeGzip},
		courier.Config{})

	for i := 0; i < 2; i++ {
		body, err := json.Marshal(courier.Event{
			Event:      "file uploaded",
			DistinctID: "user-4",
			Properties: map[string]interface{}{"size": float64(1 << 20)},
		})
		if err != nil {
			t.Fatalf("marshal event: %v", err)
		}
		compressed, err := compression.Compress(body, compression.TypeGzip)
		if err != nil {
			t.Fatalf("compress event: %v", err)
		}
		req, err := http.NewRequest(http.MethodPost, a.base+"/v1/events", bytes.NewReader(compressed))
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Encoding", "gzip")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post compressed event: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("compressed ingest status = %d, expected 202", resp.StatusCode)
		}
	}

	waitFor(t, 5*time.Second, func() bool { return backend.recordCount() >= 2 },
		"backend did not receive the compressed batch")

	if encs := backend.encodings(); len(encs) == 0 || encs[0] != "gzip" {
		t.Errorf("batch encodings = %v, expected gzip", encs)
	}
	for _, env := range backend.received() {
		for _, rec := range env.Batch {
			if rec.Event != "file uploaded" {
				t.Errorf("record event = %q, expected file uploaded", rec.Event)
			}
		}
	}

	t.Log("E2E gzip test passed")
}

// TestE2E_ConcurrentClients tests handling of multiple concurrent clients.
func TestE2E_ConcurrentClients(t *testing.T) {
	backend := startMockIngestBackend(t)
	a := startAgent(t, backend.URL(),
		courier.Config{FlushAt: 10, MaxBatchSize: 40, MaxQueueSize: 1000},
		courier.Config{})

	numClients := 8
	eventsPerClient := 25
	var wg sync.WaitGroup

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			for j := 0; j < eventsPerClient; j++ {
				body, err := json.Marshal(courier.Event{
					Event:      fmt.Sprintf("action %d-%d", clientID, j),
					DistinctID: fmt.Sprintf("user-%d", clientID),
				})
				if err != nil {
					t.Errorf("Client %d marshal %d failed: %v", clientID, j, err)
					return
				}
				resp, err := http.Post(a.base+"/v1/events", "application/json", bytes.NewReader(body))
				if err != nil {
					t.Errorf("Client %d post %d failed: %v", clientID, j, err)
					return
				}
				resp.Body.Close()
				if resp.StatusCode != http.StatusAccepted {
					t.Errorf("Client %d post %d status = %d, expected 202", clientID, j, resp.StatusCode)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	total := numClients * eventsPerClient
	deadline := time.Now().Add(10 * time.Second)
	for backend.recordCount() < total && time.Now().Before(deadline) {
		postFlush(t, a.base)
		time.Sleep(100 * time.Millisecond)
	}
	if got := backend.recordCount(); got != total {
		t.Fatalf("backend received %d records, expected %d", got, total)
	}

	seen := make(map[string]int)
	for _, env := range backend.received() {
		for _, rec := range env.Batch {
			seen[rec.UUID]++
		}
	}
	if len(seen) != total {
		t.Errorf("saw %d distinct record ids, expected %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("record %s delivered %d times", id, n)
		}
	}

	t.Logf("E2E concurrent clients test passed - backend received %d records", backend.recordCount())
}

// TestE2E_RestartResumesBacklog tests that a new agent over the same data
// directory delivers records a previous run left behind.
func TestE2E_RestartResumesBacklog(t *testing.T) {
	backend := startMockIngestBackend(t)
	backend.setStatus(http.StatusServiceUnavailable)
	dir := t.TempDir()

	a := startAgentInDir(t, backend.URL(), dir,
		courier.Config{FlushAt: 100},
		courier.Config{})
	for i := 0; i < 4; i++ {
		postEvent(t, a.base, "/v1/events", courier.Event{
			Event: fmt.Sprintf("offline action %d", i),
		})
	}
	a.stop(t)

	backend.setStatus(http.StatusOK)

	b := startAgentInDir(t, backend.URL(), dir,
		courier.Config{FlushAt: 100},
		courier.Config{})

	// The startup nudge alone must drain the backlog; nothing new arrives.
	waitFor(t, 5*time.Second, func() bool { return backend.recordCount() >= 4 },
		"restarted agent did not deliver the leftover backlog")
	if got := b.events.Count(); got != 0 {
		t.Errorf("backlog = %d after restart delivery, expected empty", got)
	}

	t.Log("E2E restart resume test passed")
}

// Helper functions

func getFreeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to get free address: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func postEvent(t *testing.T, base, path string, e courier.Event) {
	t.Helper()
	body, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	resp, err := http.Post(base+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("post %s status = %d, expected 202", path, resp.StatusCode)
	}
}

func postFlush(t *testing.T, base string) {
	t.Helper()
	resp, err := http.Post(base+"/v1/flush", "", nil)
	if err != nil {
		t.Fatalf("post /v1/flush: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("flush status = %d, expected 202", resp.StatusCode)
	}
}

// agent bundles the in-process pieces of one running event-courier.
type agent struct {
	events *courier.Courier
	replay *courier.Courier
	rcv    *receiver.Receiver
	base   string

	stopOnce sync.Once
}

func startAgent(t *testing.T, backendURL string, eventsCfg, replayCfg courier.Config) *agent {
	t.Helper()
	return startAgentInDir(t, backendURL, t.TempDir(), eventsCfg, replayCfg)
}

func startAgentInDir(t *testing.T, backendURL, dir string, eventsCfg, replayCfg courier.Config) *agent {
	t.Helper()

	events, err := courier.New(fillConfig(eventsCfg, backendURL, dir, "events"))
	if err != nil {
		t.Fatalf("Failed to create events courier: %v", err)
	}
	replay, err := courier.New(fillConfig(replayCfg, backendURL, dir, "replay"))
	if err != nil {
		events.Close()
		t.Fatalf("Failed to create replay courier: %v", err)
	}

	addr := getFreeAddr(t)
	rcv := receiver.New(receiver.Config{Addr: addr}, events, replay)
	go rcv.Start()

	a := &agent{
		events: events,
		replay: replay,
		rcv:    rcv,
		base:   "http://" + addr,
	}
	t.Cleanup(func() { a.stop(t) })

	waitFor(t, 3*time.Second, func() bool { return rcv.HealthCheck() == nil },
		"receiver did not start listening")
	return a
}

func (a *agent) stop(t *testing.T) {
	a.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.rcv.Stop(ctx); err != nil {
			t.Logf("receiver stop: %v", err)
		}
		a.events.Close()
		a.replay.Close()
	})
}

func fillConfig(cfg courier.Config, backendURL, dir, stream string) courier.Config {
	cfg.Endpoint = backendURL
	cfg.Stream = stream
	cfg.DataDir = dir
	if cfg.APIKey == "" {
		cfg.APIKey = "phx_e2e"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	return cfg
}

// mockIngestBackend plays the remote ingestion API. It records every batch
// envelope POSTed to /batch and answers with a configurable status code.
type mockIngestBackend struct {
	server *httptest.Server

	mu        sync.Mutex
	status    int
	attempts  int
	envelopes []ingestEnvelope
	encs      []string
}

type ingestEnvelope struct {
	APIKey string         `json:"api_key"`
	SentAt string         `json:"sent_at"`
	Batch  []ingestRecord `json:"batch"`
}

type ingestRecord struct {
	UUID       string                 `json:"uuid"`
	Event      string                 `json:"event"`
	DistinctID string                 `json:"distinct_id"`
	Timestamp  time.Time              `json:"timestamp"`
	Properties map[string]interface{} `json:"properties"`
}

func startMockIngestBackend(t *testing.T) *mockIngestBackend {
	b := &mockIngestBackend{status: http.StatusOK}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/batch" {
			t.Errorf("backend got %s %s, expected POST /batch", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("backend failed to read body: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		enc := r.Header.Get("Content-Encoding")
		if enc != "" {
			comp, err := compression.ParseType(enc)
			if err != nil {
				t.Errorf("backend got unknown encoding %q", enc)
				w.WriteHeader(http.StatusUnsupportedMediaType)
				return
			}
			if body, err = compression.Decompress(body, comp); err != nil {
				t.Errorf("backend failed to decompress batch: %v", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		var env ingestEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			t.Errorf("backend got a malformed envelope: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		b.mu.Lock()
		b.attempts++
		status := b.status
		if status >= 200 && status < 300 {
			b.envelopes = append(b.envelopes, env)
			b.encs = append(b.encs, enc)
		}
		b.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *mockIngestBackend) URL() string {
	return b.server.URL
}

func (b *mockIngestBackend) setStatus(code int) {
	b.mu.Lock()
	b.status = code
	b.mu.Unlock()
}

func (b *mockIngestBackend) received() []ingestEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ingestEnvelope(nil), b.envelopes...)
}

func (b *mockIngestBackend) encodings() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.encs...)
}

func (b *mockIngestBackend) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func (b *mockIngestBackend) recordCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, env := range b.envelopes {
		n += len(env.Batch)
	}
	return n
}
