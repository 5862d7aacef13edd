package receiver

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/courierlabs/event-courier/internal/compression"
	"github.com/courierlabs/event-courier/pkg/courier"
)

type stubCourier struct {
	mu      sync.Mutex
	events  []courier.Event
	flushes int
}

func (s *stubCourier) Enqueue(e courier.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *stubCourier) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *stubCourier) queued() []courier.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]courier.Event(nil), s.events...)
}

func newTestReceiver(cfg Config) (*Receiver, *stubCourier, *stubCourier) {
	events := &stubCourier{}
	replay := &stubCourier{}
	return New(cfg, events, replay), events, replay
}

func do(r *Receiver, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueRoutesToStreams(t *testing.T) {
	r, events, replay := newTestReceiver(Config{Addr: ":0"})

	body := []byte(`{"event":"user signed up","distinct_id":"u1","properties":{"plan":"pro"}}`)
	rec := do(r, http.MethodPost, "/v1/events", body, map[string]string{"Content-Type": "application/json"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d, expected 202", rec.Code)
	}

	got := events.queued()
	if len(got) != 1 {
		t.Fatalf("events stream got %d records, expected 1", len(got))
	}
	if got[0].Event != "user signed up" || got[0].DistinctID != "u1" {
		t.Errorf("event = %+v", got[0])
	}
	if got[0].Properties["plan"] != "pro" {
		t.Errorf("properties = %+v", got[0].Properties)
	}
	if len(replay.queued()) != 0 {
		t.Error("event leaked into the replay stream")
	}

	snap := []byte(`{"event":"$snapshot","distinct_id":"u1"}`)
	rec = do(r, http.MethodPost, "/v1/snapshots", snap, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("snapshot code = %d, expected 202", rec.Code)
	}
	if len(replay.queued()) != 1 {
		t.Fatalf("replay stream got %d records, expected 1", len(replay.queued()))
	}
}

func TestMalformedJSONRejected(t *testing.T) {
	r, events, _ := newTestReceiver(Config{Addr: ":0"})

	rec := do(r, http.MethodPost, "/v1/events", []byte(`{broken`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, expected 400", rec.Code)
	}
	if len(events.queued()) != 0 {
		t.Error("malformed event was queued")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	r, _, _ := newTestReceiver(Config{Addr: ":0"})

	rec := do(r, http.MethodGet, "/v1/events", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("code = %d, expected 405", rec.Code)
	}
}

func TestUnsupportedContentType(t *testing.T) {
	r, events, _ := newTestReceiver(Config{Addr: ":0"})

	rec := do(r, http.MethodPost, "/v1/events", []byte(`{}`), map[string]string{"Content-Type": "text/plain"})
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("code = %d, expected 415", rec.Code)
	}
	if len(events.queued()) != 0 {
		t.Error("event with wrong content type was queued")
	}

	// A charset suffix is fine.
	rec = do(r, http.MethodPost, "/v1/events", []byte(`{"event":"x"}`),
		map[string]string{"Content-Type": "application/json; charset=utf-8"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code with charset = %d, expected 202", rec.Code)
	}
}

func TestBodySizeLimit(t *testing.T) {
	cfg := Config{Addr: ":0"}
	cfg.Server.MaxRequestBodySize = 64
	r, events, _ := newTestReceiver(cfg)

	big := append([]byte(`{"event":"`), bytes.Repeat([]byte("x"), 128)...)
	big = append(big, []byte(`"}`)...)
	rec := do(r, http.MethodPost, "/v1/events", big, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("code = %d, expected 413", rec.Code)
	}
	if len(events.queued()) != 0 {
		t.Error("oversized event was queued")
	}

	rec = do(r, http.MethodPost, "/v1/events", []byte(`{"event":"small"}`), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code under limit = %d, expected 202", rec.Code)
	}
}

func TestGzipBodyAccepted(t *testing.T) {
	r, events, _ := newTestReceiver(Config{Addr: ":0"})

	compressed, err := compression.Compress([]byte(`{"event":"zipped","distinct_id":"u9"}`), compression.TypeGzip)
	if err != nil {
		t.Fatal(err)
	}
	rec := do(r, http.MethodPost, "/v1/events", compressed, map[string]string{"Content-Encoding": "gzip"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d, expected 202", rec.Code)
	}

	got := events.queued()
	if len(got) != 1 || got[0].Event != "zipped" {
		t.Fatalf("queued = %+v", got)
	}
}

func TestUnknownEncodingRejected(t *testing.T) {
	r, _, _ := newTestReceiver(Config{Addr: ":0"})

	rec := do(r, http.MethodPost, "/v1/events", []byte(`{}`), map[string]string{"Content-Encoding": "br"})
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("code = %d, expected 415", rec.Code)
	}
}

func TestCorruptGzipRejected(t *testing.T) {
	r, _, _ := newTestReceiver(Config{Addr: ":0"})

	rec := do(r, http.MethodPost, "/v1/events", []byte("not gzip"), map[string]string{"Content-Encoding": "gzip"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, expected 400", rec.Code)
	}
}

func TestFlushNudgesBothStreams(t *testing.T) {
	r, events, replay := newTestReceiver(Config{Addr: ":0"})

	rec := do(r, http.MethodPost, "/v1/flush", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d, expected 202", rec.Code)
	}
	if events.flushes != 1 || replay.flushes != 1 {
		t.Errorf("flushes = %d/%d, expected 1/1", events.flushes, replay.flushes)
	}

	rec = do(r, http.MethodGet, "/v1/flush", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET code = %d, expected 405", rec.Code)
	}
}

func TestAuthGuardsEndpoints(t *testing.T) {
	cfg := Config{Addr: ":0"}
	cfg.Auth.BearerToken = "s3cret"
	r, events, _ := newTestReceiver(cfg)

	rec := do(r, http.MethodPost, "/v1/events", []byte(`{"event":"x"}`), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code without token = %d, expected 401", rec.Code)
	}
	if len(events.queued()) != 0 {
		t.Error("unauthenticated event was queued")
	}

	rec = do(r, http.MethodPost, "/v1/events", []byte(`{"event":"x"}`),
		map[string]string{"Authorization": "Bearer s3cret"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code with token = %d, expected 202", rec.Code)
	}
	if len(events.queued()) != 1 {
		t.Error("authenticated event was not queued")
	}

	rec = do(r, http.MethodPost, "/v1/flush", nil,
		map[string]string{"Authorization": "Bearer s3cret"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("flush with token = %d, expected 202", rec.Code)
	}
}

func TestUnknownPath(t *testing.T) {
	r, _, _ := newTestReceiver(Config{Addr: ":0"})

	rec := do(r, http.MethodPost, "/v1/nope", []byte(`{}`), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d, expected 404", rec.Code)
	}
}
