// Package queue bounds the set of records awaiting delivery.
//
// The queue itself is thin: record bodies and the ordered id index live in
// the storage layer. What the queue adds is the size bound. Every enqueue
// runs under one mutex: while the store is at capacity the oldest record is
// evicted, then the new record is persisted. Ids are time-ordered, so index
// 0 is always the oldest record.
package queue

import (
	"sync"

	"github.com/courierlabs/event-courier/internal/logging"
	"github.com/courierlabs/event-courier/internal/storage"
)

// Queue enforces a bounded record count over a storage.Store.
type Queue struct {
	store   *storage.Store
	maxSize int
	stream  string

	mu sync.Mutex
}

// New creates a queue over store holding at most maxSize records.
func New(store *storage.Store, maxSize int, stream string) *Queue {
	queueMaxSize.WithLabelValues(stream).Set(float64(maxSize))
	queueEnqueuedTotal.WithLabelValues(stream).Add(0)
	queueEvictedTotal.WithLabelValues(stream).Add(0)
	return &Queue{
		store:   store,
		maxSize: maxSize,
		stream:  stream,
	}
}

// Enqueue persists a record, evicting the oldest while at capacity. It
// returns the record count after the insert so the caller can run its
// flush-threshold check outside the lock.
func (q *Queue) Enqueue(id string, body []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.store.Count() >= q.maxSize {
		ids := q.store.ListRecordIDs()
		if len(ids) == 0 {
			break
		}
		oldest := ids[0]
		if err := q.store.DeleteRecord(oldest); err != nil {
			logging.Warn("failed to delete evicted record", logging.F(
				"stream", q.stream,
				"id", oldest,
				"error", err.Error(),
			))
		}
		queueEvictedTotal.WithLabelValues(q.stream).Inc()
		logging.Warn("queue full, oldest record evicted", logging.F(
			"stream", q.stream,
			"evicted", oldest,
			"max_queue_size", q.maxSize,
		))
	}

	q.store.SaveRecord(id, body)
	queueEnqueuedTotal.WithLabelValues(q.stream).Inc()
	return q.store.Count()
}

// OldestIDs returns up to n ids, oldest first.
func (q *Queue) OldestIDs(n int) []string {
	ids := q.store.ListRecordIDs()
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// Load reads a record body. Records that vanished or failed validation are
// already scrubbed by the store, so callers only need to skip them.
func (q *Queue) Load(id string) ([]byte, error) {
	return q.store.LoadRecord(id)
}

// Remove deletes the given records from storage, in order.
func (q *Queue) Remove(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		if err := q.store.DeleteRecord(id); err != nil {
			logging.Warn("failed to delete record", logging.F(
				"stream", q.stream,
				"id", id,
				"error", err.Error(),
			))
		}
	}
}

// Count returns the number of records currently queued.
func (q *Queue) Count() int {
	return q.store.Count()
}

// Clear drops every queued record unconditionally.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Clear(); err != nil {
		logging.Error("failed to clear queue", logging.F(
			"stream", q.stream,
			"error", err.Error(),
		))
	}
}
