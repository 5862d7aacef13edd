// Package storage persists queued records and keyed state blobs on disk.
//
// Records are written one file per record, named {id}.json, inside the queue
// directory. Writes happen on background goroutines; the in-memory id index
// is updated synchronously so queue size checks always see fresh counts.
// A pending-write table coordinates read-after-write and delete-after-write:
// any operation touching a record whose write is still in flight waits for
// that write to settle first.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/courierlabs/event-courier/internal/logging"
)

var (
	// ErrNotFound means the record or state blob does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrCorrupt means the record file existed but did not hold valid JSON.
	// The file has already been deleted when this is returned.
	ErrCorrupt = errors.New("storage: record corrupt")
	// ErrClosed means the store has been closed.
	ErrClosed = errors.New("storage: store closed")
)

// pendingWrite tracks one in-flight background write. err is set before
// done is closed.
type pendingWrite struct {
	done chan struct{}
	err  error
}

// Store is a file-backed record and state store for a single stream.
type Store struct {
	queueDir string
	stateDir string
	stream   string

	mu      sync.Mutex
	ids     []string // sorted; ids are time-ordered so this is FIFO order
	pending map[string]*pendingWrite
	closed  bool
}

// Open creates the queue and state directories if needed and rebuilds the
// record index from the files already present.
func Open(queueDir, stateDir, stream string) (*Store, error) {
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &Store{
		queueDir: queueDir,
		stateDir: stateDir,
		stream:   stream,
		pending:  make(map[string]*pendingWrite),
	}

	entries, err := os.ReadDir(queueDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		s.ids = append(s.ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(s.ids)
	storageRecords.WithLabelValues(stream).Set(float64(len(s.ids)))
	storagePendingWrites.WithLabelValues(stream).Set(0)
	storageWriteFailuresTotal.WithLabelValues(stream).Add(0)
	storageCorruptTotal.WithLabelValues(stream).Add(0)

	logging.Info("storage opened", logging.F(
		"stream", stream,
		"queue_dir", queueDir,
		"records", len(s.ids),
	))
	return s, nil
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.queueDir, id+".json")
}

func (s *Store) statePath(key string) string {
	return filepath.Join(s.stateDir, key+".json")
}

// SaveRecord registers id in the index immediately and schedules the disk
// write in the background. If the write later fails the id is dropped from
// the index; the record is lost, not retried.
func (s *Store) SaveRecord(id string, body []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		logging.Warn("save after close, record dropped", logging.F("stream", s.stream, "id", id))
		return
	}
	pw := &pendingWrite{done: make(chan struct{})}
	s.pending[id] = pw
	s.insertIDLocked(id)
	s.mu.Unlock()
	storagePendingWrites.WithLabelValues(s.stream).Inc()

	go func() {
		err := os.WriteFile(s.recordPath(id), body, 0o644)

		s.mu.Lock()
		pw.err = err
		delete(s.pending, id)
		if err != nil {
			s.removeIDLocked(id)
		}
		s.mu.Unlock()
		close(pw.done)
		storagePendingWrites.WithLabelValues(s.stream).Dec()

		if err != nil {
			storageWriteFailuresTotal.WithLabelValues(s.stream).Inc()
			logging.Error("record write failed, record lost", logging.F(
				"stream", s.stream,
				"id", id,
				"error", err.Error(),
			))
		}
	}()
}

// LoadRecord returns the body for id. It waits for any in-flight write
// first. A missing record returns ErrNotFound and scrubs the id from the
// index; an unreadable or non-JSON record file is deleted and returns
// ErrCorrupt. Neither case ever resurfaces the record.
func (s *Store) LoadRecord(id string) ([]byte, error) {
	if err := s.awaitWrite(id); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.recordPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		s.dropID(id)
		return nil, ErrNotFound
	}
	if err != nil {
		s.discardCorrupt(id, err.Error())
		return nil, ErrCorrupt
	}
	if !json.Valid(data) {
		s.discardCorrupt(id, "invalid json")
		return nil, ErrCorrupt
	}
	return data, nil
}

// DeleteRecord removes the record file and index entry for id, waiting for
// any in-flight write first.
func (s *Store) DeleteRecord(id string) error {
	if err := s.awaitWrite(id); err != nil {
		return err
	}
	s.dropID(id)

	if err := os.Remove(s.recordPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}

// ListRecordIDs returns a copy of the current id index, oldest first.
func (s *Store) ListRecordIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// Count returns the number of indexed records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Clear removes every record file and empties the index. State blobs are
// untouched. Pending writes are settled first so no file reappears after.
func (s *Store) Clear() error {
	s.FlushPendingWrites()

	s.mu.Lock()
	ids := s.ids
	s.ids = nil
	storageRecords.WithLabelValues(s.stream).Set(0)
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := os.Remove(s.recordPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	logging.Info("storage cleared", logging.F("stream", s.stream, "removed", len(ids)))
	return firstErr
}

// FlushPendingWrites blocks until every write in flight at the time of the
// call has settled. Must run before shutdown or any point that needs a
// durability guarantee.
func (s *Store) FlushPendingWrites() {
	s.mu.Lock()
	waits := make([]*pendingWrite, 0, len(s.pending))
	for _, pw := range s.pending {
		waits = append(waits, pw)
	}
	s.mu.Unlock()

	for _, pw := range waits {
		<-pw.done
	}
}

// Close flushes pending writes and rejects further saves.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.FlushPendingWrites()
}

// SaveState persists a keyed blob in the state directory, synchronously.
func (s *Store) SaveState(key string, blob []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	if err := os.WriteFile(s.statePath(key), blob, 0o644); err != nil {
		return fmt.Errorf("failed to save state %s: %w", key, err)
	}
	return nil
}

// LoadState returns the blob stored under key.
func (s *Store) LoadState(key string) ([]byte, error) {
	data, err := os.ReadFile(s.statePath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state %s: %w", key, err)
	}
	return data, nil
}

// DeleteState removes the blob stored under key. Deleting a missing key is
// not an error.
func (s *Store) DeleteState(key string) error {
	if err := os.Remove(s.statePath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete state %s: %w", key, err)
	}
	return nil
}

// awaitWrite blocks until the pending write for id, if any, settles. It
// reports ErrClosed so record reads and deletes stop once the store is
// closed.
func (s *Store) awaitWrite(id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	pw := s.pending[id]
	s.mu.Unlock()
	if pw != nil {
		<-pw.done
	}
	return nil
}

// insertIDLocked places id at its sorted position. Ids are time-ordered so
// this is normally an append; the search keeps the index correct when
// concurrent producers race between id generation and enqueue.
func (s *Store) insertIDLocked(id string) {
	i := sort.SearchStrings(s.ids, id)
	if i < len(s.ids) && s.ids[i] == id {
		return
	}
	s.ids = append(s.ids, "")
	copy(s.ids[i+1:], s.ids[i:])
	s.ids[i] = id
	storageRecords.WithLabelValues(s.stream).Set(float64(len(s.ids)))
}

func (s *Store) removeIDLocked(id string) {
	i := sort.SearchStrings(s.ids, id)
	if i < len(s.ids) && s.ids[i] == id {
		s.ids = append(s.ids[:i], s.ids[i+1:]...)
		storageRecords.WithLabelValues(s.stream).Set(float64(len(s.ids)))
	}
}

func (s *Store) dropID(id string) {
	s.mu.Lock()
	s.removeIDLocked(id)
	s.mu.Unlock()
}

// discardCorrupt deletes a record that cannot be loaded and drops its id.
func (s *Store) discardCorrupt(id, reason string) {
	_ = os.Remove(s.recordPath(id))
	s.dropID(id)
	storageCorruptTotal.WithLabelValues(s.stream).Inc()
	logging.Error("corrupt record discarded", logging.F(
		"stream", s.stream,
		"id", id,
		"reason", reason,
	))
}
