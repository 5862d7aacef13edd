// Package delivery drains a durable backlog toward a remote endpoint.
//
// A single Worker owns the flush state for one stream: the single-flight
// guard, the consecutive failure count, the backoff pause and the adjusted
// batch limits. Flushes are triggered three ways (the enqueue threshold, the
// periodic ticker, and manual Flush calls); every trigger collapses into a
// capacity-1 nudge channel, so at most one delivery cycle runs at a time
// and redundant triggers are dropped rather than queued.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/courierlabs/event-courier/internal/backoff"
	"github.com/courierlabs/event-courier/internal/logging"
	"github.com/courierlabs/event-courier/internal/storage"
)

// Backlog is the durable record queue drained by the worker.
type Backlog interface {
	// OldestIDs returns up to n record ids, oldest first.
	OldestIDs(n int) []string
	// Load reads a record body by id.
	Load(id string) ([]byte, error)
	// Remove deletes delivered or rejected records.
	Remove(ids []string)
}

// Sender delivers one batch of serialized records. ok reports whether the
// batch was accepted; status carries the HTTP status code when a response
// was received and 0 when the attempt never produced one.
type Sender interface {
	Send(ctx context.Context, bodies [][]byte) (ok bool, status int)
}

// Config holds delivery worker settings for one stream.
type Config struct {
	// MaxBatchSize caps the number of records sent per request (default: 50).
	MaxBatchSize int
	// FlushAt is the backlog length that triggers a flush on enqueue (default: 20).
	FlushAt int
	// FlushInterval is the period of the background flush ticker (default: 30s).
	FlushInterval time.Duration
	// Stream labels logs and metrics emitted by this worker.
	Stream string
}

// Option is a functional option for Worker.
type Option func(*Worker)

// WithClock overrides the time source used for backoff pauses.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithReachability sets a connectivity probe consulted before each batch.
// When the probe reports false the cycle ends without a send attempt.
func WithReachability(check func() bool) Option {
	return func(w *Worker) { w.reachable = check }
}

// WithBackoffPolicy overrides the retry delay schedule.
func WithBackoffPolicy(p backoff.Policy) Option {
	return func(w *Worker) { w.policy = p }
}

// Worker flushes backlog records to a Sender in oldest-first batches.
type Worker struct {
	backlog       Backlog
	sender        Sender
	policy        backoff.Policy
	flushInterval time.Duration
	stream        string

	now       func() time.Time
	reachable func() bool

	mu               sync.Mutex
	flushing         bool
	retryCount       int
	pausedUntil      time.Time
	adjustedMaxBatch int
	adjustedFlushAt  int

	flushCh chan struct{}
	doneCh  chan struct{}
}

// New creates a delivery worker over backlog and sender.
func New(cfg Config, backlog Backlog, sender Sender, opts ...Option) *Worker {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.FlushAt <= 0 {
		cfg.FlushAt = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.Stream == "" {
		cfg.Stream = "events"
	}

	w := &Worker{
		backlog:          backlog,
		sender:           sender,
		policy:           backoff.Default(),
		flushInterval:    cfg.FlushInterval,
		stream:           cfg.Stream,
		now:              time.Now,
		adjustedMaxBatch: cfg.MaxBatchSize,
		adjustedFlushAt:  cfg.FlushAt,
		flushCh:          make(chan struct{}, 1),
		doneCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	adjustedMaxBatchSize.WithLabelValues(w.stream).Set(float64(w.adjustedMaxBatch))
	adjustedFlushAt.WithLabelValues(w.stream).Set(float64(w.adjustedFlushAt))
	deliveryPaused.WithLabelValues(w.stream).Set(0)
	consecutiveFailures.WithLabelValues(w.stream).Set(0)
	flushCyclesTotal.WithLabelValues(w.stream).Add(0)
	for _, outcome := range []string{outcomeDelivered, outcomeRetryable, outcomePermanent, outcomeTooLarge} {
		batchOutcomesTotal.WithLabelValues(w.stream, outcome).Add(0)
	}
	recordsDeliveredTotal.WithLabelValues(w.stream).Add(0)
	recordsDroppedTotal.WithLabelValues(w.stream).Add(0)

	return w
}

// Start runs the background flush loop until ctx is cancelled. Records still
// queued at shutdown stay on disk and are retried after the next start.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(w.doneCh)
			return
		case <-ticker.C:
			// Cycles run on a detached context: cancelling the loop stops new
			// cycles but never cuts off an in-flight send. The transport's own
			// timeout bounds the request.
			w.runCycle(context.Background())
		case <-w.flushCh:
			w.runCycle(context.Background())
		}
	}
}

// Wait blocks until the flush loop has exited.
func (w *Worker) Wait() {
	<-w.doneCh
}

// Flush schedules a delivery cycle. It never blocks; while a cycle is
// pending or running the call is a no-op.
func (w *Worker) Flush() {
	select {
	case w.flushCh <- struct{}{}:
	default:
	}
}

// Added reports the backlog length after an enqueue. Reaching the flush
// threshold schedules a delivery cycle.
func (w *Worker) Added(count int) {
	w.mu.Lock()
	at := w.adjustedFlushAt
	w.mu.Unlock()

	if count >= at {
		w.Flush()
	}
}

// BatchLimits returns the current adjusted batch size and flush threshold.
func (w *Worker) BatchLimits() (maxBatchSize, flushAt int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.adjustedMaxBatch, w.adjustedFlushAt
}

// runCycle performs one delivery cycle: repeated oldest-first batches until
// the backlog empties or a failure ends the cycle. The single-flight guard
// is held for the whole cycle and released on every exit path.
func (w *Worker) runCycle(ctx context.Context) {
	w.mu.Lock()
	if w.flushing {
		w.mu.Unlock()
		return
	}
	w.flushing = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.flushing = false
		w.mu.Unlock()
	}()

	flushCyclesTotal.WithLabelValues(w.stream).Inc()

	for {
		w.mu.Lock()
		pausedUntil := w.pausedUntil
		batchMax := w.adjustedMaxBatch
		w.mu.Unlock()

		if !pausedUntil.IsZero() {
			if w.now().Before(pausedUntil) {
				logging.Debug("delivery paused, skipping flush", logging.F(
					"stream", w.stream,
					"paused_until", pausedUntil.Format(time.RFC3339),
				))
				return
			}
			deliveryPaused.WithLabelValues(w.stream).Set(0)
		}

		if w.reachable != nil && !w.reachable() {
			logging.Debug("endpoint unreachable, skipping flush", logging.F(
				"stream", w.stream,
			))
			return
		}

		ids := w.backlog.OldestIDs(batchMax)
		if len(ids) == 0 {
			return
		}

		bodies := make([][]byte, 0, len(ids))
		sent := make([]string, 0, len(ids))
		for _, id := range ids {
			body, err := w.backlog.Load(id)
			if err != nil {
				if errors.Is(err, storage.ErrClosed) {
					return
				}
				// The store has already discarded the record.
				logging.Debug("skipping unreadable record", logging.F(
					"stream", w.stream,
					"id", id,
					"error", err.Error(),
				))
				continue
			}
			bodies = append(bodies, body)
			sent = append(sent, id)
		}
		if len(bodies) == 0 {
			continue
		}

		ok, status := w.sender.Send(ctx, bodies)
		if ok {
			w.backlog.Remove(sent)
			w.mu.Lock()
			w.retryCount = 0
			w.pausedUntil = time.Time{}
			w.mu.Unlock()

			batchOutcomesTotal.WithLabelValues(w.stream, outcomeDelivered).Inc()
			recordsDeliveredTotal.WithLabelValues(w.stream).Add(float64(len(sent)))
			consecutiveFailures.WithLabelValues(w.stream).Set(0)
			deliveryPaused.WithLabelValues(w.stream).Set(0)

			logging.Debug("batch delivered", logging.F(
				"stream", w.stream,
				"records", len(sent),
				"status", status,
			))
			continue
		}

		switch backoff.Classify(status) {
		case backoff.ClassPermanent:
			w.backlog.Remove(sent)
			batchOutcomesTotal.WithLabelValues(w.stream, outcomePermanent).Inc()
			recordsDroppedTotal.WithLabelValues(w.stream).Add(float64(len(sent)))
			logging.Warn("delivery rejected, dropping batch", logging.F(
				"stream", w.stream,
				"records", len(sent),
				"status", status,
			))
			return
		case backoff.ClassTooLarge:
			w.shrinkBatchLimits(status)
			batchOutcomesTotal.WithLabelValues(w.stream, outcomeTooLarge).Inc()
			return
		default:
			w.mu.Lock()
			w.retryCount++
			retries := w.retryCount
			delay := w.policy.NextDelay(retries)
			w.pausedUntil = w.now().Add(delay)
			w.mu.Unlock()

			batchOutcomesTotal.WithLabelValues(w.stream, outcomeRetryable).Inc()
			consecutiveFailures.WithLabelValues(w.stream).Set(float64(retries))
			deliveryPaused.WithLabelValues(w.stream).Set(1)

			logging.Warn("delivery failed, backing off", logging.F(
				"stream", w.stream,
				"records", len(sent),
				"status", status,
				"retry_count", retries,
				"retry_in", delay.String(),
			))
			return
		}
	}
}

// shrinkBatchLimits halves the adjusted batch size and flush threshold after
// the endpoint rejected a payload as too large. Both floors are 1 and the
// limits are never grown back; the records stay queued for the next cycle.
func (w *Worker) shrinkBatchLimits(status int) {
	w.mu.Lock()
	oldBatch := w.adjustedMaxBatch
	oldAt := w.adjustedFlushAt
	newBatch := oldBatch / 2
	if newBatch < 1 {
		newBatch = 1
	}
	newAt := oldAt / 2
	if newAt < 1 {
		newAt = 1
	}
	w.adjustedMaxBatch = newBatch
	w.adjustedFlushAt = newAt
	w.mu.Unlock()

	adjustedMaxBatchSize.WithLabelValues(w.stream).Set(float64(newBatch))
	adjustedFlushAt.WithLabelValues(w.stream).Set(float64(newAt))
	batchLimitShrinksTotal.WithLabelValues(w.stream).Inc()

	logging.Warn("payload too large, batch limits halved", logging.F(
		"stream", w.stream,
		"status", status,
		"old_max_batch_size", oldBatch,
		"max_batch_size", newBatch,
		"old_flush_at", oldAt,
		"flush_at", newAt,
	))
}
