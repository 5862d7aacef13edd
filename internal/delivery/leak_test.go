package delivery

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestLeakCheck_WorkerLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := &stubSender{}
	w, q, store, _ := newTestWorker(t, Config{MaxBatchSize: 10, FlushAt: 5, FlushInterval: 10 * time.Millisecond}, s)
	seedRecords(t, q, 8)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Start(ctx)

	w.Flush()
	waitForEmpty(t, q, 2*time.Second)

	cancel()
	w.Wait()
	store.Close()
}
