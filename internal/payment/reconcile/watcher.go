package reconcile

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"storebot.com/internal/payment/domain"
	"storebot.com/pkg/logger"
	"storebot.com/pkg/metrics"
	"storebot.com/pkg/safe"
)

// Watcher runs one background Reconcile per order and keeps its cancel handle.
type Watcher struct {
	rec    *Reconciler
	base   context.Context
	stop   context.CancelFunc
	onDone func(Result)

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

type WatcherOption func(*Watcher)

// OnDone is called with every finished reconciliation, from the watch goroutine.
func OnDone(fn func(Result)) WatcherOption {
	return func(w *Watcher) { w.onDone = fn }
}

func NewWatcher(rec *Reconciler, opts ...WatcherOption) *Watcher {
	base, stop := context.WithCancel(context.Background())
	w := &Watcher{
		rec:     rec,
		base:    base,
		stop:    stop,
		running: make(map[int64]context.CancelFunc),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Watch starts polling p in the background. It returns false if p is already being
// watched or the watcher is shut down.
func (w *Watcher) Watch(p domain.PendingPayment) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	if _, ok := w.running[p.OrderID]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(w.base)
	w.running[p.OrderID] = cancel
	w.wg.Add(1)
	metrics.ReconcileInflight.Inc()

	safe.GoCtx(ctx, func(ctx context.Context) {
		defer w.wg.Done()
		defer metrics.ReconcileInflight.Dec()
		defer w.release(p.OrderID)
		res := w.rec.Reconcile(ctx, p)
		if w.onDone != nil {
			w.onDone(res)
		}
	})
	return true
}

// Cancel stops the poll for orderID. It reports whether one was running.
func (w *Watcher) Cancel(orderID int64) bool {
	w.mu.Lock()
	cancel, ok := w.running[orderID]
	w.mu.Unlock()
	if ok {
		logger.Info(context.Background(), "watch cancelled", zap.Int64("order_id", orderID))
		cancel()
	}
	return ok
}

func (w *Watcher) Watching(orderID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.running[orderID]
	return ok
}

func (w *Watcher) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

// Shutdown cancels every watch and waits for them to return, or for ctx.
func (w *Watcher) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.stop()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) release(orderID int64) {
	w.mu.Lock()
	cancel, ok := w.running[orderID]
	delete(w.running, orderID)
	w.mu.Unlock()
	if ok {
		cancel()
	}
}
