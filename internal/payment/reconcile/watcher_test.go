package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ledger "storebot.com/internal/ledger/domain"
)

func collect() (func(Result), func() []Result) {
	var (
		mu  sync.Mutex
		out []Result
	)
	return func(r Result) {
			mu.Lock()
			out = append(out, r)
			mu.Unlock()
		}, func() []Result {
			mu.Lock()
			defer mu.Unlock()
			return append([]Result(nil), out...)
		}
}

func TestWatcher_CancelStopsPolling(t *testing.T) {
	e := newEnv(t, Policy{Attempts: 10, Interval: time.Hour})
	e.rec.sleep = sleepCtx
	p := e.order(t, 1, "5.00")

	onDone, results := collect()
	w := NewWatcher(e.rec, OnDone(onDone))
	require.True(t, w.Watch(p))
	assert.False(t, w.Watch(p), "one watch per order")
	assert.True(t, w.Watching(p.OrderID))

	require.Eventually(t, func() bool { return e.explorer.Calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, w.Cancel(p.OrderID))

	require.Eventually(t, func() bool { return len(results()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateCancelled, results()[0].State)
	assert.Eventually(t, func() bool { return !w.Watching(p.OrderID) }, time.Second, 10*time.Millisecond)
	assert.False(t, w.Cancel(p.OrderID))

	assert.Equal(t, ledger.OrderPending, e.status(t, p.OrderID))
	_, alerts := e.notifier.counts()
	assert.Zero(t, alerts, "cancellation is not exhaustion")
	require.NoError(t, w.Shutdown(context.Background()))
}

func TestWatcher_ShutdownWaits(t *testing.T) {
	e := newEnv(t, Policy{Attempts: 10, Interval: time.Hour})
	e.rec.sleep = sleepCtx
	onDone, results := collect()
	w := NewWatcher(e.rec, OnDone(onDone))

	for i := int64(1); i <= 3; i++ {
		require.True(t, w.Watch(e.order(t, i, "5.00")))
	}
	assert.Equal(t, 3, w.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(ctx))
	assert.Len(t, results(), 3)
	assert.Zero(t, w.Count())
	assert.False(t, w.Watch(e.order(t, 9, "5.00")), "closed watcher refuses new work")
}

func TestSweeper(t *testing.T) {
	e := newEnv(t, fixedPolicy(1))
	onDone, results := collect()
	w := NewWatcher(e.rec, OnDone(onDone))
	defer w.Shutdown(context.Background())

	fresh := e.order(t, 1, "5.00")
	stale := e.order(t, 2, "5.00")
	// an order without a payment request is left alone
	orphan := &ledger.Order{UserID: 3, OrderType: "crypto_btc", TotalAmount: fresh.USDAmount, Amount: fresh.USDAmount}
	require.NoError(t, e.ledger.CreateOrder(context.Background(), orphan))
	require.NoError(t, e.db.Model(&ledger.Order{}).Where("id = ?", stale.OrderID).
		Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	cfg := DefaultConfig()
	cfg.OrderExpiry = 24 * time.Hour
	s := NewSweeper(cfg, e.ledger, e.requests, w)

	stats, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Pending: 3, Started: 1, Expired: 1, Skipped: 1}, stats)
	assert.Equal(t, ledger.OrderCancelled, e.status(t, stale.OrderID))

	history, err := e.ledger.ListStatusHistory(context.Background(), stale.OrderID)
	require.NoError(t, err)
	assert.Equal(t, expiredNote, history[len(history)-1].Notes)

	require.Eventually(t, func() bool { return len(results()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, fresh.OrderID, results()[0].OrderID)
	assert.Equal(t, StateExhausted, results()[0].State)
}

func TestSweeper_StartRejectsBadSpec(t *testing.T) {
	e := newEnv(t, fixedPolicy(1))
	s := NewSweeper(DefaultConfig(), e.ledger, e.requests, NewWatcher(e.rec))
	assert.Error(t, s.Start(context.Background(), "every now and then"))
	<-s.Stop().Done()
}
