package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	ledger "storebot.com/internal/ledger/domain"
	ledgerdb "storebot.com/internal/ledger/persistence"
	"storebot.com/internal/payment/domain"
	paymentdb "storebot.com/internal/payment/persistence"
	"storebot.com/pkg/orm"
)

const usdtAddr = "0x52908400098527886E0F7030069857D2E4169EE7"

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeExplorer struct {
	mu    sync.Mutex
	calls int
	fetch func(call int) ([]domain.NormalizedTransaction, error)
}

func (f *fakeExplorer) Currency() domain.Currency { return domain.USDT }

func (f *fakeExplorer) FetchRecentInbound(ctx context.Context, address string, limit int) ([]domain.NormalizedTransaction, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.fetch == nil {
		return nil, nil
	}
	return f.fetch(n)
}

func (f *fakeExplorer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu         sync.Mutex
	confirmed  []domain.Confirmation
	alerts     []domain.Alert
	confirmErr error
}

func (n *recordingNotifier) PaymentConfirmed(ctx context.Context, c domain.Confirmation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, c)
	return n.confirmErr
}

func (n *recordingNotifier) PaymentNotFound(ctx context.Context, a domain.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return errors.New("telegram down") // must not affect the outcome
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.confirmed), len(n.alerts)
}

type env struct {
	db       *gorm.DB
	ledger   *ledgerdb.Repo
	registry *paymentdb.Registry
	requests *paymentdb.RequestRepo
	notifier *recordingNotifier
	explorer *fakeExplorer
	rec      *Reconciler

	mu     sync.Mutex
	sleeps []time.Duration
}

func newEnv(t *testing.T, policy Policy) *env {
	t.Helper()
	db, err := orm.Open(&orm.Config{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "reconcile.db") + "?_busy_timeout=5000&_txlock=immediate",
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(append(ledgerdb.Models(), paymentdb.Models()...)...))

	e := &env{
		db:       db,
		ledger:   ledgerdb.New(db),
		registry: paymentdb.NewRegistry(db),
		requests: paymentdb.NewRequestRepo(db),
		notifier: &recordingNotifier{},
		explorer: &fakeExplorer{},
	}
	cfg := DefaultConfig()
	cfg.Retry = policy
	e.rec = New(cfg, Deps{
		Explorers: map[domain.Currency]domain.Explorer{domain.USDT: e.explorer},
		Registry:  e.registry,
		Ledger:    e.ledger,
		Notifier:  e.notifier,
	})
	e.rec.now = func() time.Time { return now }
	e.rec.sleep = func(ctx context.Context, d time.Duration) error {
		e.mu.Lock()
		e.sleeps = append(e.sleeps, d)
		e.mu.Unlock()
		return ctx.Err()
	}
	return e
}

func fixedPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Interval: 6 * time.Second, MaxInterval: time.Minute, Multiplier: 2}
}

// order creates a pending crypto_usdt order worth usd for user and returns its payment.
func (e *env) order(t *testing.T, user int64, usd string) domain.PendingPayment {
	t.Helper()
	amount := decimal.RequireFromString(usd)
	o := &ledger.Order{UserID: user, OrderType: domain.USDT.OrderType(), Amount: amount, TotalAmount: amount, PaymentMethod: "usdt"}
	require.NoError(t, e.ledger.CreateOrder(context.Background(), o))
	req := &domain.PaymentRequest{
		OrderID:          o.ID,
		UserID:           user,
		Currency:         domain.USDT,
		ExpectedAmount:   amount,
		USDAmount:        amount,
		ReceivingAddress: usdtAddr,
		CreatedAt:        now.Add(-time.Minute),
	}
	require.NoError(t, e.requests.Save(context.Background(), req))
	return req.Pending()
}

func (e *env) balance(t *testing.T, user int64) decimal.Decimal {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return b
}

func (e *env) status(t *testing.T, orderID int64) ledger.OrderStatus {
	t.Helper()
	o, err := e.ledger.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	return o.Status
}

func (e *env) registryRows(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&domain.ProcessedTransaction{}).Count(&n).Error)
	return n
}

func usdtTransfer(id, amount string, age time.Duration) domain.NormalizedTransaction {
	return domain.NormalizedTransaction{
		ChainTxID:           id,
		Currency:            domain.USDT,
		Direction:           domain.Inbound,
		CounterpartyAddress: usdtAddr,
		Amount:              decimal.RequireFromString(amount),
		ObservedAt:          now.Add(-age),
		Confirmed:           true,
	}
}

func listing(txs ...domain.NormalizedTransaction) func(int) ([]domain.NormalizedTransaction, error) {
	return func(int) ([]domain.NormalizedTransaction, error) { return txs, nil }
}

func TestReconcile_CreditsMatchedPayment(t *testing.T) {
	e := newEnv(t, fixedPolicy(10))
	p := e.order(t, 100, "5.00")
	e.explorer.fetch = listing(usdtTransfer("0xa", "5.000001", 2*time.Minute))

	res := e.rec.Reconcile(context.Background(), p)
	require.Equal(t, StateDone, res.State, "err: %v", res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "0xa", res.ChainTxID)
	assert.True(t, res.Credited.Equal(decimal.NewFromInt(5)), "credited %s", res.Credited)

	assert.Equal(t, int64(1), e.registryRows(t))
	assert.True(t, e.balance(t, 100).Equal(decimal.NewFromInt(5)))
	assert.Equal(t, ledger.OrderCompleted, e.status(t, p.OrderID))

	history, err := e.ledger.ListStatusHistory(context.Background(), p.OrderID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Contains(t, history[1].Notes, "0xa")
	assert.Contains(t, history[1].Notes, "5.000001")

	txs, err := e.ledger.ListWalletTransactions(context.Background(), 100, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxDeposit, txs[0].TransactionType)
	require.NotNil(t, txs[0].OrderID)
	assert.Equal(t, p.OrderID, *txs[0].OrderID)

	confirmed, alerts := e.notifier.counts()
	assert.Equal(t, 1, confirmed)
	assert.Zero(t, alerts)
	assert.Empty(t, e.sleeps)
}

func TestReconcile_CreditedWhenConfirmationFails(t *testing.T) {
	e := newEnv(t, fixedPolicy(10))
	e.notifier.confirmErr = errors.New("bot was blocked by the user")
	p := e.order(t, 100, "5.00")
	e.explorer.fetch = listing(usdtTransfer("0xa", "5", time.Minute))

	res := e.rec.Reconcile(context.Background(), p)
	require.Equal(t, StateCredited, res.State, "err: %v", res.Err)
	assert.True(t, res.CreditedOK())
	assert.True(t, res.State.Terminal())
	assert.Equal(t, "credited", res.Outcome())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, e.explorer.Calls(), "a credited order is not polled again")
	assert.True(t, e.balance(t, 100).Equal(decimal.NewFromInt(5)))
	assert.Equal(t, ledger.OrderCompleted, e.status(t, p.OrderID))
}

func (e *env) alertMarkers() int {
	e.rec.mu.Lock()
	defer e.rec.mu.Unlock()
	return len(e.rec.alerted)
}

func TestReconcile_AlertMarkerDroppedWhenSettled(t *testing.T) {
	tests := []struct {
		name   string
		settle func(t *testing.T, e *env, p domain.PendingPayment) Result
		want   State
	}{
		{
			name: "late payment credited",
			settle: func(t *testing.T, e *env, p domain.PendingPayment) Result {
				e.explorer.fetch = listing(usdtTransfer("0xlate", "5", time.Minute))
				return e.rec.Reconcile(context.Background(), p)
			},
			want: StateDone,
		},
		{
			name: "closed by hand",
			settle: func(t *testing.T, e *env, p domain.PendingPayment) Result {
				require.NoError(t, e.ledger.SetOrderStatus(context.Background(), p.OrderID, ledger.OrderCancelled, "admin-1", "refunded"))
				return e.rec.CheckOnce(context.Background(), p)
			},
			want: StateClosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, fixedPolicy(2))
			p := e.order(t, 1, "5.00")
			other := e.order(t, 2, "5.00")

			require.Equal(t, StateExhausted, e.rec.Reconcile(context.Background(), p).State)
			require.Equal(t, StateExhausted, e.rec.Reconcile(context.Background(), other).State)
			require.Equal(t, 2, e.alertMarkers())

			assert.Equal(t, tt.want, tt.settle(t, e, p).State)
			assert.Equal(t, 1, e.alertMarkers(), "only the settled order is forgotten")
		})
	}
}

func TestReconcile_ProcessedForAnotherOrder(t *testing.T) {
	e := newEnv(t, fixedPolicy(3))
	first := e.order(t, 100, "5.00")
	second := e.order(t, 200, "5.00")
	e.explorer.fetch = listing(usdtTransfer("0xa", "5.000001", 2*time.Minute))

	require.Equal(t, StateDone, e.rec.Reconcile(context.Background(), first).State)

	res := e.rec.Reconcile(context.Background(), second)
	assert.Equal(t, StateExhausted, res.State)
	assert.True(t, e.balance(t, 200).IsZero())
	assert.Equal(t, ledger.OrderPending, e.status(t, second.OrderID))
	assert.Equal(t, int64(1), e.registryRows(t))
}

func TestReconcile_NoMatchCases(t *testing.T) {
	tests := []struct {
		name string
		tx   domain.NormalizedTransaction
	}{
		{name: "underpaid", tx: usdtTransfer("0xc", "4.99", time.Minute)},
		{name: "stale", tx: usdtTransfer("0xd", "5", 45*time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, fixedPolicy(2))
			p := e.order(t, 1, "5.00")
			e.explorer.fetch = listing(tt.tx)

			res := e.rec.Reconcile(context.Background(), p)
			assert.Equal(t, StateExhausted, res.State)
			assert.NoError(t, res.Err)
			assert.Zero(t, e.registryRows(t))
			assert.True(t, e.balance(t, 1).IsZero())
		})
	}
}

func TestReconcile_TimeoutsExhaustWithOneAlert(t *testing.T) {
	e := newEnv(t, fixedPolicy(10))
	p := e.order(t, 1, "5.00")
	e.explorer.fetch = func(int) ([]domain.NormalizedTransaction, error) {
		return nil, domain.Transient(domain.USDT, 0, context.DeadlineExceeded)
	}

	res := e.rec.Reconcile(context.Background(), p)
	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, 10, res.Attempts)
	assert.ErrorIs(t, res.Err, domain.ErrTransientNetwork)
	assert.Equal(t, 10, e.explorer.Calls())
	assert.Equal(t, ledger.OrderPending, e.status(t, p.OrderID))

	require.Len(t, e.sleeps, 9, "no wait after the last attempt")
	for _, d := range e.sleeps {
		assert.Equal(t, 6*time.Second, d)
	}

	_, alerts := e.notifier.counts()
	assert.Equal(t, 1, alerts)
	assert.Equal(t, 10, e.notifier.alerts[0].Attempts)

	// a later sweep exhausting again does not alert twice
	e.rec.Reconcile(context.Background(), p)
	_, alerts = e.notifier.counts()
	assert.Equal(t, 1, alerts)
}

func TestReconcile_RateLimitBacksOff(t *testing.T) {
	e := newEnv(t, fixedPolicy(5))
	p := e.order(t, 1, "5.00")
	e.explorer.fetch = func(call int) ([]domain.NormalizedTransaction, error) {
		switch call {
		case 1, 2:
			return nil, domain.RateLimited(domain.USDT, 0)
		case 3:
			return nil, domain.RateLimited(domain.USDT, 50*time.Second)
		default:
			return nil, nil
		}
	}

	res := e.rec.Reconcile(context.Background(), p)
	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, []time.Duration{12 * time.Second, 24 * time.Second, 50 * time.Second, 6 * time.Second}, e.sleeps)
}

func TestReconcile_ConcurrentOrdersCreditOnce(t *testing.T) {
	e := newEnv(t, fixedPolicy(3))
	e.explorer.fetch = listing(usdtTransfer("0xshared", "5", time.Minute))

	orders := []domain.PendingPayment{e.order(t, 1, "5.00"), e.order(t, 2, "5.00"), e.order(t, 3, "5.00")}
	results := make([]Result, len(orders))
	var wg sync.WaitGroup
	for i, p := range orders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.rec.Reconcile(context.Background(), p)
		}()
	}
	wg.Wait()

	done := 0
	total := decimal.Zero
	for i, r := range results {
		if r.State == StateDone {
			done++
		}
		total = total.Add(e.balance(t, orders[i].UserID))
	}
	assert.Equal(t, 1, done)
	assert.True(t, total.Equal(decimal.NewFromInt(5)), "one credit in total, got %s", total)
	assert.Equal(t, int64(1), e.registryRows(t))
}

func TestCheckOnce_IdempotentWithoutNewTransactions(t *testing.T) {
	e := newEnv(t, fixedPolicy(10))
	p := e.order(t, 1, "5.00")

	for i := 0; i < 2; i++ {
		res := e.rec.CheckOnce(context.Background(), p)
		assert.Equal(t, StateChecking, res.State)
		assert.NoError(t, res.Err)
	}
	assert.Zero(t, e.registryRows(t))
	assert.True(t, e.balance(t, 1).IsZero())
	_, alerts := e.notifier.counts()
	assert.Zero(t, alerts, "a single check never alerts")
}

func TestCheckOnce_ClosedOrder(t *testing.T) {
	e := newEnv(t, fixedPolicy(10))
	p := e.order(t, 1, "5.00")
	require.NoError(t, e.ledger.SetOrderStatus(context.Background(), p.OrderID, ledger.OrderCompleted, "admin-1", "resolved by hand"))
	e.explorer.fetch = listing(usdtTransfer("0xa", "5", time.Minute))

	res := e.rec.CheckOnce(context.Background(), p)
	assert.Equal(t, StateClosed, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrOrderClosed)
	assert.Zero(t, e.explorer.Calls())
	assert.Zero(t, e.registryRows(t))
}

func TestSettle_RollsBackWhenOrderClosed(t *testing.T) {
	e := newEnv(t, fixedPolicy(1))
	p := e.order(t, 1, "5.00")
	require.NoError(t, e.ledger.TransitionFromPending(context.Background(), p.OrderID, ledger.OrderCancelled, "admin-1", "user gave up"))

	_, err := e.rec.settle(context.Background(), p, usdtTransfer("0xa", "5", time.Minute))
	assert.ErrorIs(t, err, domain.ErrOrderClosed)
	assert.Zero(t, e.registryRows(t), "registry insert must roll back")
	assert.True(t, e.balance(t, 1).IsZero(), "deposit must roll back")
}

func TestReconcile_UnknownCurrency(t *testing.T) {
	e := newEnv(t, fixedPolicy(1))
	p := e.order(t, 1, "5.00")
	p.Currency = domain.SOL
	res := e.rec.CheckOnce(context.Background(), p)
	assert.ErrorIs(t, res.Err, domain.ErrNoExplorer)
	assert.False(t, e.rec.Supports(domain.SOL))
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{Attempts: 10, Interval: 6 * time.Second, MaxInterval: 30 * time.Second, Multiplier: 2}.normalized()
	assert.Equal(t, 6*time.Second, p.Delay(0, 0))
	assert.Equal(t, 12*time.Second, p.Delay(1, 0))
	assert.Equal(t, 24*time.Second, p.Delay(2, 0))
	assert.Equal(t, 30*time.Second, p.Delay(3, 0), "capped")
	assert.Equal(t, 45*time.Second, p.Delay(3, 45*time.Second), "retry-after wins")

	p.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := p.Delay(0, 0)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 9*time.Second)
	}

	d := Policy{}.normalized()
	assert.Equal(t, 10, d.Attempts)
	assert.Equal(t, 6*time.Second, d.Interval)
}
