package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	ledger "storebot.com/internal/ledger/domain"
	"storebot.com/internal/payment/domain"
	"storebot.com/internal/payment/matcher"
	"storebot.com/pkg/logger"
	"storebot.com/pkg/metrics"
	"storebot.com/pkg/xerr"
	"storebot.com/pkg/xredis"
)

var tracer = otel.Tracer("storebot/reconcile")

type Config struct {
	Retry Policy `yaml:"retry" mapstructure:"retry"`
	// freshness window, inclusive
	Window time.Duration `yaml:"freshness_window" mapstructure:"freshness_window"`
	// transactions requested per poll
	FetchLimit int `yaml:"fetch_limit" mapstructure:"fetch_limit"`
	// per-attempt redis lock; zero uses two request timeouts
	LockTTL time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
	// cron spec for the pending-order sweep, empty disables it
	SweepSpec string `yaml:"sweep_spec" mapstructure:"sweep_spec"`
	// pending crypto orders older than this are cancelled by the sweep; zero disables
	OrderExpiry time.Duration `yaml:"order_expiry" mapstructure:"order_expiry"`
	SweepLimit  int           `yaml:"sweep_limit" mapstructure:"sweep_limit"`
}

func DefaultConfig() Config {
	return Config{
		Retry:      DefaultPolicy(),
		Window:     matcher.DefaultWindow,
		FetchLimit: 50,
		LockTTL:    30 * time.Second,
		SweepSpec:  "@every 5m",
		SweepLimit: 200,
	}
}

type Deps struct {
	Explorers map[domain.Currency]domain.Explorer
	Assets    map[domain.Currency]domain.Asset
	Registry  domain.Registry
	Ledger    ledger.Repository
	Notifier  domain.Notifier
	// nil runs without cross-replica locking
	Locker *xredis.Locker
}

// Reconciler matches pending payments against explorer listings and settles them.
type Reconciler struct {
	cfg       Config
	policy    Policy
	explorers map[domain.Currency]domain.Explorer
	assets    map[domain.Currency]domain.Asset
	registry  domain.Registry
	ledger    ledger.Repository
	notifier  domain.Notifier
	locker    *xredis.Locker

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	alerted map[int64]struct{}
}

func New(cfg Config, deps Deps) *Reconciler {
	if cfg.Window <= 0 {
		cfg.Window = matcher.DefaultWindow
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 50
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	assets := deps.Assets
	if assets == nil {
		assets = domain.DefaultAssets()
	}
	return &Reconciler{
		cfg:       cfg,
		policy:    cfg.Retry.normalized(),
		explorers: deps.Explorers,
		assets:    assets,
		registry:  deps.Registry,
		ledger:    deps.Ledger,
		notifier:  deps.Notifier,
		locker:    deps.Locker,
		now:       time.Now,
		sleep:     sleepCtx,
		alerted:   make(map[int64]struct{}),
	}
}

func (r *Reconciler) Config() Config { return r.cfg }

// Supports reports whether an explorer is wired for c.
func (r *Reconciler) Supports(c domain.Currency) bool {
	_, ok := r.explorers[c]
	return ok
}

// Reconcile polls until a match is settled, the order closes, attempts run out or ctx ends.
// Exhaustion leaves the order pending and raises one operator alert per order.
func (r *Reconciler) Reconcile(ctx context.Context, p domain.PendingPayment) Result {
	ctx = logger.WithFields(ctx, zap.Int64("order_id", p.OrderID), zap.String("currency", string(p.Currency)))
	logger.Info(ctx, "reconcile started", zap.String("expected", p.ExpectedAmount.String()))

	var (
		last    error
		limited int
	)
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		if ctx.Err() != nil {
			return r.finish(ctx, p, Result{State: StateCancelled, Attempts: attempt - 1, Err: last})
		}
		res := r.attempt(ctx, p, attempt)
		res.Attempts = attempt
		if res.CreditedOK() || res.State == StateClosed {
			return r.finish(ctx, p, res)
		}
		if ctx.Err() != nil {
			return r.finish(ctx, p, Result{State: StateCancelled, Attempts: attempt, Err: last})
		}
		last = res.Err

		if errors.Is(res.Err, domain.ErrRateLimited) {
			limited++
		} else {
			limited = 0
		}
		if attempt == r.policy.Attempts {
			break
		}
		if err := r.sleep(ctx, r.policy.Delay(limited, domain.RetryAfter(res.Err))); err != nil {
			return r.finish(ctx, p, Result{State: StateCancelled, Attempts: attempt, Err: last})
		}
	}

	metrics.ReconcileExhausted.WithLabelValues(string(p.Currency)).Inc()
	r.alert(ctx, p, r.policy.Attempts, last)
	return r.finish(ctx, p, Result{State: StateExhausted, Attempts: r.policy.Attempts, Err: last})
}

// CheckOnce runs a single attempt without waiting or alerting.
func (r *Reconciler) CheckOnce(ctx context.Context, p domain.PendingPayment) Result {
	ctx = logger.WithFields(ctx, zap.Int64("order_id", p.OrderID), zap.String("currency", string(p.Currency)))
	res := r.attempt(ctx, p, 1)
	res.Attempts = 1
	res.OrderID = p.OrderID
	res.Finished = r.now()
	r.forget(p.OrderID, res)
	return res
}

func (r *Reconciler) finish(ctx context.Context, p domain.PendingPayment, res Result) Result {
	res.OrderID = p.OrderID
	res.Finished = r.now()
	fields := []zap.Field{zap.String("state", string(res.State)), zap.Int("attempts", res.Attempts)}
	if res.ChainTxID != "" {
		fields = append(fields, zap.String("chain_tx_id", res.ChainTxID), zap.String("credited", res.Credited.String()))
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}
	logger.Info(ctx, "reconcile finished", fields...)
	r.forget(p.OrderID, res)
	return res
}

// forget drops the alert marker once the order can no longer be exhausted.
func (r *Reconciler) forget(orderID int64, res Result) {
	if !res.CreditedOK() && res.State != StateClosed {
		return
	}
	r.mu.Lock()
	delete(r.alerted, orderID)
	r.mu.Unlock()
}

// attempt is one poll. Every failure is absorbed into a checking result carrying Err.
func (r *Reconciler) attempt(ctx context.Context, p domain.PendingPayment, n int) (res Result) {
	ctx, span := tracer.Start(ctx, "reconcile.attempt")
	span.SetAttributes(
		attribute.Int64("order.id", p.OrderID),
		attribute.String("payment.currency", string(p.Currency)),
		attribute.Int("attempt", n),
	)
	defer func() {
		outcome := outcomeLabel(res)
		metrics.ReconcileAttempts.WithLabelValues(string(p.Currency), outcome).Inc()
		span.SetAttributes(attribute.String("outcome", outcome))
		if res.Err != nil && !res.CreditedOK() {
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
	}()

	res.State = StateChecking
	exp, ok := r.explorers[p.Currency]
	if !ok {
		res.Err = fmt.Errorf("%w: %s", domain.ErrNoExplorer, p.Currency)
		return res
	}

	if r.locker != nil {
		lock := r.locker.New(strconv.FormatInt(p.OrderID, 10), r.cfg.LockTTL)
		got, err := lock.TryLock(ctx)
		if err != nil {
			// redis trouble must not stop polling; the registry still guards crediting
			logger.Warn(ctx, "reconcile lock unavailable", zap.Error(err))
		} else if !got {
			res.Err = errLocked
			return res
		} else {
			defer func() {
				if _, err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
					logger.Warn(ctx, "reconcile unlock failed", zap.Error(err))
				}
			}()
		}
	}

	order, err := r.ledger.GetOrder(ctx, p.OrderID)
	if err != nil {
		if xerr.HasCode(err, xerr.RecordNotFound) {
			res.State = StateClosed
		}
		res.Err = err
		return res
	}
	if order.Status != ledger.OrderPending {
		res.State = StateClosed
		res.Err = fmt.Errorf("%w: status %s", domain.ErrOrderClosed, order.Status)
		return res
	}

	txs, err := exp.FetchRecentInbound(ctx, p.ReceivingAddress, r.cfg.FetchLimit)
	if err != nil {
		logger.Warn(ctx, "explorer fetch failed", zap.String("kind", domain.KindOf(err).String()), zap.Error(err))
		res.Err = err
		return res
	}

	processed, err := r.registry.Processed(ctx, p.Currency, matcher.ChainTxIDs(txs))
	if err != nil {
		logger.Warn(ctx, "registry lookup failed", zap.Error(err))
		res.Err = err
		return res
	}
	criteria := matcher.ForPayment(p, r.assets[p.Currency], r.cfg.Window, r.now())
	tx, ok := matcher.FindMatch(txs, criteria, func(tx domain.NormalizedTransaction) bool {
		return processed[tx.ChainTxID]
	})
	if !ok {
		logger.Debug(ctx, "no match", zap.Int("candidates", len(txs)))
		return res
	}

	logger.Info(ctx, "payment matched", zap.String("chain_tx_id", tx.ChainTxID), zap.String("amount", tx.Amount.String()))
	res.State = StateMatched
	credit, err := r.settle(ctx, p, tx)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDuplicateTransaction):
		// another order claimed this payment first
		logger.Info(ctx, "payment claimed elsewhere", zap.String("chain_tx_id", tx.ChainTxID))
		res.State = StateChecking
		res.Err = err
		return res
	case errors.Is(err, domain.ErrOrderClosed):
		res.State = StateClosed
		res.Err = err
		return res
	default:
		logger.Error(ctx, "settlement failed", zap.String("chain_tx_id", tx.ChainTxID), zap.Error(err))
		res.State = StateChecking
		res.Err = err
		return res
	}

	res.State = StateCredited
	res.ChainTxID = tx.ChainTxID
	res.Received = tx.Amount
	res.Credited = credit
	metrics.ReconcileCredits.WithLabelValues(string(p.Currency)).Inc()
	if r.confirm(ctx, p, res) {
		res.State = StateDone
	}
	return res
}

// settle applies a match as one database transaction: registry row, wallet deposit,
// then the pending to completed transition. Any failure rolls back all three.
func (r *Reconciler) settle(ctx context.Context, p domain.PendingPayment, tx domain.NormalizedTransaction) (decimal.Decimal, error) {
	credit := p.CreditFor(tx.Amount)
	if !credit.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: credit %s for %s", domain.ErrLedgerWrite, credit, tx.Amount)
	}
	orderID := p.OrderID
	note := fmt.Sprintf("paid by %s tx %s amount %s, credited %s USD", p.Currency, tx.ChainTxID, tx.Amount, credit.StringFixed(2))

	err := r.ledger.Transaction(ctx, func(txCtx context.Context) error {
		rec := &domain.ProcessedTransaction{
			ChainTxID:      tx.ChainTxID,
			Currency:       p.Currency,
			OrderID:        p.OrderID,
			Amount:         tx.Amount,
			CreditedAmount: credit,
			ProcessedAt:    r.now().UTC(),
		}
		if err := r.registry.Record(txCtx, rec); err != nil {
			return err
		}
		desc := fmt.Sprintf("crypto deposit %s order #%d", p.Currency, p.OrderID)
		if err := r.ledger.ApplyDelta(txCtx, p.UserID, credit, ledger.TxDeposit, desc, &orderID); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrLedgerWrite, err)
		}
		err := r.ledger.TransitionFromPending(txCtx, p.OrderID, ledger.OrderCompleted, ledger.ActorSystem, note)
		if xerr.HasCode(err, xerr.OrderNotPending) || xerr.HasCode(err, xerr.RecordNotFound) {
			return fmt.Errorf("%w: %w", domain.ErrOrderClosed, err)
		}
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrLedgerWrite, err)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return credit, nil
}

// confirm reports whether the user was told about the credit.
func (r *Reconciler) confirm(ctx context.Context, p domain.PendingPayment, res Result) bool {
	if r.notifier == nil {
		return true
	}
	err := r.notifier.PaymentConfirmed(ctx, domain.Confirmation{
		OrderID:   p.OrderID,
		UserID:    p.UserID,
		Currency:  p.Currency,
		ChainTxID: res.ChainTxID,
		Received:  res.Received,
		Credited:  res.Credited,
	})
	if err != nil {
		logger.Warn(ctx, "confirmation notify failed", zap.Error(err))
		return false
	}
	return true
}

// alert sends the exhaustion alert once per order for the lifetime of the process.
func (r *Reconciler) alert(ctx context.Context, p domain.PendingPayment, attempts int, last error) {
	r.mu.Lock()
	_, done := r.alerted[p.OrderID]
	r.alerted[p.OrderID] = struct{}{}
	r.mu.Unlock()
	if done {
		logger.Debug(ctx, "exhaustion already alerted")
		return
	}
	logger.Warn(ctx, "payment not found, needs manual review", zap.Int("attempts", attempts), zap.Error(last))
	if r.notifier == nil {
		return
	}
	err := r.notifier.PaymentNotFound(ctx, domain.Alert{
		OrderID:  p.OrderID,
		UserID:   p.UserID,
		Currency: p.Currency,
		Expected: p.ExpectedAmount,
		Attempts: attempts,
		LastErr:  last,
	})
	if err != nil {
		logger.Warn(ctx, "alert notify failed", zap.Error(err))
	}
}

var errLocked = errors.New("order is being checked by another replica")

func outcomeLabel(res Result) string {
	switch {
	case res.CreditedOK():
		return "credited"
	case res.State == StateClosed:
		return "closed"
	case res.Err == nil:
		return "no_match"
	case errors.Is(res.Err, errLocked):
		return "locked"
	case errors.Is(res.Err, domain.ErrDuplicateTransaction):
		return "duplicate"
	case errors.Is(res.Err, domain.ErrLedgerWrite):
		return "ledger_error"
	case errors.Is(res.Err, domain.ErrNoExplorer):
		return "no_explorer"
	default:
		var ee *domain.ExplorerError
		if errors.As(res.Err, &ee) {
			return ee.Kind.String()
		}
		return "error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
