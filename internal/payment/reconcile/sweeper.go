package reconcile

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	ledger "storebot.com/internal/ledger/domain"
	"storebot.com/internal/payment/domain"
	"storebot.com/pkg/logger"
	"storebot.com/pkg/safe"
	"storebot.com/pkg/xerr"
)

const expiredNote = "expired unpaid"

// Sweeper periodically re-watches pending crypto orders, so restarts and orders whose
// first watch exhausted are picked up again. It also applies the optional order expiry.
type Sweeper struct {
	ledger   ledger.Repository
	requests domain.PaymentRequestRepo
	watcher  *Watcher
	expiry   time.Duration
	limit    int
	now      func() time.Time
	cron     *cron.Cron
}

type SweepStats struct {
	Pending int
	Started int
	Expired int
	Skipped int
}

func NewSweeper(cfg Config, repo ledger.Repository, requests domain.PaymentRequestRepo, watcher *Watcher) *Sweeper {
	l := cronLogger{}
	return &Sweeper{
		ledger:   repo,
		requests: requests,
		watcher:  watcher,
		expiry:   cfg.OrderExpiry,
		limit:    cfg.SweepLimit,
		now:      time.Now,
		cron:     cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l))),
	}
}

// Start schedules Sweep on spec and runs one sweep right away.
func (s *Sweeper) Start(ctx context.Context, spec string) error {
	if _, err := s.cron.AddFunc(spec, func() { s.run(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	safe.GoCtx(ctx, s.run)
	return nil
}

// Stop stops scheduling; the returned context is done when a running sweep finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sweeper) run(ctx context.Context) {
	stats, err := s.Sweep(ctx)
	if err != nil {
		logger.Error(ctx, "sweep failed", zap.Error(err))
		return
	}
	logger.Info(ctx, "sweep done",
		zap.Int("pending", stats.Pending),
		zap.Int("started", stats.Started),
		zap.Int("expired", stats.Expired),
		zap.Int("skipped", stats.Skipped),
	)
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	orders, err := s.ledger.GetPendingOrders(ctx, ledger.CryptoOrderPrefix, s.limit)
	if err != nil {
		return stats, err
	}
	stats.Pending = len(orders)
	now := s.now()

	for _, o := range orders {
		octx := logger.WithFields(ctx, zap.Int64("order_id", o.ID))
		if s.expiry > 0 && now.Sub(o.CreatedAt) > s.expiry {
			err := s.ledger.TransitionFromPending(octx, o.ID, ledger.OrderCancelled, ledger.ActorSystem, expiredNote)
			if err != nil && !xerr.HasCode(err, xerr.OrderNotPending) {
				logger.Warn(octx, "expire order failed", zap.Error(err))
				continue
			}
			s.watcher.Cancel(o.ID)
			stats.Expired++
			continue
		}
		if s.watcher.Watching(o.ID) {
			stats.Skipped++
			continue
		}
		req, err := s.requests.Get(octx, o.ID)
		if err != nil {
			// orders created before payment requests were persisted have nothing to match
			if !xerr.HasCode(err, xerr.RecordNotFound) {
				logger.Warn(octx, "load payment request failed", zap.Error(err))
			}
			stats.Skipped++
			continue
		}
		if s.watcher.Watch(req.Pending()) {
			stats.Started++
		} else {
			stats.Skipped++
		}
	}
	return stats, nil
}

// cronLogger sends robfig/cron's logging through zap.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug(context.Background(), "cron: "+msg, zap.Any("kv", keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error(context.Background(), "cron: "+msg, zap.Error(err), zap.Any("kv", keysAndValues))
}
