package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	ledgerdb "storebot.com/internal/ledger/persistence"
	ledgersvc "storebot.com/internal/ledger/service"
	"storebot.com/internal/notify"
	"storebot.com/internal/oracle"
	"storebot.com/internal/payment/chain/btc"
	"storebot.com/internal/payment/chain/bybit"
	"storebot.com/internal/payment/chain/eth"
	"storebot.com/internal/payment/chain/explorer"
	"storebot.com/internal/payment/chain/sol"
	"storebot.com/internal/payment/domain"
	"storebot.com/internal/payment/httpapi"
	paymentdb "storebot.com/internal/payment/persistence"
	"storebot.com/internal/payment/reconcile"
	"storebot.com/internal/payment/service"
	"storebot.com/pkg/logger"
	"storebot.com/pkg/metrics"
	"storebot.com/pkg/orm"
	"storebot.com/pkg/ratelimit"
	"storebot.com/pkg/safe"
	"storebot.com/pkg/xredis"
)

// App owns every long-lived component of the reconciler process.
type App struct {
	cfg *Config
	db  *gorm.DB
	rdb *redis.Client

	Assets     map[domain.Currency]domain.Asset
	Reconciler *reconcile.Reconciler
	Watcher    *reconcile.Watcher
	Sweeper    *reconcile.Sweeper
	Payments   *service.PaymentService
	Ledger     *ledgersvc.LedgerService
	Oracle     *oracle.Oracle
	Router     http.Handler

	httpSrv    *http.Server
	metricsSrv *http.Server
}

// New builds the component graph. db must be open; rdb may be nil.
func New(ctx context.Context, cfg *Config, db *gorm.DB, rdb *redis.Client) (*App, error) {
	if err := db.AutoMigrate(append(ledgerdb.Models(), paymentdb.Models()...)...); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, db: db, rdb: rdb}

	assets, err := buildAssets(cfg.Assets)
	if err != nil {
		return nil, err
	}
	a.Assets = assets

	breakers := newBreakers(cfg.Breakers)
	explorers, addresses, err := buildExplorers(cfg.Explorers, assets, breakers)
	if err != nil {
		return nil, err
	}
	for c, addr := range cfg.Payment.Addresses {
		if addr != "" {
			addresses[c] = addr
		}
	}

	notifier := notify.Multi{notify.Log{}}
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Telegram)
		if err != nil {
			return nil, err
		}
		notifier = append(notifier, tg)
	}

	oracleOpts := []oracle.Option{oracle.WithBreakers(breakers)}
	var locker *xredis.Locker
	if rdb != nil {
		oracleOpts = append(oracleOpts, oracle.WithCache(oracle.NewRedisCache(rdb)))
		locker = xredis.NewLocker(rdb, "reconcile:lock:")
	}
	a.Oracle = oracle.New(cfg.Oracle, oracleOpts...)

	ledgerRepo := ledgerdb.New(db)
	registry := paymentdb.NewRegistry(db)
	requests := paymentdb.NewRequestRepo(db)
	a.Ledger = ledgersvc.NewLedgerService(ledgerRepo, ledgersvc.DefaultConfig())

	a.Reconciler = reconcile.New(cfg.Reconcile, reconcile.Deps{
		Explorers: explorers,
		Assets:    assets,
		Registry:  registry,
		Ledger:    ledgerRepo,
		Notifier:  notifier,
		Locker:    locker,
	})
	a.Watcher = reconcile.NewWatcher(a.Reconciler)
	if cfg.Reconcile.SweepSpec != "" {
		a.Sweeper = reconcile.NewSweeper(cfg.Reconcile, ledgerRepo, requests, a.Watcher)
	}

	payCfg := cfg.Payment
	payCfg.Addresses = addresses
	a.Payments = service.NewPaymentService(payCfg, service.Deps{
		Ledger:   a.Ledger,
		Requests: requests,
		Registry: registry,
		Pricer:   a.Oracle,
		Checker:  a.Reconciler,
		Watcher:  a.Watcher,
		Assets:   assets,
	})

	h := httpapi.NewHandler(a.Payments, a.Oracle, a.Ledger, a.health)
	a.Router = httpapi.NewRouter(ctx, cfg.HTTP, h)

	logger.Info(ctx, "reconciler wired",
		zap.Int("explorers", len(explorers)),
		zap.Any("currencies", a.Payments.Currencies()),
		zap.Bool("redis", rdb != nil),
		zap.Bool("telegram", cfg.Telegram.Enabled),
	)
	return a, nil
}

// Start launches the sweeper, pool observers and the listeners. It does not block.
func (a *App) Start(ctx context.Context) error {
	every := a.cfg.Metrics.Every
	if every <= 0 {
		every = 15 * time.Second
	}
	if sqlDB, err := a.db.DB(); err == nil {
		metrics.ObserveDB(ctx, sqlDB, every)
	}
	if a.rdb != nil {
		metrics.ObserveRedis(ctx, a.rdb, every)
	}

	if a.Sweeper != nil {
		if err := a.Sweeper.Start(ctx, a.cfg.Reconcile.SweepSpec); err != nil {
			return err
		}
	}

	if a.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsSrv = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		a.serve(ctx, "metrics", a.metricsSrv)
	}
	a.httpSrv = httpapi.NewServer(a.cfg.HTTP, a.Router)
	a.serve(ctx, "http", a.httpSrv)
	return nil
}

func (a *App) serve(ctx context.Context, name string, srv *http.Server) {
	safe.Go(func() {
		logger.Info(ctx, "listener started", zap.String("name", name), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "listener failed", zap.String("name", name), zap.Error(err))
		}
	})
}

// Shutdown stops intake first and then waits for in-flight reconciliations.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	for _, srv := range []*http.Server{a.httpSrv, a.metricsSrv} {
		if srv != nil {
			errs = append(errs, srv.Shutdown(ctx))
		}
	}
	if a.Sweeper != nil {
		select {
		case <-a.Sweeper.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	errs = append(errs, a.Watcher.Shutdown(ctx))
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if sqlDB, err := a.db.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	return errors.Join(errs...)
}

func (a *App) health(ctx context.Context) error {
	if err := orm.Ping(ctx, a.db, time.Second); err != nil {
		return err
	}
	if a.rdb != nil {
		return a.rdb.Ping(ctx).Err()
	}
	return nil
}

func buildAssets(overrides map[domain.Currency]AssetOverride) (map[domain.Currency]domain.Asset, error) {
	assets := domain.DefaultAssets()
	for c, o := range overrides {
		asset, ok := assets[domain.Currency(strings.ToLower(string(c)))]
		if !ok {
			return nil, errors.New("assets: unknown currency " + string(c))
		}
		if o.MinAmount != "" {
			v, err := decimal.NewFromString(o.MinAmount)
			if err != nil {
				return nil, err
			}
			asset.MinAmount = v
		}
		if o.Confirmations != nil {
			asset.Confirmations = *o.Confirmations
		}
		if o.PriceSymbol != "" {
			asset.PriceSymbol = o.PriceSymbol
		}
		assets[asset.Currency] = asset
	}
	return assets, nil
}

func newBreakers(cfg BreakersConfig) *ratelimit.Manager {
	return ratelimit.NewManager(cfg.Default, cfg.PerKey, explorer.BreakerSuccess)
}

func usable(addr string) bool {
	return strings.TrimSpace(addr) != "" && !explorer.Placeholder(addr)
}

// buildExplorers creates an adapter for every currency with a usable receiving address
// and returns those addresses.
func buildExplorers(cfg ExplorersConfig, assets map[domain.Currency]domain.Asset, breakers *ratelimit.Manager) (map[domain.Currency]domain.Explorer, map[domain.Currency]string, error) {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 4
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	opts := explorer.Options{
		Timeout:  cfg.Timeout,
		Limiter:  ratelimit.NewStore(rate.Limit(rps), burst, time.Hour),
		Breakers: breakers,
	}
	client := func(c domain.Currency) *explorer.Client { return explorer.New(c, opts) }

	explorers := make(map[domain.Currency]domain.Explorer)
	addresses := make(map[domain.Currency]string)

	if usable(cfg.BTC.Address) {
		a, err := btc.New(cfg.BTC, assets[domain.BTC], client(domain.BTC))
		if err != nil {
			return nil, nil, err
		}
		explorers[domain.BTC] = a
		addresses[domain.BTC] = cfg.BTC.Address
	}
	if usable(cfg.ETH.Address) {
		if err := eth.ValidateAddress(cfg.ETH.Address); err != nil {
			return nil, nil, err
		}
		explorers[domain.ETH] = eth.NewNative(cfg.ETH, assets[domain.ETH], client(domain.ETH))
		addresses[domain.ETH] = cfg.ETH.Address
	}
	usdtAddr := cfg.ETH.USDTAddress
	if usdtAddr == "" {
		usdtAddr = cfg.ETH.Address
	}
	if usable(usdtAddr) {
		if err := eth.ValidateAddress(usdtAddr); err != nil {
			return nil, nil, err
		}
		explorers[domain.USDT] = eth.NewToken(cfg.ETH, assets[domain.USDT], client(domain.USDT))
		addresses[domain.USDT] = usdtAddr
	}
	if usable(cfg.SOL.Address) {
		a, err := sol.New(cfg.SOL, assets[domain.SOL], client(domain.SOL))
		if err != nil {
			return nil, nil, err
		}
		explorers[domain.SOL] = a
		addresses[domain.SOL] = cfg.SOL.Address
	}
	if usable(cfg.Bybit.UID) && cfg.Bybit.APIKey != "" {
		explorers[domain.InternalTransfer] = bybit.New(cfg.Bybit, client(domain.InternalTransfer))
		addresses[domain.InternalTransfer] = cfg.Bybit.UID
	}
	return explorers, addresses, nil
}
