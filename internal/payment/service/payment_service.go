package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	ledger "storebot.com/internal/ledger/domain"
	ledgersvc "storebot.com/internal/ledger/service"
	"storebot.com/internal/payment/domain"
	"storebot.com/internal/payment/reconcile"
	"storebot.com/pkg/logger"
	"storebot.com/pkg/xerr"
)

type Config struct {
	// smallest order in USD
	MinUSD float64 `yaml:"min_crypto_usd" mapstructure:"min_crypto_usd"`
	// receiving address or account per currency; a currency without one is not offered
	Addresses map[domain.Currency]string `yaml:"addresses" mapstructure:"addresses"`
}

type Pricer interface {
	QuantityFor(ctx context.Context, usd decimal.Decimal, symbol string) (decimal.Decimal, error)
}

type Checker interface {
	CheckOnce(ctx context.Context, p domain.PendingPayment) reconcile.Result
	Supports(c domain.Currency) bool
}

type Watcher interface {
	Watch(p domain.PendingPayment) bool
	Cancel(orderID int64) bool
	Watching(orderID int64) bool
}

type Deps struct {
	Ledger   *ledgersvc.LedgerService
	Requests domain.PaymentRequestRepo
	Registry domain.Registry
	Pricer   Pricer
	Checker  Checker
	Watcher  Watcher
	Assets   map[domain.Currency]domain.Asset
}

// PaymentService creates crypto deposit orders and exposes their reconciliation.
type PaymentService struct {
	ledger    *ledgersvc.LedgerService
	requests  domain.PaymentRequestRepo
	registry  domain.Registry
	pricer    Pricer
	checker   Checker
	watcher   Watcher
	assets    map[domain.Currency]domain.Asset
	addresses map[domain.Currency]string
	minUSD    decimal.Decimal
	now       func() time.Time
}

func NewPaymentService(cfg Config, deps Deps) *PaymentService {
	minUSD := decimal.NewFromFloat(cfg.MinUSD)
	if !minUSD.IsPositive() {
		minUSD = decimal.NewFromInt(5)
	}
	assets := deps.Assets
	if assets == nil {
		assets = domain.DefaultAssets()
	}
	return &PaymentService{
		ledger:    deps.Ledger,
		requests:  deps.Requests,
		registry:  deps.Registry,
		pricer:    deps.Pricer,
		checker:   deps.Checker,
		watcher:   deps.Watcher,
		assets:    assets,
		addresses: cfg.Addresses,
		minUSD:    minUSD,
		now:       time.Now,
	}
}

// CryptoOrder is what the bot shows the user: send Expected of Currency to Address.
type CryptoOrder struct {
	OrderID   int64           `json:"order_id"`
	UserID    int64           `json:"user_id"`
	Currency  domain.Currency `json:"currency"`
	USDAmount decimal.Decimal `json:"usd_amount"`
	Expected  decimal.Decimal `json:"expected_amount"`
	Address   string          `json:"receiving_address"`
	Watching  bool            `json:"watching"`
}

// Currencies lists what can be paid with right now.
func (s *PaymentService) Currencies() []domain.Currency {
	var out []domain.Currency
	for _, c := range domain.AllCurrencies {
		if s.available(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *PaymentService) available(c domain.Currency) bool {
	return s.addresses[c] != "" && s.checker.Supports(c)
}

func (s *PaymentService) CreateCryptoOrder(ctx context.Context, userID int64, usd decimal.Decimal, currency string) (*CryptoOrder, error) {
	c, err := domain.ParseCurrency(currency)
	if err != nil {
		return nil, xerr.Wrap(xerr.RequestParamsError, "unsupported currency", err)
	}
	if !s.available(c) {
		return nil, xerr.New(xerr.RequestParamsError, fmt.Sprintf("currency %s is not available", c))
	}
	if userID == 0 {
		return nil, xerr.New(xerr.RequestParamsError, "user is required")
	}
	if usd.LessThan(s.minUSD) {
		return nil, xerr.New(xerr.RequestParamsError, fmt.Sprintf("minimum is %s USD", s.minUSD.StringFixed(2)))
	}
	usd = usd.Round(2)

	asset := s.assets[c]
	qty, err := s.pricer.QuantityFor(ctx, usd, asset.PriceSymbol)
	if err != nil {
		return nil, xerr.Wrap(xerr.UpstreamError, "price lookup failed", err)
	}
	expected := asset.RoundUp(qty)
	if expected.LessThan(asset.MinAmount) {
		return nil, xerr.New(xerr.RequestParamsError, fmt.Sprintf("minimum for %s is %s", c, asset.MinAmount))
	}

	req := &domain.PaymentRequest{
		UserID:           userID,
		Currency:         c,
		ExpectedAmount:   expected,
		USDAmount:        usd,
		ReceivingAddress: s.addresses[c],
		CreatedAt:        s.now().UTC(),
	}
	err = s.ledger.Repo().Transaction(ctx, func(txCtx context.Context) error {
		order, err := s.ledger.CreateOrder(txCtx, ledger.OrderRequest{
			UserID:        userID,
			OrderType:     c.OrderType(),
			ServiceName:   "crypto deposit",
			Amount:        usd,
			PaymentMethod: string(c),
		})
		if err != nil {
			return err
		}
		req.OrderID = order.ID
		return s.requests.Save(txCtx, req)
	})
	if err != nil {
		return nil, err
	}

	watching := s.watcher.Watch(req.Pending())
	logger.Info(ctx, "crypto order created",
		zap.Int64("order_id", req.OrderID),
		zap.Int64("user_id", userID),
		zap.String("currency", string(c)),
		zap.String("usd", usd.StringFixed(2)),
		zap.String("expected", expected.String()),
	)
	return &CryptoOrder{
		OrderID:   req.OrderID,
		UserID:    userID,
		Currency:  c,
		USDAmount: usd,
		Expected:  expected,
		Address:   req.ReceivingAddress,
		Watching:  watching,
	}, nil
}

// CheckNow runs one reconciliation attempt immediately.
func (s *PaymentService) CheckNow(ctx context.Context, orderID int64) (reconcile.Result, error) {
	req, err := s.requests.Get(ctx, orderID)
	if err != nil {
		return reconcile.Result{}, err
	}
	res := s.checker.CheckOnce(ctx, req.Pending())
	if res.CreditedOK() || res.State == reconcile.StateClosed {
		s.watcher.Cancel(orderID)
	}
	return res, nil
}

// CancelWatch stops background polling; the order itself is left as it is.
func (s *PaymentService) CancelWatch(ctx context.Context, orderID int64) (bool, error) {
	if _, err := s.requests.Get(ctx, orderID); err != nil {
		return false, err
	}
	return s.watcher.Cancel(orderID), nil
}

type OrderView struct {
	Order     *ledger.Order                 `json:"order"`
	Request   *domain.PaymentRequest        `json:"payment_request,omitempty"`
	Processed []domain.ProcessedTransaction `json:"processed_transactions"`
	Watching  bool                          `json:"watching"`
}

func (s *PaymentService) GetOrder(ctx context.Context, orderID int64) (*OrderView, error) {
	order, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	view := &OrderView{Order: order, Watching: s.watcher.Watching(orderID)}
	req, err := s.requests.Get(ctx, orderID)
	switch {
	case err == nil:
		view.Request = req
	case !xerr.HasCode(err, xerr.RecordNotFound):
		return nil, err
	}
	view.Processed, err = s.registry.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return view, nil
}
