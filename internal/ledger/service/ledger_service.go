package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"storebot.com/internal/ledger/domain"
	"storebot.com/pkg/logger"
	"storebot.com/pkg/xerr"
)

type Config struct {
	// applied to non-crypto orders; crypto deposits carry no commission
	CommissionRate decimal.Decimal
}

func DefaultConfig() Config {
	return Config{CommissionRate: decimal.RequireFromString("0.08")}
}

// LedgerService is the ledger API the rest of the bot talks to.
type LedgerService struct {
	repo domain.Repository
	cfg  Config
}

func NewLedgerService(repo domain.Repository, cfg Config) *LedgerService {
	return &LedgerService{repo: repo, cfg: cfg}
}

func (s *LedgerService) Repo() domain.Repository { return s.repo }

func (s *LedgerService) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.repo.GetBalance(ctx, userID)
}

// Credit applies a positive amount with the sign implied by txType.
func (s *LedgerService) Credit(ctx context.Context, userID int64, amount decimal.Decimal, txType domain.TransactionType, description string) error {
	if !amount.IsPositive() {
		return xerr.New(xerr.RequestParamsError, "amount must be positive")
	}
	delta := amount
	if txType.Sign() < 0 {
		delta = amount.Neg()
	}
	return s.repo.ApplyDelta(ctx, userID, delta, txType, description, nil)
}

// AdminAdjust deposits (amount > 0) or withdraws (amount < 0) on behalf of an operator.
func (s *LedgerService) AdminAdjust(ctx context.Context, userID int64, amount decimal.Decimal, actor, reason string) error {
	txType := domain.TxDeposit
	if amount.IsNegative() {
		txType = domain.TxWithdrawal
	}
	desc := fmt.Sprintf("admin %s: %s", actor, reason)
	if err := s.repo.ApplyDelta(ctx, userID, amount, txType, desc, nil); err != nil {
		return err
	}
	logger.Info(ctx, "admin balance adjustment",
		zap.Int64("user_id", userID),
		zap.String("amount", amount.String()),
		zap.String("actor", actor),
	)
	return nil
}

// CreateOrder computes commission and total and stores a pending order.
func (s *LedgerService) CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if req.UserID == 0 || req.OrderType == "" {
		return nil, xerr.New(xerr.RequestParamsError, "user and order type are required")
	}
	if !req.Amount.IsPositive() {
		return nil, xerr.New(xerr.RequestParamsError, "order amount must be positive")
	}

	order := &domain.Order{
		UserID:        req.UserID,
		OrderType:     req.OrderType,
		ServiceName:   req.ServiceName,
		Amount:        req.Amount,
		Commission:    decimal.Zero,
		PaymentMethod: req.PaymentMethod,
		WalletPayment: req.WalletPayment,
		Status:        domain.OrderPending,
	}
	if !order.IsCrypto() {
		order.Commission = req.Amount.Mul(s.cfg.CommissionRate).Round(2)
	}
	order.TotalAmount = order.Amount.Add(order.Commission)

	err := s.repo.Transaction(ctx, func(txCtx context.Context) error {
		if err := s.repo.EnsureWallet(txCtx, req.UserID, "", ""); err != nil {
			return err
		}
		return s.repo.CreateOrder(txCtx, order)
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_type", order.OrderType),
		zap.String("total", order.TotalAmount.String()),
	)
	return order, nil
}

// PayFromWallet charges a pending order's total to the user's balance and completes it.
func (s *LedgerService) PayFromWallet(ctx context.Context, orderID int64) error {
	return s.repo.Transaction(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetOrder(txCtx, orderID)
		if err != nil {
			return err
		}
		desc := fmt.Sprintf("payment for order #%d", order.ID)
		if err := s.repo.ApplyDelta(txCtx, order.UserID, order.TotalAmount.Neg(), domain.TxPayment, desc, &order.ID); err != nil {
			return err
		}
		return s.repo.TransitionFromPending(txCtx, order.ID, domain.OrderCompleted, domain.ActorSystem, "paid from wallet")
	})
}

func (s *LedgerService) SetOrderStatus(ctx context.Context, orderID int64, status domain.OrderStatus, actor, notes string) error {
	return s.repo.SetOrderStatus(ctx, orderID, status, actor, notes)
}

func (s *LedgerService) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

func (s *LedgerService) GetPendingOrders(ctx context.Context, typePrefix string, limit int) ([]domain.Order, error) {
	return s.repo.GetPendingOrders(ctx, typePrefix, limit)
}

// ListTransactions returns the newest audit rows first.
func (s *LedgerService) ListTransactions(ctx context.Context, userID int64, limit int) ([]domain.WalletTransaction, error) {
	return s.repo.ListWalletTransactions(ctx, userID, limit)
}
