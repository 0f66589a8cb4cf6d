package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

const ActorSystem = "system"

// Repository is the ledger store. Every method joins the transaction carried by ctx.
type Repository interface {
	Transaction(ctx context.Context, fn func(txCtx context.Context) error) error

	EnsureWallet(ctx context.Context, userID int64, username, firstName string) error
	GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error)
	// ApplyDelta changes the balance by a signed amount and writes one audit row.
	ApplyDelta(ctx context.Context, userID int64, delta decimal.Decimal, txType TransactionType, description string, orderID *int64) error
	ListWalletTransactions(ctx context.Context, userID int64, limit int) ([]WalletTransaction, error)

	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, orderID int64) (*Order, error)
	SetOrderStatus(ctx context.Context, orderID int64, status OrderStatus, actor, notes string) error
	// TransitionFromPending moves a pending order to status; fails with OrderNotPending otherwise.
	TransitionFromPending(ctx context.Context, orderID int64, status OrderStatus, actor, notes string) error
	GetPendingOrders(ctx context.Context, typePrefix string, limit int) ([]Order, error)
	ListStatusHistory(ctx context.Context, orderID int64) ([]OrderStatusHistory, error)
}
