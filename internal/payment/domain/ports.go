package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Explorer fetches recent inbound transfers for one currency.
type Explorer interface {
	Currency() Currency
	// FetchRecentInbound returns at most limit transactions, most recent first.
	FetchRecentInbound(ctx context.Context, address string, limit int) ([]NormalizedTransaction, error)
}

// ProcessedTransaction is the append-only record of a credited on-chain transaction.
type ProcessedTransaction struct {
	ID             int64           `gorm:"primaryKey"`
	ChainTxID      string          `gorm:"column:tx_hash;type:varchar(128);not null;uniqueIndex:idx_tx_currency"`
	Currency       Currency        `gorm:"type:varchar(20);not null;uniqueIndex:idx_tx_currency"`
	OrderID        int64           `gorm:"index;not null"`
	Amount         decimal.Decimal `gorm:"type:decimal(36,18);not null"` // received, asset units
	CreditedAmount decimal.Decimal `gorm:"type:decimal(20,8);not null"`  // USD put on the wallet
	ProcessedAt    time.Time       `gorm:"not null"`
}

func (ProcessedTransaction) TableName() string { return "processed_transactions" }

// Registry guarantees at-most-once crediting per (chain tx, currency).
type Registry interface {
	// Record inserts the row; a duplicate returns ErrDuplicateTransaction.
	Record(ctx context.Context, rec *ProcessedTransaction) error
	// Processed returns which of the given ids are already recorded for currency.
	Processed(ctx context.Context, currency Currency, chainTxIDs []string) (map[string]bool, error)
	ListByOrder(ctx context.Context, orderID int64) ([]ProcessedTransaction, error)
}

// PaymentRequest persists a PendingPayment so sweeps and restarts can rebuild it.
type PaymentRequest struct {
	OrderID          int64           `gorm:"primaryKey;autoIncrement:false"`
	UserID           int64           `gorm:"index;not null"`
	Currency         Currency        `gorm:"type:varchar(20);not null"`
	ExpectedAmount   decimal.Decimal `gorm:"type:decimal(36,18);not null"`
	USDAmount        decimal.Decimal `gorm:"column:usd_amount;type:decimal(20,8);not null"`
	ReceivingAddress string          `gorm:"type:varchar(128);not null"`
	CreatedAt        time.Time
}

func (PaymentRequest) TableName() string { return "payment_requests" }

func (r PaymentRequest) Pending() PendingPayment {
	return PendingPayment{
		OrderID:          r.OrderID,
		UserID:           r.UserID,
		Currency:         r.Currency,
		ExpectedAmount:   r.ExpectedAmount,
		USDAmount:        r.USDAmount,
		ReceivingAddress: r.ReceivingAddress,
		CreatedAt:        r.CreatedAt,
	}
}

type PaymentRequestRepo interface {
	Save(ctx context.Context, req *PaymentRequest) error
	Get(ctx context.Context, orderID int64) (*PaymentRequest, error)
}

type Confirmation struct {
	OrderID   int64
	UserID    int64
	Currency  Currency
	ChainTxID string
	Received  decimal.Decimal
	Credited  decimal.Decimal
}

type Alert struct {
	OrderID  int64
	UserID   int64
	Currency Currency
	Expected decimal.Decimal
	Attempts int
	LastErr  error
}

// Notifier tells the bot layer and operators what happened. Failures are logged only.
type Notifier interface {
	PaymentConfirmed(ctx context.Context, c Confirmation) error
	PaymentNotFound(ctx context.Context, a Alert) error
}
