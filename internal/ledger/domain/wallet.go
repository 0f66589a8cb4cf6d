package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxPayment    TransactionType = "payment"
	TxRefund     TransactionType = "refund"
	TxCommission TransactionType = "commission"
)

// Sign is +1 for types that add to a balance and -1 for types that take from it.
func (t TransactionType) Sign() int {
	switch t {
	case TxDeposit, TxRefund:
		return 1
	default:
		return -1
	}
}

func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxPayment, TxRefund, TxCommission:
		return true
	}
	return false
}

// Wallet is one internal USD balance per user.
type Wallet struct {
	UserID    int64           `gorm:"primaryKey;autoIncrement:false"`
	Username  string          `gorm:"type:varchar(64)"`
	FirstName string          `gorm:"type:varchar(128)"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Wallet) TableName() string { return "wallets" }

// WalletTransaction is the audit row written with every balance change.
type WalletTransaction struct {
	ID              int64           `gorm:"primaryKey"`
	UserID          int64           `gorm:"index;not null"`
	TransactionType TransactionType `gorm:"type:varchar(20);not null"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,8);not null"` // signed
	Description     string          `gorm:"type:varchar(255)"`
	OrderID         *int64          `gorm:"index"`
	CreatedAt       time.Time
}

func (WalletTransaction) TableName() string { return "wallet_transactions" }
