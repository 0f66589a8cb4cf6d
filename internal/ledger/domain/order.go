package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
	OrderRejected   OrderStatus = "rejected"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled || s == OrderRejected
}

// CryptoOrderPrefix marks orders whose payment arrives on-chain.
const CryptoOrderPrefix = "crypto_"

type Order struct {
	ID            int64           `gorm:"primaryKey"`
	UserID        int64           `gorm:"index;not null"`
	OrderType     string          `gorm:"type:varchar(64);index;not null"`
	ServiceName   string          `gorm:"type:varchar(128)"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Commission    decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0"`
	TotalAmount   decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Status        OrderStatus     `gorm:"type:varchar(20);index;not null;default:pending"`
	PaymentMethod string          `gorm:"type:varchar(32)"`
	WalletPayment bool
	AdminNotes    string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

func (Order) TableName() string { return "orders" }

func (o *Order) IsCrypto() bool { return strings.HasPrefix(o.OrderType, CryptoOrderPrefix) }

type OrderStatusHistory struct {
	ID        int64       `gorm:"primaryKey"`
	OrderID   int64       `gorm:"index;not null"`
	Status    OrderStatus `gorm:"type:varchar(20);not null"`
	AdminID   string      `gorm:"type:varchar(64)"` // actor: admin id or "system"
	Notes     string      `gorm:"type:text"`
	CreatedAt time.Time
}

func (OrderStatusHistory) TableName() string { return "order_status_history" }

// OrderRequest is what callers pass to create an order.
type OrderRequest struct {
	UserID        int64
	OrderType     string
	ServiceName   string
	Amount        decimal.Decimal
	PaymentMethod string
	WalletPayment bool
}
