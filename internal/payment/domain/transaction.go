package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// NormalizedTransaction is one transfer as seen by an explorer, recomputed on every poll.
type NormalizedTransaction struct {
	ChainTxID string
	Currency  Currency
	Direction Direction
	// our receiving address for inbound, the destination for outbound
	CounterpartyAddress string
	Amount              decimal.Decimal // asset units
	ObservedAt          time.Time
	Confirmed           bool
}

// PendingPayment is what one order expects to receive.
type PendingPayment struct {
	OrderID          int64
	UserID           int64
	Currency         Currency
	ExpectedAmount   decimal.Decimal // asset units
	USDAmount        decimal.Decimal // value locked at order creation
	ReceivingAddress string
	CreatedAt        time.Time
}

// CreditFor values a received amount at the rate locked when the order was created,
// truncated to cents. An exact payment credits exactly USDAmount.
func (p PendingPayment) CreditFor(received decimal.Decimal) decimal.Decimal {
	if !p.ExpectedAmount.IsPositive() {
		return p.USDAmount
	}
	return received.Mul(p.USDAmount).Div(p.ExpectedAmount).Truncate(2)
}
