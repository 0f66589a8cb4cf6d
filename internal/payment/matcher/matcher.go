package matcher

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"storebot.com/internal/payment/domain"
)

// DefaultWindow is how old a transaction may be and still satisfy an order.
const DefaultWindow = 30 * time.Minute

type Criteria struct {
	Currency         domain.Currency
	ExpectedAmount   decimal.Decimal
	ReceivingAddress string
	Window           time.Duration
	Now              time.Time
	// unconfirmed transactions never match when set
	RequireConfirmed bool
}

// ForPayment builds the criteria for one pending payment.
func ForPayment(p domain.PendingPayment, asset domain.Asset, window time.Duration, now time.Time) Criteria {
	return Criteria{
		Currency:         p.Currency,
		ExpectedAmount:   p.ExpectedAmount,
		ReceivingAddress: p.ReceivingAddress,
		Window:           window,
		Now:              now,
		RequireConfirmed: asset.Confirmations > 0,
	}
}

// FindMatch returns the first transaction, in the given order, that satisfies c and is not
// already processed. Over-payment matches; observed_at exactly Window ago still matches.
func FindMatch(txs []domain.NormalizedTransaction, c Criteria, processed func(domain.NormalizedTransaction) bool) (domain.NormalizedTransaction, bool) {
	window := c.Window
	if window <= 0 {
		window = DefaultWindow
	}
	for _, tx := range txs {
		if tx.Currency != c.Currency {
			continue
		}
		if tx.Direction != domain.Inbound || !SameAddress(c.Currency, tx.CounterpartyAddress, c.ReceivingAddress) {
			continue
		}
		if tx.Amount.LessThan(c.ExpectedAmount) {
			continue
		}
		if c.Now.Sub(tx.ObservedAt) > window {
			continue
		}
		if c.RequireConfirmed && !tx.Confirmed {
			continue
		}
		if processed != nil && processed(tx) {
			continue
		}
		return tx, true
	}
	return domain.NormalizedTransaction{}, false
}

// SameAddress compares hex account addresses case-insensitively. Base58 and exchange
// identifiers are case-sensitive.
func SameAddress(c domain.Currency, a, b string) bool {
	switch c {
	case domain.ETH, domain.USDT:
		return strings.EqualFold(a, b)
	default:
		return a == b
	}
}

// ChainTxIDs lists the ids in txs for a bulk registry lookup.
func ChainTxIDs(txs []domain.NormalizedTransaction) []string {
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ChainTxID)
	}
	return ids
}
