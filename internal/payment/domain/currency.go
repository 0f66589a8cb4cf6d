package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	BTC  Currency = "btc"
	ETH  Currency = "eth"
	USDT Currency = "usdt" // ERC-20
	SOL  Currency = "sol"
	// InternalTransfer is USDT moved between accounts of the same exchange.
	InternalTransfer Currency = "bybit_usdt"
)

var AllCurrencies = []Currency{BTC, ETH, USDT, SOL, InternalTransfer}

func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllCurrencies {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unsupported currency %q", s)
}

// OrderType is the ledger order type used for crypto deposits in c.
func (c Currency) OrderType() string { return "crypto_" + string(c) }

// Asset is the per-currency configuration the adapters and matcher rely on.
type Asset struct {
	Currency Currency
	// minor-unit scale: 8 for BTC, 18 for ETH, 6 for USDT, 9 for SOL
	Decimals int32
	// smallest payment accepted for an order
	MinAmount decimal.Decimal
	// 0 means unconfirmed transactions are acceptable
	Confirmations int64
	// symbol the price oracle knows this asset by
	PriceSymbol string
}

// FromMinor converts an integer amount in minor units to asset units.
func (a Asset) FromMinor(minor decimal.Decimal) decimal.Decimal {
	return minor.Shift(-a.Decimals)
}

// RoundUp rounds a quantity up to the asset's precision so the payer never sends too little.
func (a Asset) RoundUp(q decimal.Decimal) decimal.Decimal {
	return q.RoundCeil(a.Decimals)
}

// DefaultAssets mirrors the production constants.
func DefaultAssets() map[Currency]Asset {
	return map[Currency]Asset{
		BTC:              {Currency: BTC, Decimals: 8, MinAmount: decimal.RequireFromString("0.0001"), Confirmations: 1, PriceSymbol: "btc"},
		ETH:              {Currency: ETH, Decimals: 18, MinAmount: decimal.RequireFromString("0.001"), Confirmations: 1, PriceSymbol: "eth"},
		USDT:             {Currency: USDT, Decimals: 6, MinAmount: decimal.NewFromInt(5), Confirmations: 1, PriceSymbol: "usdt"},
		SOL:              {Currency: SOL, Decimals: 9, MinAmount: decimal.RequireFromString("0.01"), Confirmations: 1, PriceSymbol: "sol"},
		InternalTransfer: {Currency: InternalTransfer, Decimals: 6, MinAmount: decimal.NewFromInt(5), Confirmations: 0, PriceSymbol: "usdt"},
	}
}
