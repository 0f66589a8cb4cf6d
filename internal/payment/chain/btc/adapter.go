package btc

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"storebot.com/internal/payment/chain/explorer"
	"storebot.com/internal/payment/domain"
)

const DefaultBaseURL = "https://api.blockcypher.com"

type Config struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Token   string `yaml:"token" mapstructure:"token"`
	Address string `yaml:"address" mapstructure:"address"`
	// main or test3
	Network string `yaml:"network" mapstructure:"network"`
}

// Adapter reads a BlockCypher full-address listing. Every output paying the address
// becomes one transaction.
type Adapter struct {
	client  *explorer.Client
	asset   domain.Asset
	baseURL string
	token   string
	chain   string
	params  *chaincfg.Params
}

var _ domain.Explorer = (*Adapter)(nil)

func New(cfg Config, asset domain.Asset, client *explorer.Client) (*Adapter, error) {
	a := &Adapter{
		client:  client,
		asset:   asset,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		chain:   "main",
		params:  &chaincfg.MainNetParams,
	}
	if a.baseURL == "" {
		a.baseURL = DefaultBaseURL
	}
	if cfg.Network == "test3" {
		a.chain = "test3"
		a.params = &chaincfg.TestNet3Params
	}
	if cfg.Address != "" {
		if err := a.ValidateAddress(cfg.Address); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Adapter) Currency() domain.Currency { return domain.BTC }

// ValidateAddress rejects addresses that do not belong to the configured network.
func (a *Adapter) ValidateAddress(addr string) error {
	decoded, err := btcutil.DecodeAddress(addr, a.params)
	if err != nil {
		return fmt.Errorf("btc address %q: %w", addr, err)
	}
	if !decoded.IsForNet(a.params) {
		return fmt.Errorf("btc address %q is not for %s", addr, a.params.Name)
	}
	return nil
}

type addressFull struct {
	Address string `json:"address"`
	Txs     []struct {
		Hash          string         `json:"hash"`
		Confirmed     string         `json:"confirmed"`
		Received      string         `json:"received"`
		Confirmations explorer.Int64 `json:"confirmations"`
		Outputs       []struct {
			Value     explorer.Int64 `json:"value"`
			Addresses []string       `json:"addresses"`
		} `json:"outputs"`
	} `json:"txs"`
}

func (a *Adapter) FetchRecentInbound(ctx context.Context, address string, limit int) ([]domain.NormalizedTransaction, error) {
	if address == "" {
		return nil, domain.Unconfigured(domain.BTC, "receiving address missing")
	}
	if explorer.Placeholder(a.token) {
		return nil, domain.Unconfigured(domain.BTC, "blockcypher token not set")
	}

	q := url.Values{}
	if a.token != "" {
		q.Set("token", a.token)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := fmt.Sprintf("%s/v1/btc/%s/addrs/%s/full?%s", a.baseURL, a.chain, url.PathEscape(address), q.Encode())

	var resp addressFull
	if err := a.client.GetJSON(ctx, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.NormalizedTransaction, 0, len(resp.Txs))
	for _, tx := range resp.Txs {
		if tx.Hash == "" {
			return nil, domain.Format(domain.BTC, fmt.Errorf("transaction without hash"))
		}
		observed, err := observedAt(tx.Confirmed, tx.Received)
		if err != nil {
			return nil, domain.Format(domain.BTC, err)
		}
		paid := 0
		for i, o := range tx.Outputs {
			if !contains(o.Addresses, address) {
				continue
			}
			// first output keeps the bare hash; further outputs get their index
			id := tx.Hash
			if paid > 0 {
				id = fmt.Sprintf("%s:%d", tx.Hash, i)
			}
			paid++
			out = append(out, domain.NormalizedTransaction{
				ChainTxID:           id,
				Currency:            domain.BTC,
				Direction:           domain.Inbound,
				CounterpartyAddress: address,
				Amount:              a.asset.FromMinor(decimal.NewFromInt(int64(o.Value))),
				ObservedAt:          observed,
				Confirmed:           tx.Confirmed != "" && int64(tx.Confirmations) >= max(a.asset.Confirmations, 1),
			})
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// observedAt prefers the block time and falls back to first-seen time for mempool txs.
func observedAt(confirmed, received string) (time.Time, error) {
	v := confirmed
	if v == "" {
		v = received
	}
	if v == "" {
		return time.Time{}, fmt.Errorf("transaction without timestamp")
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
