package eth

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"storebot.com/internal/payment/chain/explorer"
	"storebot.com/internal/payment/domain"
)

const (
	DefaultBaseURL = "https://api.etherscan.io/api"
	// Tether on Ethereum mainnet
	USDTContract = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
)

type Config struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	// empty omits the chainid parameter
	ChainID string `yaml:"chain_id" mapstructure:"chain_id"`
	// receiving addresses for ETH and USDT, usually the same
	Address     string `yaml:"address" mapstructure:"address"`
	USDTAddress string `yaml:"usdt_address" mapstructure:"usdt_address"`
	Contract    string `yaml:"contract" mapstructure:"contract"`
}

// Adapter reads Etherscan account listings. One instance serves native ETH (txlist)
// or one ERC-20 token (tokentx).
type Adapter struct {
	client   *explorer.Client
	asset    domain.Asset
	currency domain.Currency
	baseURL  string
	apiKey   string
	chainID  string
	contract common.Address
	token    bool
}

var _ domain.Explorer = (*Adapter)(nil)

func NewNative(cfg Config, asset domain.Asset, client *explorer.Client) *Adapter {
	return newAdapter(cfg, domain.ETH, asset, client)
}

// NewToken reads transfers of cfg.Contract, defaulting to USDT.
func NewToken(cfg Config, asset domain.Asset, client *explorer.Client) *Adapter {
	a := newAdapter(cfg, asset.Currency, asset, client)
	a.token = true
	contract := cfg.Contract
	if contract == "" {
		contract = USDTContract
	}
	a.contract = common.HexToAddress(contract)
	return a
}

func newAdapter(cfg Config, c domain.Currency, asset domain.Asset, client *explorer.Client) *Adapter {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Adapter{
		client:   client,
		asset:    asset,
		currency: c,
		baseURL:  base,
		apiKey:   cfg.APIKey,
		chainID:  cfg.ChainID,
	}
}

func (a *Adapter) Currency() domain.Currency { return a.currency }

// ValidateAddress accepts 0x-prefixed 20-byte hex addresses.
func ValidateAddress(addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("eth address %q is not a hex address", addr)
	}
	return nil
}

type envelope struct {
	Status  string    `json:"status"`
	Message string    `json:"message"`
	Result  rawResult `json:"result"`
}

// rawResult defers decoding because Etherscan puts an error string where the list would be.
type rawResult []byte

func (r *rawResult) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

type accountTx struct {
	Hash            string         `json:"hash"`
	From            string         `json:"from"`
	To              string         `json:"to"`
	Value           string         `json:"value"`
	TimeStamp       explorer.Int64 `json:"timeStamp"`
	Confirmations   explorer.Int64 `json:"confirmations"`
	IsError         string         `json:"isError"`
	ContractAddress string         `json:"contractAddress"`
	TokenDecimal    explorer.Int64 `json:"tokenDecimal"`
}

func (a *Adapter) FetchRecentInbound(ctx context.Context, address string, limit int) ([]domain.NormalizedTransaction, error) {
	if address == "" {
		return nil, domain.Unconfigured(a.currency, "receiving address missing")
	}
	if a.apiKey == "" || explorer.Placeholder(a.apiKey) {
		return nil, domain.Unconfigured(a.currency, "etherscan api key not set")
	}
	if err := ValidateAddress(address); err != nil {
		return nil, domain.Unconfigured(a.currency, err.Error())
	}

	var env envelope
	if err := a.client.GetJSON(ctx, a.endpoint(address, limit), nil, &env); err != nil {
		return nil, err
	}
	if env.Status != "1" {
		return nil, a.statusError(env)
	}

	var rows []accountTx
	if err := json.Unmarshal(env.Result, &rows); err != nil {
		return nil, domain.Format(a.currency, fmt.Errorf("decode result: %w", err))
	}

	ours := common.HexToAddress(address)
	out := make([]domain.NormalizedTransaction, 0, len(rows))
	for _, tx := range rows {
		if tx.Hash == "" || tx.TimeStamp == 0 {
			return nil, domain.Format(a.currency, fmt.Errorf("transaction without hash or timestamp"))
		}
		if !common.IsHexAddress(tx.To) || common.HexToAddress(tx.To) != ours {
			continue
		}
		if tx.IsError == "1" {
			continue
		}
		if a.token && common.HexToAddress(tx.ContractAddress) != a.contract {
			continue
		}
		minor, err := decimal.NewFromString(tx.Value)
		if err != nil {
			return nil, domain.Format(a.currency, fmt.Errorf("value %q: %w", tx.Value, err))
		}
		amount := a.asset.FromMinor(minor)
		if a.token && tx.TokenDecimal > 0 && int32(tx.TokenDecimal) != a.asset.Decimals {
			amount = minor.Shift(-int32(tx.TokenDecimal))
		}
		out = append(out, domain.NormalizedTransaction{
			ChainTxID:           tx.Hash,
			Currency:            a.currency,
			Direction:           domain.Inbound,
			CounterpartyAddress: address,
			Amount:              amount,
			ObservedAt:          time.Unix(int64(tx.TimeStamp), 0).UTC(),
			Confirmed:           int64(tx.Confirmations) >= a.asset.Confirmations,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (a *Adapter) endpoint(address string, limit int) string {
	q := url.Values{}
	q.Set("module", "account")
	if a.token {
		q.Set("action", "tokentx")
		q.Set("contractaddress", a.contract.Hex())
	} else {
		q.Set("action", "txlist")
	}
	q.Set("address", address)
	q.Set("startblock", "0")
	q.Set("endblock", "99999999")
	q.Set("sort", "desc")
	if limit > 0 {
		q.Set("page", "1")
		q.Set("offset", strconv.Itoa(limit))
	}
	if a.chainID != "" {
		q.Set("chainid", a.chainID)
	}
	q.Set("apikey", a.apiKey)
	return a.baseURL + "?" + q.Encode()
}

// statusError maps Etherscan's status "0" replies. An empty account is not an error.
func (a *Adapter) statusError(env envelope) error {
	text := strings.ToLower(env.Message + " " + strings.Trim(string(env.Result), `"`))
	switch {
	case strings.Contains(text, "no transactions found"):
		return nil
	case strings.Contains(text, "rate limit"):
		return domain.RateLimited(a.currency, 0)
	case strings.Contains(text, "invalid api key"), strings.Contains(text, "missing/invalid api key"):
		return domain.Unconfigured(a.currency, "etherscan rejected the api key")
	default:
		return domain.Format(a.currency, fmt.Errorf("etherscan status %q: %s", env.Status, env.Message))
	}
}
