package sol

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"storebot.com/internal/payment/chain/explorer"
	"storebot.com/internal/payment/domain"
)

const (
	DefaultBaseURL = "https://public-api.solscan.io"
	DefaultLimit   = 20
)

type Config struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	// sent in the token header when set
	Token   string `yaml:"token" mapstructure:"token"`
	Address string `yaml:"address" mapstructure:"address"`
}

type Adapter struct {
	client  *explorer.Client
	asset   domain.Asset
	baseURL string
	token   string
}

var _ domain.Explorer = (*Adapter)(nil)

func New(cfg Config, asset domain.Asset, client *explorer.Client) (*Adapter, error) {
	if cfg.Address != "" {
		if err := ValidateAddress(cfg.Address); err != nil {
			return nil, err
		}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Adapter{client: client, asset: asset, baseURL: base, token: cfg.Token}, nil
}

func (a *Adapter) Currency() domain.Currency { return domain.SOL }

func ValidateAddress(addr string) error {
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return fmt.Errorf("sol address %q: %w", addr, err)
	}
	return nil
}

type accountTx struct {
	TxHash            string         `json:"txHash"`
	BlockTime         explorer.Int64 `json:"blockTime"`
	Status            string         `json:"status"`
	Lamport           explorer.Int64 `json:"lamport"`
	Signer            []string       `json:"signer"`
	ParsedInstruction []struct {
		Type string `json:"type"`
		Info struct {
			Source      string         `json:"source"`
			Destination string         `json:"destination"`
			Lamports    explorer.Int64 `json:"lamports"`
		} `json:"info"`
	} `json:"parsedInstruction"`
}

// listing is either a bare array or {"success":..,"data":[...]} depending on API version.
type listing []accountTx

func (l *listing) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, (*[]accountTx)(l))
	}
	var wrapped struct {
		Success *bool       `json:"success"`
		Data    []accountTx `json:"data"`
		Errors  struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	if wrapped.Success != nil && !*wrapped.Success {
		return fmt.Errorf("solscan error: %s", wrapped.Errors.Message)
	}
	*l = wrapped.Data
	return nil
}

func (a *Adapter) FetchRecentInbound(ctx context.Context, address string, limit int) ([]domain.NormalizedTransaction, error) {
	if address == "" {
		return nil, domain.Unconfigured(domain.SOL, "receiving address missing")
	}
	if explorer.Placeholder(a.token) {
		return nil, domain.Unconfigured(domain.SOL, "solscan token not set")
	}
	if err := ValidateAddress(address); err != nil {
		return nil, domain.Unconfigured(domain.SOL, err.Error())
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	q := url.Values{}
	q.Set("account", address)
	q.Set("limit", strconv.Itoa(limit))
	header := http.Header{}
	if a.token != "" {
		header.Set("token", a.token)
	}

	var rows listing
	if err := a.client.GetJSON(ctx, a.baseURL+"/account/transactions?"+q.Encode(), header, &rows); err != nil {
		return nil, err
	}

	out := make([]domain.NormalizedTransaction, 0, len(rows))
	for _, tx := range rows {
		// failed and unfinalized transactions never credit
		if tx.Status != "Success" {
			continue
		}
		if tx.TxHash == "" || tx.BlockTime == 0 {
			return nil, domain.Format(domain.SOL, fmt.Errorf("transaction without txHash or blockTime"))
		}
		lamports := received(tx, address)
		if lamports <= 0 {
			continue
		}
		out = append(out, domain.NormalizedTransaction{
			ChainTxID:           tx.TxHash,
			Currency:            domain.SOL,
			Direction:           domain.Inbound,
			CounterpartyAddress: address,
			Amount:              a.asset.FromMinor(decimal.NewFromInt(lamports)),
			ObservedAt:          time.Unix(int64(tx.BlockTime), 0).UTC(),
			Confirmed:           true,
		})
	}
	return out, nil
}

// received returns the lamports tx paid to address. Transactions signed by address are
// outbound and yield zero. Transfer instructions win over the summary lamport field.
func received(tx accountTx, address string) int64 {
	for _, signer := range tx.Signer {
		if signer == address {
			return 0
		}
	}
	if len(tx.ParsedInstruction) == 0 {
		return int64(tx.Lamport)
	}
	var sum int64
	for _, ins := range tx.ParsedInstruction {
		if ins.Type != "transfer" || ins.Info.Source == address {
			continue
		}
		if ins.Info.Destination == address {
			sum += int64(ins.Info.Lamports)
		}
	}
	return sum
}
