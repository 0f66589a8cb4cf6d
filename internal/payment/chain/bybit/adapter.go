package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"storebot.com/internal/payment/chain/explorer"
	"storebot.com/internal/payment/domain"
)

const (
	DefaultBaseURL = "https://api.bybit.com"
	transferPath   = "/v2/private/wallet/transfer/query"
	DefaultLimit   = 50
)

type Config struct {
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	// our account UID, used as the receiving address
	UID string `yaml:"uid" mapstructure:"uid"`
}

// Adapter lists USDT transfers received by our exchange account from other accounts.
type Adapter struct {
	client  *explorer.Client
	baseURL string
	apiKey  string
	secret  string
	now     func() time.Time
}

var _ domain.Explorer = (*Adapter)(nil)

func New(cfg Config, client *explorer.Client) *Adapter {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Adapter{client: client, baseURL: base, apiKey: cfg.APIKey, secret: cfg.SecretKey, now: time.Now}
}

func (a *Adapter) Currency() domain.Currency { return domain.InternalTransfer }

type transferReply struct {
	RetCode explorer.Int64 `json:"ret_code"`
	RetMsg  string         `json:"ret_msg"`
	Result  struct {
		Data []struct {
			ID            string           `json:"id"`
			Type          string           `json:"type"`
			Coin          string           `json:"coin"`
			ToAccountType string           `json:"to_account_type"`
			ToMemberID    explorer.Int64   `json:"to_member_id"`
			Amount        explorer.Decimal `json:"amount"`
			Timestamp     explorer.Int64   `json:"timestamp"`
		} `json:"data"`
	} `json:"result"`
}

func (a *Adapter) FetchRecentInbound(ctx context.Context, address string, limit int) ([]domain.NormalizedTransaction, error) {
	if address == "" {
		return nil, domain.Unconfigured(domain.InternalTransfer, "account uid missing")
	}
	if a.apiKey == "" || a.secret == "" || explorer.Placeholder(a.apiKey) || explorer.Placeholder(a.secret) {
		return nil, domain.Unconfigured(domain.InternalTransfer, "bybit api credentials not set")
	}
	if limit <= 0 || limit > DefaultLimit {
		limit = DefaultLimit
	}

	params := map[string]string{
		"api_key":   a.apiKey,
		"timestamp": strconv.FormatInt(a.now().UnixMilli(), 10),
		"coin":      "USDT",
		"limit":     strconv.Itoa(limit),
	}
	query := Sign(a.secret, params)

	var reply transferReply
	if err := a.client.GetJSON(ctx, a.baseURL+transferPath+"?"+query, nil, &reply); err != nil {
		return nil, err
	}
	if reply.RetCode != 0 {
		return nil, retCodeError(int64(reply.RetCode), reply.RetMsg)
	}

	out := make([]domain.NormalizedTransaction, 0, len(reply.Result.Data))
	for _, tr := range reply.Result.Data {
		if tr.Type != "IN" || tr.ToAccountType != "UNIFIED" {
			continue
		}
		if tr.Coin != "" && !strings.EqualFold(tr.Coin, "USDT") {
			continue
		}
		// older replies omit the receiving member; those are ours by construction
		if tr.ToMemberID != 0 && strconv.FormatInt(int64(tr.ToMemberID), 10) != address {
			continue
		}
		if tr.ID == "" || !tr.Amount.Valid || tr.Timestamp == 0 {
			return nil, domain.Format(domain.InternalTransfer, fmt.Errorf("transfer without id, amount or timestamp"))
		}
		out = append(out, domain.NormalizedTransaction{
			ChainTxID:           tr.ID,
			Currency:            domain.InternalTransfer,
			Direction:           domain.Inbound,
			CounterpartyAddress: address,
			Amount:              tr.Amount.Decimal,
			ObservedAt:          time.UnixMilli(int64(tr.Timestamp)).UTC(),
			Confirmed:           true,
		})
	}
	return out, nil
}

// Sign returns the query string with params sorted by key and the HMAC-SHA256 hex
// signature of that string appended as sign.
func Sign(secret string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(b.String()))
	return b.String() + "&sign=" + hex.EncodeToString(mac.Sum(nil))
}

func retCodeError(code int64, msg string) error {
	switch code {
	case 10006, 10018:
		return domain.RateLimited(domain.InternalTransfer, 0)
	case 10003, 10004, 10005:
		return domain.Unconfigured(domain.InternalTransfer, fmt.Sprintf("bybit rejected credentials: %d %s", code, msg))
	default:
		return domain.Format(domain.InternalTransfer, fmt.Errorf("bybit ret_code %d: %s", code, msg))
	}
}
