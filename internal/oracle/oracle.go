package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"storebot.com/pkg/logger"
	"storebot.com/pkg/metrics"
	"storebot.com/pkg/ratelimit"
)

const DefaultBaseURL = "https://api.coingecko.com"

type Source string

const (
	SourceLive     Source = "live"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	// unmapped and no fallback entry
	SourceDefault Source = "default"
)

type Config struct {
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl"`
	// internal symbol -> coingecko id; merged over DefaultIDs
	IDs map[string]string `yaml:"ids" mapstructure:"ids"`
	// USD prices used when the live call fails; merged over DefaultFallback
	Fallback map[string]float64 `yaml:"fallback" mapstructure:"fallback"`
}

func DefaultIDs() map[string]string {
	return map[string]string{
		"btc":      "bitcoin",
		"eth":      "ethereum",
		"usdt":     "tether",
		"sol":      "solana",
		"usdc_sol": "usd-coin",
	}
}

func DefaultFallback() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"btc":      decimal.NewFromInt(60000),
		"eth":      decimal.NewFromInt(3000),
		"usdt":     decimal.NewFromInt(1),
		"sol":      decimal.NewFromInt(100),
		"usdc_sol": decimal.NewFromInt(1),
		"usdt_sol": decimal.NewFromInt(1),
	}
}

type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Source Source          `json:"source"`
}

// Oracle prices assets in USD. It degrades to the fallback table instead of failing.
type Oracle struct {
	baseURL  string
	apiKey   string
	ttl      time.Duration
	ids      map[string]string
	fallback map[string]decimal.Decimal
	http     *http.Client
	cache    Cache
	breakers *ratelimit.Manager
	group    singleflight.Group
}

type Option func(*Oracle)

func WithCache(c Cache) Option { return func(o *Oracle) { o.cache = c } }

func WithHTTPClient(c *http.Client) Option { return func(o *Oracle) { o.http = c } }

// WithBreakers trips the live lookup on repeated failures; key "oracle".
func WithBreakers(m *ratelimit.Manager) Option { return func(o *Oracle) { o.breakers = m } }

func New(cfg Config, opts ...Option) *Oracle {
	o := &Oracle{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		ttl:      cfg.TTL,
		ids:      DefaultIDs(),
		fallback: DefaultFallback(),
	}
	if o.baseURL == "" {
		o.baseURL = DefaultBaseURL
	}
	if o.ttl <= 0 {
		o.ttl = time.Minute
	}
	for k, v := range cfg.IDs {
		o.ids[strings.ToLower(k)] = v
	}
	for k, v := range cfg.Fallback {
		o.fallback[strings.ToLower(k)] = decimal.NewFromFloat(v)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	o.http = &http.Client{Timeout: timeout}
	o.cache = NewMemoryCache()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PriceOf returns USD per unit of symbol. It does not fail for known symbols.
func (o *Oracle) PriceOf(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q, err := o.Quote(ctx, symbol)
	return q.Price, err
}

// QuantityFor converts a USD amount into units of symbol at the current price.
func (o *Oracle) QuantityFor(ctx context.Context, usd decimal.Decimal, symbol string) (decimal.Decimal, error) {
	price, err := o.PriceOf(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s for %s", price, symbol)
	}
	return usd.DivRound(price, 18), nil
}

func (o *Oracle) Quote(ctx context.Context, symbol string) (Quote, error) {
	symbol = strings.ToLower(strings.TrimSpace(symbol))
	if symbol == "" {
		return Quote{}, errors.New("empty symbol")
	}
	if p, ok := o.cache.Get(ctx, symbol); ok {
		return Quote{Symbol: symbol, Price: p, Source: SourceCache}, nil
	}

	id, mapped := o.ids[symbol]
	if mapped {
		v, err, _ := o.group.Do(symbol, func() (interface{}, error) {
			p, err := o.live(ctx, id)
			if err != nil {
				return nil, err
			}
			o.cache.Set(ctx, symbol, p, o.ttl)
			return p, nil
		})
		if err == nil {
			return Quote{Symbol: symbol, Price: v.(decimal.Decimal), Source: SourceLive}, nil
		}
		logger.Warn(ctx, "live price unavailable", zap.String("symbol", symbol), zap.Error(err))
	}

	if p, ok := o.fallback[symbol]; ok {
		metrics.OracleFallback.WithLabelValues(symbol).Inc()
		return Quote{Symbol: symbol, Price: p, Source: SourceFallback}, nil
	}
	logger.Warn(ctx, "no price for symbol, using 1.0", zap.String("symbol", symbol))
	metrics.OracleFallback.WithLabelValues(symbol).Inc()
	return Quote{Symbol: symbol, Price: decimal.NewFromInt(1), Source: SourceDefault}, nil
}

func (o *Oracle) live(ctx context.Context, id string) (decimal.Decimal, error) {
	var price decimal.Decimal
	call := func() error {
		p, err := o.fetch(ctx, id)
		price = p
		return err
	}
	var err error
	if o.breakers != nil {
		err = o.breakers.Do("oracle", call)
	} else {
		err = call()
	}
	return price, err
}

func (o *Oracle) fetch(ctx context.Context, id string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/v3/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")
	if o.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", o.apiKey)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("coingecko %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, err
	}
	var out map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, fmt.Errorf("decode coingecko reply: %w", err)
	}
	p, ok := out[id]["usd"]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("coingecko has no usd price for %s", id)
	}
	return p, nil
}
