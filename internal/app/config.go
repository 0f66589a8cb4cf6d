package app

import (
	"time"

	"storebot.com/internal/notify"
	"storebot.com/internal/oracle"
	"storebot.com/internal/payment/chain/btc"
	"storebot.com/internal/payment/chain/bybit"
	"storebot.com/internal/payment/chain/eth"
	"storebot.com/internal/payment/chain/sol"
	"storebot.com/internal/payment/domain"
	"storebot.com/internal/payment/httpapi"
	"storebot.com/internal/payment/reconcile"
	"storebot.com/internal/payment/service"
	"storebot.com/pkg/orm"
	"storebot.com/pkg/ratelimit"
	"storebot.com/pkg/trace"
	"storebot.com/pkg/xredis"
)

type Config struct {
	Name    string         `yaml:"name" mapstructure:"name"`
	Log     LogConfig      `yaml:"log" mapstructure:"log"`
	DB      orm.Config     `yaml:"db" mapstructure:"db"`
	Redis   xredis.Config  `yaml:"redis" mapstructure:"redis"`
	Trace   trace.Config   `yaml:"trace" mapstructure:"trace"`
	HTTP    httpapi.Config `yaml:"http" mapstructure:"http"`
	Metrics MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`

	Explorers ExplorersConfig                   `yaml:"explorers" mapstructure:"explorers"`
	Breakers  BreakersConfig                    `yaml:"breakers" mapstructure:"breakers"`
	Assets    map[domain.Currency]AssetOverride `yaml:"assets" mapstructure:"assets"`
	Reconcile reconcile.Config                  `yaml:"reconcile" mapstructure:"reconcile"`
	Oracle    oracle.Config                     `yaml:"oracle" mapstructure:"oracle"`
	Telegram  notify.TelegramConfig             `yaml:"telegram" mapstructure:"telegram"`
	Payment   service.Config                    `yaml:"payment" mapstructure:"payment"`
}

type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	// empty writes logs/{name}.log
	File string `yaml:"file" mapstructure:"file"`
}

type MetricsConfig struct {
	// empty disables the dedicated metrics listener
	Addr string `yaml:"addr" mapstructure:"addr"`
	// pool sampling period
	Every time.Duration `yaml:"every" mapstructure:"every"`
}

type ExplorersConfig struct {
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	// token bucket per upstream host
	RPS   float64 `yaml:"rps" mapstructure:"rps"`
	Burst int     `yaml:"burst" mapstructure:"burst"`

	BTC   btc.Config   `yaml:"btc" mapstructure:"btc"`
	ETH   eth.Config   `yaml:"eth" mapstructure:"eth"`
	SOL   sol.Config   `yaml:"sol" mapstructure:"sol"`
	Bybit bybit.Config `yaml:"bybit" mapstructure:"bybit"`
}

type BreakersConfig struct {
	Default ratelimit.Rule            `yaml:"default" mapstructure:"default"`
	PerKey  map[string]ratelimit.Rule `yaml:"per_key" mapstructure:"per_key"`
}

// AssetOverride replaces selected fields of the built-in asset table.
type AssetOverride struct {
	MinAmount     string `yaml:"min_amount" mapstructure:"min_amount"`
	Confirmations *int64 `yaml:"confirmations" mapstructure:"confirmations"`
	PriceSymbol   string `yaml:"price_symbol" mapstructure:"price_symbol"`
}

// Defaults are keyed by dotted path for config.WithDefaults.
func Defaults() map[string]interface{} {
	rc := reconcile.DefaultConfig()
	return map[string]interface{}{
		"name":                         "reconciler",
		"log.level":                    "info",
		"db.driver":                    "sqlite",
		"db.dsn":                       "file:storebot.db?_busy_timeout=5000&_txlock=immediate",
		"db.max_idle":                  5,
		"db.max_open":                  20,
		"db.max_lifetime_seconds":      300,
		"http.addr":                    ":8080",
		"http.rps":                     50,
		"http.burst":                   100,
		"http.cors":                    true,
		"metrics.addr":                 ":9100",
		"metrics.every":                "15s",
		"explorers.timeout":            "10s",
		"explorers.rps":                4,
		"explorers.burst":              4,
		"explorers.btc.network":        "main",
		"reconcile.retry.attempts":     rc.Retry.Attempts,
		"reconcile.retry.interval":     rc.Retry.Interval.String(),
		"reconcile.retry.max_interval": rc.Retry.MaxInterval.String(),
		"reconcile.retry.multiplier":   rc.Retry.Multiplier,
		"reconcile.retry.jitter":       rc.Retry.Jitter,
		"reconcile.freshness_window":   rc.Window.String(),
		"reconcile.fetch_limit":        rc.FetchLimit,
		"reconcile.lock_ttl":           rc.LockTTL.String(),
		"reconcile.sweep_spec":         rc.SweepSpec,
		"reconcile.sweep_limit":        rc.SweepLimit,
		"oracle.timeout":               "10s",
		"oracle.ttl":                   "1m",
		"telegram.timeout":             "10s",
		"payment.min_crypto_usd":       5,

		"breakers.default.timeout":           "30s",
		"breakers.default.interval":          "1m",
		"breakers.default.max_requests":      1,
		"breakers.default.trip_min_requests": 10,
		"breakers.default.trip_failure_rate": 0.6,
	}
}
