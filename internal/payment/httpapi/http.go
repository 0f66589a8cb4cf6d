package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
	"storebot.com/pkg/middleware"
	"storebot.com/pkg/ratelimit"
)

type Config struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
	// per client ip and route
	RPS   float64 `yaml:"rps" mapstructure:"rps"`
	Burst int     `yaml:"burst" mapstructure:"burst"`
	// serve /metrics on the api port as well
	Metrics bool `yaml:"metrics" mapstructure:"metrics"`
	CORS    bool `yaml:"cors" mapstructure:"cors"`
}

// NewRouter wires middlewares and routes. ctx bounds the rate-limit janitor.
func NewRouter(ctx context.Context, cfg Config, h *Handler) *gin.Engine {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 50
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 100
	}
	store := ratelimit.NewStore(rate.Limit(rps), burst, 10*time.Minute)
	store.StartJanitor(ctx, time.Minute)

	r := gin.New()
	p := ginprom.NewPrometheus("storebot_http")
	if cfg.Metrics {
		p.Use(r)
	} else {
		r.Use(p.HandlerFunc())
	}
	r.Use(
		otelgin.Middleware("reconciler-api"),
		middleware.ReqId(),
		middleware.Recover(),
	)
	if cfg.CORS {
		r.Use(cors.Default())
	}
	r.Use(middleware.RateLimit(store))

	r.GET("/healthz", h.Health)
	v1 := r.Group("/v1")
	{
		v1.GET("/currencies", h.Currencies)
		v1.POST("/orders/crypto", h.CreateCryptoOrder)
		v1.GET("/orders/:id", h.GetOrder)
		v1.POST("/orders/:id/check", h.CheckNow)
		v1.DELETE("/orders/:id/watch", h.CancelWatch)
		v1.GET("/prices/:symbol", h.Price)
		v1.GET("/users/:id/wallet", h.Wallet)
	}
	return r
}

func NewServer(cfg Config, handler http.Handler) *http.Server {
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	return &http.Server{
		Addr:           addr,
		Handler:        handler,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}
