package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"storebot.com/pkg/logger"
)

type Cache interface {
	Get(ctx context.Context, symbol string) (decimal.Decimal, bool)
	Set(ctx context.Context, symbol string, price decimal.Decimal, ttl time.Duration)
}

type memoryEntry struct {
	price   decimal.Decimal
	expires time.Time
}

type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	e, ok := c.entries[symbol]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		return decimal.Zero, false
	}
	return e.price, true
}

func (c *MemoryCache) Set(_ context.Context, symbol string, price decimal.Decimal, ttl time.Duration) {
	c.mu.Lock()
	c.entries[symbol] = memoryEntry{price: price, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}

// RedisCache shares prices between replicas. Redis errors read as a miss.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "oracle:price:"}
}

func (c *RedisCache) Get(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	v, err := c.client.Get(ctx, c.prefix+symbol).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Warn(ctx, "price cache read failed", zap.String("symbol", symbol), zap.Error(err))
		}
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, false
	}
	return p, true
}

func (c *RedisCache) Set(ctx context.Context, symbol string, price decimal.Decimal, ttl time.Duration) {
	if err := c.client.Set(ctx, c.prefix+symbol, price.String(), ttl).Err(); err != nil {
		logger.Warn(ctx, "price cache write failed", zap.String("symbol", symbol), zap.Error(err))
	}
}
