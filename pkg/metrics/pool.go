package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	DbPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_pool_open",
		Help:      "Current open DB connections",
	})
	DbPoolIdle      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_idle"})
	DbPoolInuse     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_inuse"})
	DbPoolWaitCount = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "db_pool_wait_count"})

	RedisPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_open"})
	RedisPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_idle"})
)

// ObserveDB samples pool stats until ctx is done.
func ObserveDB(ctx context.Context, db *sql.DB, every time.Duration) {
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		var lastWait int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			st := db.Stats()
			DbPoolOpen.Set(float64(st.OpenConnections))
			DbPoolIdle.Set(float64(st.Idle))
			DbPoolInuse.Set(float64(st.InUse))
			if d := st.WaitCount - lastWait; d > 0 {
				DbPoolWaitCount.Add(float64(d))
				lastWait = st.WaitCount
			}
		}
	}()
}

// ObserveRedis samples pool stats until ctx is done.
func ObserveRedis(ctx context.Context, rdb *redis.Client, every time.Duration) {
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			st := rdb.PoolStats()
			RedisPoolOpen.Set(float64(st.TotalConns))
			RedisPoolIdle.Set(float64(st.IdleConns))
		}
	}()
}
