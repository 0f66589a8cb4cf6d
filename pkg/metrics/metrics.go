package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "storebot"

var (
	ExplorerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "explorer_requests_total",
		Help:      "Explorer API calls by currency and result.",
	}, []string{"currency", "result"}) // result: ok/transient/format/rate_limited/open

	ExplorerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "explorer_request_duration_seconds",
		Help:      "Explorer API latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms ~ 25s
	}, []string{"currency"})

	ReconcileAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_attempts_total",
		Help:      "Reconciliation attempts by outcome.",
	}, []string{"currency", "outcome"})

	ReconcileCredits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_credits_total",
		Help:      "Orders credited from an on-chain payment.",
	}, []string{"currency"})

	ReconcileExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_exhausted_total",
		Help:      "Orders that ran out of attempts without a match.",
	}, []string{"currency"})

	ReconcileInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconcile_inflight",
		Help:      "Orders currently being watched.",
	})

	OracleFallback = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oracle_fallback_total",
		Help:      "Prices served from the static fallback table.",
	}, []string{"symbol"})

	CBState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuitbreaker_state",
		Help:      "Circuit breaker state (0/1).",
	}, []string{"name", "state"}) // state: closed/open/half_open
)
