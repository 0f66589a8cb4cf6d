package ratelimit

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"storebot.com/pkg/metrics"
)

type Rule struct {
	// probe requests allowed in half-open
	MaxRequests uint32 `yaml:"max_requests" mapstructure:"max_requests"`
	// closed-state counting window
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	// >0 enables a rolling window
	BucketPeriod time.Duration `yaml:"bucket_period" mapstructure:"bucket_period"`
	// how long the breaker stays open
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	TripConsecutiveFailures uint32  `yaml:"trip_consecutive_failures" mapstructure:"trip_consecutive_failures"`
	TripFailureRate         float64 `yaml:"trip_failure_rate" mapstructure:"trip_failure_rate"` // 0~1
	TripMinRequests         uint32  `yaml:"trip_min_requests" mapstructure:"trip_min_requests"`
}

// Manager keeps one breaker per key, created lazily.
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[any]

	defaultRule  Rule
	rules        map[string]Rule
	isSuccessful func(error) bool
}

// NewManager builds a manager. isSuccessful decides which errors do not count as
// breaker failures; nil counts every error.
func NewManager(defaultRule Rule, perKey map[string]Rule, isSuccessful func(error) bool) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 1
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 30 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = time.Minute
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 5
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 10
	}
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}

	return &Manager{
		m:            make(map[string]*gobreaker.CircuitBreaker[any], 8),
		defaultRule:  defaultRule,
		rules:        perKey,
		isSuccessful: isSuccessful,
	}
}

func (m *Manager) Get(key string) *gobreaker.CircuitBreaker[any] {
	m.mu.RLock()
	cb := m.m[key]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb = m.m[key]; cb != nil {
		return cb
	}

	rule, ok := m.rules[key]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:         key,
		MaxRequests:  rule.MaxRequests,
		Interval:     rule.Interval,
		BucketPeriod: rule.BucketPeriod,
		Timeout:      rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		IsSuccessful:  m.isSuccessful,
		OnStateChange: observeState,
	}

	cb = gobreaker.NewCircuitBreaker[any](st)
	observeState(key, gobreaker.StateClosed, gobreaker.StateClosed)
	m.m[key] = cb
	return cb
}

// Do runs fn through the breaker for key.
func (m *Manager) Do(key string, fn func() error) error {
	_, err := m.Get(key).Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

func observeState(name string, from, to gobreaker.State) {
	metrics.CBState.WithLabelValues(name, stateLabel(from)).Set(0)
	metrics.CBState.WithLabelValues(name, stateLabel(to)).Set(1)
}

func stateLabel(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
