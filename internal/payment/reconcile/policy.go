package reconcile

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy bounds one order's polling. The default is ten attempts six seconds apart.
type Policy struct {
	Attempts int           `yaml:"attempts" mapstructure:"attempts"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	// cap for rate-limit backoff
	MaxInterval time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	Multiplier  float64       `yaml:"multiplier" mapstructure:"multiplier"`
	// fraction of the delay added or removed at random, 0 disables
	Jitter float64 `yaml:"jitter" mapstructure:"jitter"`
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:    10,
		Interval:    6 * time.Second,
		MaxInterval: time.Minute,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Interval <= 0 {
		p.Interval = d.Interval
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = max(d.MaxInterval, p.Interval)
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Delay is the wait before the next attempt. limited counts consecutive rate-limited
// attempts so far; each one doubles the wait (by Multiplier) up to MaxInterval, and a
// server-supplied retryAfter is never undercut.
func (p Policy) Delay(limited int, retryAfter time.Duration) time.Duration {
	d := p.Interval
	if limited > 0 {
		d = time.Duration(float64(p.Interval) * math.Pow(p.Multiplier, float64(limited)))
		if d > p.MaxInterval || d <= 0 {
			d = p.MaxInterval
		}
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}
