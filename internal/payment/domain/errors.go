package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransientNetwork     = errors.New("transient network error")
	ErrUpstreamFormat       = errors.New("upstream format error")
	ErrRateLimited          = errors.New("rate limited")
	ErrUnconfigured         = errors.New("explorer not configured")
	ErrDuplicateTransaction = errors.New("transaction already processed")
	ErrLedgerWrite          = errors.New("ledger write failed")
	ErrOrderClosed          = errors.New("order no longer pending")
	ErrNoExplorer           = errors.New("no explorer for currency")
)

type ErrorKind int

const (
	KindTransient ErrorKind = iota + 1
	KindFormat
	KindRateLimited
	KindUnconfigured
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFormat:
		return "format"
	case KindRateLimited:
		return "rate_limited"
	case KindUnconfigured:
		return "unconfigured"
	default:
		return "unknown"
	}
}

// ExplorerError is returned by every adapter call that fails.
type ExplorerError struct {
	Kind     ErrorKind
	Currency Currency
	Status   int           // HTTP status, 0 when no response
	Retry    time.Duration // Retry-After hint for rate limits
	Err      error
}

func (e *ExplorerError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s explorer %s (status %d): %v", e.Currency, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s explorer %s: %v", e.Currency, e.Kind, e.Err)
}

func (e *ExplorerError) Unwrap() error { return e.Err }

func (e *ExplorerError) Is(target error) bool {
	switch target {
	case ErrTransientNetwork:
		return e.Kind == KindTransient
	case ErrUpstreamFormat:
		return e.Kind == KindFormat
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrUnconfigured:
		return e.Kind == KindUnconfigured
	}
	return false
}

func Transient(c Currency, status int, err error) error {
	return &ExplorerError{Kind: KindTransient, Currency: c, Status: status, Err: err}
}

func Format(c Currency, err error) error {
	return &ExplorerError{Kind: KindFormat, Currency: c, Err: err}
}

func RateLimited(c Currency, retry time.Duration) error {
	return &ExplorerError{Kind: KindRateLimited, Currency: c, Status: 429, Retry: retry, Err: errors.New("too many requests")}
}

func Unconfigured(c Currency, what string) error {
	return &ExplorerError{Kind: KindUnconfigured, Currency: c, Err: errors.New(what)}
}

// KindOf classifies err; unknown errors count as transient.
func KindOf(err error) ErrorKind {
	var ee *ExplorerError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindTransient
}

// RetryAfter returns the rate-limit hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var ee *ExplorerError
	if errors.As(err, &ee) {
		return ee.Retry
	}
	return 0
}
