package explorer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"storebot.com/internal/payment/domain"
	"storebot.com/pkg/logger"
	"storebot.com/pkg/metrics"
	"storebot.com/pkg/ratelimit"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBody        = 4 << 20
)

type Options struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	// per-host token buckets shared by all adapters; nil disables throttling
	Limiter *ratelimit.Store
	// per-currency breakers; nil disables breaking
	Breakers *ratelimit.Manager
}

// Client is the HTTP transport every adapter goes through.
type Client struct {
	currency domain.Currency
	http     *http.Client
	limiter  *ratelimit.Store
	breakers *ratelimit.Manager
}

func New(currency domain.Currency, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		currency: currency,
		http:     hc,
		limiter:  opts.Limiter,
		breakers: opts.Breakers,
	}
}

// BreakerSuccess is the breaker policy: malformed payloads mean the upstream answered,
// so only transport, 5xx and rate-limit failures count against it.
func BreakerSuccess(err error) bool {
	return err == nil || errors.Is(err, domain.ErrUpstreamFormat) || errors.Is(err, context.Canceled)
}

// GetJSON performs a GET and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, header http.Header, out interface{}) error {
	start := time.Now()
	call := func() error { return c.do(ctx, rawURL, header, out) }

	var err error
	if c.breakers != nil {
		err = c.breakers.Do(string(c.currency), call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = domain.Transient(c.currency, 0, err)
		}
	} else {
		err = call()
	}

	metrics.ExplorerDuration.WithLabelValues(string(c.currency)).Observe(time.Since(start).Seconds())
	metrics.ExplorerRequests.WithLabelValues(string(c.currency), resultLabel(err)).Inc()
	if err != nil {
		logger.Debug(ctx, "explorer call failed",
			zap.String("currency", string(c.currency)),
			zap.String("host", hostOf(rawURL)),
			zap.Error(err),
		)
	}
	return err
}

func (c *Client) do(ctx context.Context, rawURL string, header http.Header, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, hostOf(rawURL)); err != nil {
			return domain.Transient(c.currency, 0, fmt.Errorf("rate limiter: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return domain.Format(c.currency, fmt.Errorf("build request: %w", redact(err)))
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Transient(c.currency, 0, redact(err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.RateLimited(c.currency, ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case resp.StatusCode >= 500:
		return domain.Transient(c.currency, resp.StatusCode, fmt.Errorf("upstream %s", resp.Status))
	case resp.StatusCode >= 400:
		return &domain.ExplorerError{Kind: domain.KindFormat, Currency: c.currency, Status: resp.StatusCode, Err: fmt.Errorf("upstream %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return domain.Transient(c.currency, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return domain.Format(c.currency, fmt.Errorf("decode body: %w", err))
	}
	return nil
}

// redact drops the query from URLs carried by err. Explorer keys and signatures travel
// in the query and must not reach logs, alerts or API replies.
func redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		ue.URL = StripQuery(ue.URL)
	}
	return err
}

// StripQuery returns rawURL without its query string and fragment.
func StripQuery(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// ParseRetryAfter accepts delta-seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// Placeholder reports tokens left at their template value, e.g. YOUR_ETHERSCAN_TOKEN.
func Placeholder(s string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(s)), "YOUR_")
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return StripQuery(rawURL)
	}
	return u.Host
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return domain.KindOf(err).String()
}
