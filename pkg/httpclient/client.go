// Package httpclient wraps net/http with rate limit aware retries for
// the upstream model and embedding APIs.
package httpclient

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// RetryStrategy selects how a failed request is retried.
type RetryStrategy int

const (
	// NoRetry surfaces the response as is.
	NoRetry RetryStrategy = iota
	// ConservativeRetry makes at most two quick attempts after a
	// transient server error.
	ConservativeRetry
	// SmartRetry honors provider rate limit headers, with exponential
	// backoff as the fallback.
	SmartRetry
)

// RateLimitInfo carries whatever throttling state a provider exposes
// through response headers.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64
	RequestsRemaining int
	TokensRemaining   int
}

// HeaderParser extracts RateLimitInfo from provider response headers.
type HeaderParser func(http.Header) RateLimitInfo

// StrategyFunc maps an HTTP status code to a retry strategy.
type StrategyFunc func(statusCode int) RetryStrategy

// Client retries throttled and transiently failing requests.
type Client struct {
	client   *http.Client
	retries  int
	delay    time.Duration
	parser   HeaderParser
	strategy StrategyFunc
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.delay = d }
}

func WithHeaderParser(p HeaderParser) Option {
	return func(c *Client) { c.parser = p }
}

func WithRetryStrategy(s StrategyFunc) Option {
	return func(c *Client) { c.strategy = s }
}

func New(opts ...Option) *Client {
	c := &Client{
		client:   &http.Client{Timeout: 60 * time.Second},
		retries:  5,
		delay:    2 * time.Second,
		strategy: DefaultRetryStrategy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultRetryStrategy retries rate limits smartly, transient server
// errors conservatively, and nothing else.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do sends the request, replaying the body across attempts. Non-2xx
// responses that the strategy declines to retry are returned with a nil
// error so callers can decode the provider's error payload. Exhausted
// retries return the last response together with a *RetryableError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		strategy := c.strategy(resp.StatusCode)
		if strategy == NoRetry {
			return resp, nil
		}

		var info RateLimitInfo
		if c.parser != nil {
			info = c.parser(resp.Header)
		}

		delay := c.retryDelay(strategy, attempt, info)
		if delay <= 0 || attempt == c.retries {
			return resp, &RetryableError{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("retries exhausted after %d attempts", attempt+1),
				RetryAfter: delay,
			}
		}

		c.logRetry(strategy, delay, attempt, resp.StatusCode)
		resp.Body.Close()

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}

	return nil, &RetryableError{
		Message: fmt.Sprintf("max retries (%d) exceeded", c.retries),
	}
}

func (c *Client) retryDelay(strategy RetryStrategy, attempt int, info RateLimitInfo) time.Duration {
	switch strategy {
	case SmartRetry:
		if info.RetryAfter > 0 {
			return info.RetryAfter
		}
		if info.ResetTime > 0 {
			if d := time.Until(time.Unix(info.ResetTime, 0)); d > 0 {
				return d
			}
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * c.delay
		return backoff + time.Duration(float64(backoff)*0.1)

	case ConservativeRetry:
		if attempt >= 2 {
			return 0
		}
		return time.Duration(2+attempt) * c.delay

	default:
		return 0
	}
}

func (c *Client) logRetry(strategy RetryStrategy, delay time.Duration, attempt, status int) {
	switch strategy {
	case SmartRetry:
		slog.Warn("Upstream rate limited, backing off",
			"status", status, "delay", delay, "attempt", attempt+1, "max_retries", c.retries)
	case ConservativeRetry:
		slog.Debug("Transient upstream error, retrying",
			"status", status, "delay", delay, "attempt", attempt+1)
	}
}
